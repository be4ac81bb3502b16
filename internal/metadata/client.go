package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a metadata Server and satisfies Store.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Put registers rec. The returned record carries the server-assigned id and
// the expiry the server settled on.
func (c *Client) Put(ctx context.Context, rec Record) (Record, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("encoding transfer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return Record{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

func (c *Client) Get(ctx context.Context, id string) (Record, error) {
	query := url.Values{"id": {id}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transfer?"+query.Encode(), nil)
	if err != nil {
		return Record{}, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (Record, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Record{}, ErrNotFound
	case resp.StatusCode == http.StatusBadRequest:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Record{}, fmt.Errorf("%w: %s", ErrInvalidRecord, strings.TrimSpace(string(msg)))
	case resp.StatusCode != http.StatusOK:
		return Record{}, fmt.Errorf("%w: unexpected status %s", ErrUnavailable, resp.Status)
	}

	var rec Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	return rec, nil
}
