package chunk

import (
	"context"
	"fmt"

	"github.com/sendfiles-dev/sendfiles/internal/transport"
)

// Sender writes to one data channel. It owns the channel's low-watermark
// callback; closure is observed through the closed signal supplied by the
// channel's owner.
type Sender struct {
	dc       transport.DataChannel
	closed   <-chan struct{}
	low      chan struct{}
	progress ProgressFunc
}

func NewSender(dc transport.DataChannel, closed <-chan struct{}) *Sender {
	s := &Sender{
		dc:     dc,
		closed: closed,
		low:    make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(LowWatermark)
	dc.OnBufferedAmountLow(func() {
		select {
		case s.low <- struct{}{}:
		default:
		}
	})
	return s
}

func (s *Sender) OnProgress(f ProgressFunc) {
	s.progress = f
}

// Send slices data into ChunkSize messages. A message is only handed to the
// channel while its buffered amount is below BufferCeiling; otherwise Send
// waits for the buffer to drain to LowWatermark.
func (s *Sender) Send(ctx context.Context, data []byte) error {
	total := len(data)

	for offset := 0; offset < total; {
		select {
		case <-s.closed:
			return ErrChannelClosed
		default:
		}

		if s.dc.BufferedAmount() >= BufferCeiling {
			if err := s.waitLow(ctx); err != nil {
				return err
			}
			continue
		}

		end := min(offset+ChunkSize, total)
		if err := s.dc.Send(data[offset:end]); err != nil {
			return fmt.Errorf("%w: send: %v", ErrTransportFailure, err)
		}
		offset = end

		if s.progress != nil {
			s.progress(offset, total)
		}
	}
	return nil
}

// Drain blocks until everything handed to the channel has left its buffer.
// It must not run concurrently with Send.
func (s *Sender) Drain(ctx context.Context) error {
	s.dc.SetBufferedAmountLowThreshold(0)
	defer s.dc.SetBufferedAmountLowThreshold(LowWatermark)

	for s.dc.BufferedAmount() > 0 {
		if err := s.waitLow(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) waitLow(ctx context.Context) error {
	select {
	case <-s.low:
		return nil
	case <-s.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTransportFailure, ctx.Err())
	}
}
