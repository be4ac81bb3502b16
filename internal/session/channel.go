package session

import "github.com/sendfiles-dev/sendfiles/internal/transport"

// countingChannel tallies payload bytes into the owning session. The session
// keeps the open and close callbacks for itself; callers observe those
// through WaitOpen and Done.
type countingChannel struct {
	transport.DataChannel
	session *Session
}

func (c *countingChannel) Send(data []byte) error {
	if err := c.DataChannel.Send(data); err != nil {
		return err
	}
	c.session.bytesSent.Add(uint64(len(data)))
	return nil
}

func (c *countingChannel) OnMessage(f func([]byte)) {
	c.DataChannel.OnMessage(func(data []byte) {
		c.session.bytesReceived.Add(uint64(len(data)))
		f(data)
	})
}

func (c *countingChannel) OnOpen(func()) {}

func (c *countingChannel) OnClose(func()) {}
