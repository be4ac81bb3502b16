package transporttest

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrChannelNotOpen = errors.New("data channel not open")
	ErrChannelClosed  = errors.New("data channel closed")
)

type item struct {
	data  []byte
	close bool
}

// Channel is an in-memory data channel. Messages are delivered to the paired
// channel in order by a single goroutine; bytes count as buffered until they
// have been handed to the peer's message callback.
type Channel struct {
	label   string
	latency time.Duration

	mu           sync.Mutex
	peer         *Channel
	open         bool
	closed       bool
	buffered     uint64
	lowThreshold uint64
	maxAtSend    uint64
	sends        int
	queue        []item
	onOpen       func()
	onClose      func()
	onLow        func()
	onMessage    func([]byte)

	wake      chan struct{}
	closeOnce sync.Once
}

func newChannel(label string, latency time.Duration) *Channel {
	return &Channel{
		label:   label,
		latency: latency,
		wake:    make(chan struct{}, 1),
	}
}

func pair(a, b *Channel) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()

	go a.deliverLoop()
	go b.deliverLoop()
}

func (c *Channel) Label() string { return c.label }

func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if !c.open {
		c.mu.Unlock()
		return ErrChannelNotOpen
	}
	if c.buffered > c.maxAtSend {
		c.maxAtSend = c.buffered
	}
	c.sends++
	c.buffered += uint64(len(data))
	c.queue = append(c.queue, item{data: append([]byte(nil), data...)})
	c.mu.Unlock()

	c.notify()
	return nil
}

func (c *Channel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

func (c *Channel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.mu.Lock()
	c.lowThreshold = threshold
	c.mu.Unlock()
}

func (c *Channel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	c.onLow = f
	c.mu.Unlock()
}

// OnOpen runs f immediately when the channel is already open.
func (c *Channel) OnOpen(f func()) {
	c.mu.Lock()
	c.onOpen = f
	open := c.open
	c.mu.Unlock()

	if open {
		go f()
	}
}

func (c *Channel) OnClose(f func()) {
	c.mu.Lock()
	c.onClose = f
	c.mu.Unlock()
}

func (c *Channel) OnMessage(f func([]byte)) {
	c.mu.Lock()
	c.onMessage = f
	c.mu.Unlock()
}

func (c *Channel) OnError(func(error)) {}

func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	paired := c.peer != nil
	if paired {
		c.queue = append(c.queue, item{close: true})
	}
	c.mu.Unlock()

	if !paired {
		c.fireClose()
		return nil
	}
	c.notify()
	return nil
}

// MaxBufferedAtSend is the largest BufferedAmount observed at the moment
// Send was called.
func (c *Channel) MaxBufferedAtSend() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxAtSend
}

func (c *Channel) Sends() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) setOpen() {
	c.mu.Lock()
	if c.open || c.closed {
		c.mu.Unlock()
		return
	}
	c.open = true
	f := c.onOpen
	c.mu.Unlock()

	if f != nil {
		f()
	}
}

func (c *Channel) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) deliverLoop() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.mu.Unlock()
			<-c.wake
			continue
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		peer := c.peer
		c.mu.Unlock()

		if next.close {
			c.fireClose()
			_ = peer.Close()
			return
		}

		if c.latency > 0 {
			time.Sleep(c.latency)
		}
		peer.deliver(next.data)
		c.drain(uint64(len(next.data)))
	}
}

func (c *Channel) deliver(data []byte) {
	c.mu.Lock()
	closed := c.closed
	f := c.onMessage
	c.mu.Unlock()

	if !closed && f != nil {
		f(data)
	}
}

func (c *Channel) drain(n uint64) {
	c.mu.Lock()
	before := c.buffered
	c.buffered -= n
	crossed := before > c.lowThreshold && c.buffered <= c.lowThreshold
	f := c.onLow
	c.mu.Unlock()

	if crossed && f != nil {
		f()
	}
}

func (c *Channel) fireClose() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		f := c.onClose
		c.mu.Unlock()

		if f != nil {
			f()
		}
	})
}
