package chunk

import (
	"context"
	"fmt"
	"sync"

	"github.com/sendfiles-dev/sendfiles/internal/transport"
)

// Assembler collects messages into a buffer of a known final length.
// Completion fires exactly once: on reaching the expected length, on an
// overrun, or on Abort.
type Assembler struct {
	expected int
	done     chan struct{}
	progress ProgressFunc

	mu       sync.Mutex
	buf      []byte
	received int
	finished bool
	err      error
}

func NewAssembler(expected int) *Assembler {
	a := &Assembler{
		expected: expected,
		done:     make(chan struct{}),
		buf:      make([]byte, expected),
	}
	if expected == 0 {
		a.finished = true
		close(a.done)
	}
	return a
}

func (a *Assembler) OnProgress(f ProgressFunc) {
	a.mu.Lock()
	a.progress = f
	a.mu.Unlock()
}

// Attach routes the channel's messages into the assembler. Errors from
// Append are surfaced through Wait.
func (a *Assembler) Attach(dc transport.DataChannel) {
	dc.OnMessage(func(data []byte) {
		_ = a.Append(data)
	})
}

func (a *Assembler) Append(data []byte) error {
	a.mu.Lock()

	if a.finished {
		defer a.mu.Unlock()
		if len(data) == 0 {
			return nil
		}
		if a.err == nil {
			return fmt.Errorf("%w: %d extra bytes after completion", ErrOverrunTransfer, len(data))
		}
		return a.err
	}

	if a.received+len(data) > a.expected {
		a.err = fmt.Errorf("%w: got %d, want %d", ErrOverrunTransfer, a.received+len(data), a.expected)
		a.finishLocked()
		a.mu.Unlock()
		return a.err
	}

	copy(a.buf[a.received:], data)
	a.received += len(data)
	progress := a.progress
	received := a.received
	complete := a.received == a.expected
	if complete {
		// later appends are rejected from here on, Done fires after the
		// final progress report
		a.finished = true
	}
	a.mu.Unlock()

	if progress != nil {
		progress(received, a.expected)
	}
	if complete {
		close(a.done)
	}
	return nil
}

// Abort completes the assembler with ErrTruncatedTransfer unless it has
// already completed.
func (a *Assembler) Abort() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.finished {
		return
	}
	a.err = fmt.Errorf("%w: got %d of %d bytes", ErrTruncatedTransfer, a.received, a.expected)
	a.finishLocked()
}

func (a *Assembler) Received() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.received
}

func (a *Assembler) Done() <-chan struct{} {
	return a.done
}

// Wait returns the assembled bytes once complete.
func (a *Assembler) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-a.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrTransportFailure, ctx.Err())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	return a.buf, nil
}

func (a *Assembler) finishLocked() {
	a.finished = true
	close(a.done)
}
