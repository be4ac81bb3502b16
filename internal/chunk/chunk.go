// Package chunk moves a ciphertext across an open data channel in fixed-size
// messages with sender-side backpressure, and reassembles it on the other
// end. There is no framing: the receiver knows the expected length up front
// and the stream ends when that many bytes have arrived.
package chunk

import (
	"errors"
	"fmt"
)

const (
	ChunkSize     = 16 * 1024
	BufferCeiling = 16 * 1024
	LowWatermark  = BufferCeiling / 2
)

var (
	ErrTransportFailure  = errors.New("transport failure")
	ErrChannelClosed     = fmt.Errorf("%w: data channel closed", ErrTransportFailure)
	ErrOverrunTransfer   = fmt.Errorf("%w: received more bytes than expected", ErrTransportFailure)
	ErrTruncatedTransfer = fmt.Errorf("%w: channel closed before transfer completed", ErrTransportFailure)
)

// ProgressFunc reports bytes done out of total.
type ProgressFunc func(done, total int)
