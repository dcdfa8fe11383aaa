package cm

import (
	"errors"
	"fmt"
)

var (
	// ErrNoData reports that the data iterator of a copy machine is
	// exhausted. The pump goes idle on it.
	ErrNoData = errors.New("no more data")
	// ErrNoBuffers reports temporary buffer exhaustion. The pump suspends
	// until a buffer is released.
	ErrNoBuffers = errors.New("no buffers available")
	// ErrNoSpace reports that no further aggregation group fits the
	// sliding window right now.
	ErrNoSpace = errors.New("no space in sliding window")
	// ErrNoRecord reports that no sliding window is persisted for a machine.
	ErrNoRecord = errors.New("sliding window record not found")
	// ErrNotFound is returned by Txn.Get for absent keys.
	ErrNotFound = errors.New("key not found")

	ErrTypeExists      = errors.New("copy machine type already registered")
	ErrTypeNotFound    = errors.New("copy machine type not registered")
	ErrRegistryClosed  = errors.New("copy machine type registry closed")
	ErrClosed          = errors.New("copy machine closed")
	ErrInjected        = errors.New("injected fault")
	ErrNonMonotonic    = errors.New("aggregation group id does not advance")
	ErrEndpointTooLong = errors.New("endpoint too long")
	ErrUnknownProxy    = errors.New("no proxy for endpoint")
)

// IsSoft reports whether err is one of the conditions handled locally by
// suspending or looping (no data, no buffers, no space). The pump idles on a
// soft allocation error instead of failing the machine.
func IsSoft(err error) bool {
	return errors.Is(err, ErrNoData) || errors.Is(err, ErrNoBuffers) || errors.Is(err, ErrNoSpace)
}

// Error is returned at the call boundary of a failed lifecycle operation.
type Error struct {
	Op      string
	Machine uint64
	Kind    FailureKind
	Cause   error
}

func (e *Error) Error() string {
	if e.Kind != FailNone {
		return fmt.Sprintf("cm %d %s (%s): %v", e.Machine, e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("cm %d %s: %v", e.Machine, e.Op, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(op string, id uint64, kind FailureKind, cause error) *Error {
	return &Error{
		Op:      op,
		Machine: id,
		Kind:    kind,
		Cause:   cause,
	}
}
