package cluster

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	cm "github.com/unkn0wn-root/copymachine"
)

// Connection-level failures of the peer transport.
var (
	ErrTimeout       = errors.New("cluster: request timed out")
	ErrClosed        = errors.New("cluster: transport closed")
	ErrPeerClosed    = errors.New("cluster: peer connection closed")
	ErrBadPeer       = errors.New("cluster: malformed peer response")
	ErrUnauthorized  = errors.New("cluster: peer unauthorized")
	ErrFrameTooLarge = errors.New("cluster: frame too large")
	ErrInflight      = errors.New("cluster: too many requests in flight")
)

// A window update the receiver refused matches ErrRejected, or
// ErrRateLimited when it was only throttled.
var (
	ErrRejected    = errors.New("window update rejected")
	ErrRateLimited = errors.New("window updates rate limited")
)

// UpdateError is the receiver's negative acknowledgement of a window update.
type UpdateError struct {
	Code   AckCode
	Reason string
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("window update refused (%s): %s", e.Code, e.Reason)
}

func (e *UpdateError) Is(target error) bool {
	switch target {
	case ErrRejected:
		return e.Code != AckRateLimited
	case ErrRateLimited:
		return e.Code == AckRateLimited
	}
	return false
}

// Unwrap maps the code to the copy machine error the receiver hit.
func (e *UpdateError) Unwrap() error {
	switch e.Code {
	case AckNoMachine:
		return cm.ErrTypeNotFound
	case AckUnknownProxy:
		return cm.ErrUnknownProxy
	}
	return nil
}

// ackError turns an acknowledgement into the sender's error.
func ackError(a *MsgSWUpdateAck) error {
	if a.OK {
		return nil
	}
	return &UpdateError{Code: a.Code, Reason: a.Err}
}

// needsRedial reports whether err left the peer connection unusable, so the
// cached connection is dropped and the next request dials again. Timeouts
// and refused updates keep the connection.
func needsRedial(err error) bool {
	var ue *UpdateError
	switch {
	case err == nil, errors.Is(err, ErrTimeout), errors.As(err, &ue):
		return false
	case errors.Is(err, ErrPeerClosed), errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return !nerr.Timeout()
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}
