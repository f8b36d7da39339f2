package comms

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDisposed matches every error caused by using or waiting on a disposed endpoint.
	ErrDisposed = errors.New("comms: endpoint disposed")
	// ErrReservedType is returned when business code tries to send a protocol-owned message type.
	ErrReservedType = errors.New("comms: message type is reserved for the handshake protocol")
	// ErrAlreadyListening is returned by a second Listen call.
	ErrAlreadyListening = errors.New("comms: host is already listening")
)

// HandshakeTimeoutError reports that the counterpart signal never arrived. It is fatal to the surface.
type HandshakeTimeoutError struct {
	Side     string
	Timeout  time.Duration
	Attempts int
}

func (e *HandshakeTimeoutError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("comms: %s handshake timed out after %v (%d ready signals)", e.Side, e.Timeout, e.Attempts)
	}
	return fmt.Sprintf("comms: %s handshake timed out after %v", e.Side, e.Timeout)
}

// RequestTimeoutError reports that a request exhausted its retry budget without a response.
type RequestTimeoutError struct {
	ID       string
	Type     string
	Attempts int
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("comms: request %s (%s) got no response after %d attempts", e.Type, e.ID, e.Attempts)
}

// DisposedError is returned by operations attempted on, or outstanding at the time of, Dispose.
type DisposedError struct {
	Op string
}

func (e *DisposedError) Error() string {
	return fmt.Sprintf("comms: %s: endpoint disposed", e.Op)
}

// Is makes errors.Is(err, ErrDisposed) true for every DisposedError.
func (e *DisposedError) Is(target error) bool {
	return target == ErrDisposed
}

// IncompatibleProtocolError reports a client whose protocol version the host does not support.
type IncompatibleProtocolError struct {
	Client    string
	Supported string
	Reason    string
}

func (e *IncompatibleProtocolError) Error() string {
	msg := fmt.Sprintf("comms: client protocol %q does not satisfy %q", e.Client, e.Supported)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// RemoteError is the failure reported by the peer's request handler.
type RemoteError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *RemoteError) Error() string {
	return e.Code + ": " + e.Message
}

// HandshakeFailedError wraps a fatal handshake failure that is not a timeout, e.g. the
// version source being unavailable.
type HandshakeFailedError struct {
	Side string
	Err  error
}

func (e *HandshakeFailedError) Error() string {
	return fmt.Sprintf("comms: %s handshake failed: %v", e.Side, e.Err)
}

func (e *HandshakeFailedError) Unwrap() error {
	return e.Err
}
