package gateway

import (
	"errors"
	"fmt"
)

// ErrFallbackUnavailable is returned when the gateway is in fallback mode
// but has no fallback source configured.
var ErrFallbackUnavailable = errors.New("fallback source unavailable")

// ErrInvalidConfig is returned when options are invalid.
var ErrInvalidConfig = errors.New("invalid gateway configuration")

// TransportError is an attempt that never produced a usable response:
// dial and read failures, timeouts and 5xx statuses.
type TransportError struct {
	Resource string
	Status   int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error on %s: server returned %d", e.Resource, e.Status)
	}
	return fmt.Sprintf("transport error on %s: %v", e.Resource, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is a 2xx response whose payload is not the structured
// data the gateway expects. It is retried like a transport error.
type ProtocolError struct {
	Resource    string
	ContentType string
	Err         error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s (content-type %q): %v", e.Resource, e.ContentType, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// ApplicationError is a well-formed error response. It is not retried.
type ApplicationError struct {
	Resource string
	Status   int
	Message  string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("%s failed with %d: %s", e.Resource, e.Status, e.Message)
}

// UnauthorizedError is a 401 or 403 response. It is not retried and does
// not trigger fallback mode.
type UnauthorizedError struct {
	Resource string
	Status   int
	Message  string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized on %s (%d): %s", e.Resource, e.Status, e.Message)
}

// IsTransport reports whether err is a transport or protocol failure,
// the classes that are retried and can trigger fallback mode.
func IsTransport(err error) bool {
	var te *TransportError
	var pe *ProtocolError
	return errors.As(err, &te) || errors.As(err, &pe)
}

// AsUnauthorized returns the UnauthorizedError in err's chain.
func AsUnauthorized(err error) (*UnauthorizedError, bool) {
	var ue *UnauthorizedError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// AsApplication returns the ApplicationError in err's chain.
func AsApplication(err error) (*ApplicationError, bool) {
	var ae *ApplicationError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
