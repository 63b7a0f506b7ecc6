package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies channel failures by how the engine must react to them
type ErrorKind int

const (
	// KindUnknown is an unclassified failure, handled like a transient one by polls
	KindUnknown ErrorKind = iota
	// KindTransient covers network errors, timeouts, throttling and 5xx responses
	KindTransient
	// KindNotFound means the exchange does not know the order
	KindNotFound
	// KindRejected means the exchange explicitly refused the request
	KindRejected
	// KindAuth means credentials were refused; the connector is untrusted
	KindAuth
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindRejected:
		return "rejected"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// ChannelError is a classified failure of a request to the exchange
type ChannelError struct {
	Kind ErrorKind
	Op   string // submit, cancel, status, trades, listen_key
	Code int64  // Exchange error code, if any
	Err  error
}

func (e *ChannelError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s %s (code %d): %v", e.Op, e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// NewChannelError wraps err with a kind
func NewChannelError(kind ErrorKind, op string, err error) *ChannelError {
	return &ChannelError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of a classified error, or KindUnknown
func KindOf(err error) ErrorKind {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried later
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsAuth reports whether err is an authentication failure
func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}

// IsNotFound reports whether err says the order is unknown to the exchange
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// IsRejected reports whether err is an explicit rejection
func IsRejected(err error) bool {
	return err != nil && KindOf(err) == KindRejected
}

// HTTPStatusError is returned by transports that only know the HTTP status
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// Classify normalizes a transport error into a ChannelError. Errors that are
// already classified keep their kind. Context cancellation is returned
// unchanged so callers can tell shutdown apart from failures.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ChannelError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewChannelError(KindTransient, op, err)
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return &ChannelError{Kind: kindForStatus(statusErr.StatusCode), Op: op, Code: int64(statusErr.StatusCode), Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewChannelError(KindTransient, op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewChannelError(KindTransient, op, err)
	}

	return NewChannelError(KindUnknown, op, err)
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		return KindTransient
	case status >= 400:
		return KindRejected
	default:
		return KindUnknown
	}
}
