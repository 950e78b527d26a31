package api

import (
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure surfaced by the Service.
type Kind int

const (
	KindInvalidURL Kind = iota + 1
	KindRequestFailed
	KindInvalidResponse
	KindDecodingFailed
	KindUnauthorized
	KindForbidden
	KindSessionExpired
	KindTokenRefreshFailed
	KindNoInternet
	KindNotConfigured
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindInvalidURL:
		return "invalid URL"
	case KindRequestFailed:
		return "request failed"
	case KindInvalidResponse:
		return "invalid response from server"
	case KindDecodingFailed:
		return "failed to decode response"
	case KindUnauthorized:
		return "unauthorized, please log in again"
	case KindForbidden:
		return "you don't have permission to access this resource"
	case KindSessionExpired:
		return "session expired, please log in again"
	case KindTokenRefreshFailed:
		return "failed to refresh authentication token"
	case KindNoInternet:
		return "no internet connection"
	case KindNotConfigured:
		return "API client is not configured"
	case KindCustom:
		return "error"
	default:
		return fmt.Sprintf("unknown error kind %d", int(k))
	}
}

// Error is the only error type returned by Service.Do and Perform.
type Error struct {
	Kind       Kind
	StatusCode int    // HTTP status when a response was received
	Message    string // overrides the kind description when set
	Err        error  // underlying cause
}

// Sentinels for errors.Is. They carry no status or cause.
var (
	ErrInvalidURL         = &Error{Kind: KindInvalidURL}
	ErrRequestFailed      = &Error{Kind: KindRequestFailed}
	ErrInvalidResponse    = &Error{Kind: KindInvalidResponse}
	ErrDecodingFailed     = &Error{Kind: KindDecodingFailed}
	ErrUnauthorized       = &Error{Kind: KindUnauthorized}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrSessionExpired     = &Error{Kind: KindSessionExpired}
	ErrTokenRefreshFailed = &Error{Kind: KindTokenRefreshFailed}
	ErrNoInternet         = &Error{Kind: KindNoInternet}
	ErrNotConfigured      = &Error{Kind: KindNotConfigured}
)

// Custom returns a KindCustom error carrying msg.
func Custom(msg string) *Error {
	return &Error{Kind: KindCustom, Message: msg}
}

// Description returns the user-facing message without cause details.
func (e *Error) Description() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func (e *Error) Error() string {
	msg := e.Description()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind. A request failure caused by DNS
// resolution or dialing also matches ErrNoInternet.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindNoInternet && e.Kind == KindRequestFailed && isOffline(e.Err)
}

func isOffline(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func newError(kind Kind, status int, cause error) *Error {
	return &Error{Kind: kind, StatusCode: status, Err: cause}
}
