package platform

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSupported is returned by the registry for unknown platform ids.
	ErrNotSupported = errors.New("platform not supported")

	// ErrCapabilityUnsupported marks an operation a platform cannot perform.
	// It is permanent and must never be retried.
	ErrCapabilityUnsupported = errors.New("capability not supported by platform")
)

// ErrorKind classifies an adapter failure so callers can pick a retry policy.
type ErrorKind int

const (
	KindPermanent ErrorKind = iota
	KindTransient
	KindAuthExpired
)

// Error is the classified failure adapters hand back across the boundary.
type Error struct {
	Platform string
	Op       string
	Kind     ErrorKind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Platform, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps timeouts, 5xx and rate-limit responses.
func Transient(platformID, op string, err error) *Error {
	return &Error{Platform: platformID, Op: op, Kind: KindTransient, Err: err}
}

// AuthExpired wraps 401 responses; callers trigger a token refresh, not a retry.
func AuthExpired(platformID, op string, err error) *Error {
	return &Error{Platform: platformID, Op: op, Kind: KindAuthExpired, Err: err}
}

// Permanent wraps everything else.
func Permanent(platformID, op string, err error) *Error {
	return &Error{Platform: platformID, Op: op, Kind: KindPermanent, Err: err}
}

func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindTransient
}

func IsAuthExpired(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindAuthExpired
}

// classifyStatus maps an HTTP response status to the error taxonomy.
func classifyStatus(platformID, op string, status int, body []byte) *Error {
	err := fmt.Errorf("unexpected status %d: %s", status, truncate(body, 200))
	switch {
	case status == 401:
		return AuthExpired(platformID, op, err)
	case status == 429 || status >= 500:
		return Transient(platformID, op, err)
	default:
		return Permanent(platformID, op, err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
