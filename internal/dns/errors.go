package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrUnsupportedType is returned by providers asked to manage a record type
// outside their capabilities. The sync engine never sends such records; it
// routes them to the plan's skipped list instead.
var ErrUnsupportedType = errors.New("record type not supported")

// AuthError reports that a backend rejected the configured credentials.
// It is permanent: retrying with the same credentials cannot succeed.
type AuthError struct {
	Server string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Server, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectivityError reports a timeout or network failure. It is transient.
type ConnectivityError struct {
	Server string
	Err    error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s: unreachable: %v", e.Server, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsAuth reports whether err carries an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is worth retrying: connectivity failures,
// network timeouts and per-call deadlines.
func IsTransient(err error) bool {
	if err == nil || IsAuth(err) {
		return false
	}
	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Unreachable wraps a transport-level error as a ConnectivityError.
func Unreachable(server string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectivityError{Server: server, Err: err}
}

// FromStatus classifies a non-success HTTP status. 401 and 403 become
// AuthError, 408, 429 and 5xx become ConnectivityError, anything else is a
// plain error that fails only the current operation.
func FromStatus(server, op string, code int, body string) error {
	err := fmt.Errorf("%s returned status %d: %s", op, code, body)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &AuthError{Server: server, Err: err}
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return &ConnectivityError{Server: server, Err: err}
	default:
		return fmt.Errorf("%s: %w", server, err)
	}
}
