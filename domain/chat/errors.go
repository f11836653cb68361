package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrRedirecting is matched by every AuthRedirectError.
	ErrRedirecting = errors.New("redirecting to peerwave auth")

	// ErrCircuitOpen is returned while the endpoint is failing fast.
	ErrCircuitOpen = errors.New("chat stream circuit breaker open")
)

// AuthRedirectError reports a failure response that carried a Location
// header. Navigation to Location has already been triggered when this error
// is returned.
type AuthRedirectError struct {
	StatusCode int
	Location   string
}

func (e *AuthRedirectError) Error() string {
	return ErrRedirecting.Error()
}

func (e *AuthRedirectError) Is(target error) bool {
	return target == ErrRedirecting
}

// RequestFailedError reports a failure response without a redirect location.
type RequestFailedError struct {
	StatusCode int
	Body       string
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("failed to get chat stream: %d %s", e.StatusCode, e.Body)
}

// TransportError wraps network-level failures: connection errors and reads
// that fail part way through the body.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chat stream transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRedirect reports whether err is an authentication redirect and returns it.
func IsRedirect(err error) (*AuthRedirectError, bool) {
	var redirect *AuthRedirectError
	if errors.As(err, &redirect) {
		return redirect, true
	}
	return nil, false
}
