package gateway

import (
	"fmt"
	"net/http"
	"unicode/utf8"
)

// AuthError means the credential exchange failed. No credential was cached.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway auth failed: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway auth failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// GatewayError is a non-2xx answer from the gateway, or a transport failure
// (timeout included) when StatusCode is zero.
type GatewayError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway request failed: %v", e.Err)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, truncate(e.Body, 256))
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Rejected reports whether the gateway refused the request itself, so that
// resubmitting the same reference cannot succeed. 401 and 403 are about our
// credentials, not the operation, and leave the reference open.
func (e *GatewayError) Rejected() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
