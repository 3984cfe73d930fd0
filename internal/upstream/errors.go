package upstream

import (
	"errors"
	"fmt"
)

// ErrOAuthSessionExpired is returned when an OAuth-backed session can no
// longer obtain a valid access token. There is no recovery path on the
// server side: the client must run the authorization flow again.
var ErrOAuthSessionExpired = errors.New("OAuth session expired, re-authorization required")

// AuthError is returned when the upstream service rejects credentials.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// APIError is returned when an upstream API call completes with a non-2xx
// status. Message carries the upstream-provided error text when available,
// falling back to the HTTP status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream API error (status %d): %s", e.StatusCode, e.Message)
}
