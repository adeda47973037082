package admin

import (
	"crypto/subtle"
	"net/http"
)

// AuthError is returned by Authenticate.
type AuthError struct {
	Code       string
	Message    string
	HTTPStatus int
}

func (e *AuthError) Error() string { return e.Message }

// Authenticate checks the shared admin secret. It returns 503 when no secret
// is configured and 401 when provided is missing or wrong.
func Authenticate(configured, provided string) *AuthError {
	if configured == "" {
		return &AuthError{Code: "ADMIN_SECRET_NOT_CONFIGURED", Message: "Admin secret is not configured.", HTTPStatus: http.StatusServiceUnavailable}
	}
	if provided == "" {
		return &AuthError{Code: "ADMIN_AUTH_FAILED", Message: "Missing admin secret.", HTTPStatus: http.StatusUnauthorized}
	}
	if subtle.ConstantTimeCompare([]byte(configured), []byte(provided)) != 1 {
		return &AuthError{Code: "ADMIN_AUTH_FAILED", Message: "Invalid admin secret.", HTTPStatus: http.StatusUnauthorized}
	}
	return nil
}
