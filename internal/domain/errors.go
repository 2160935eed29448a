package domain

import (
	"errors"
	"fmt"
)

// Error codes surfaced to sign-in and sign-up callers.
const (
	CodeInvalidCredential   = "invalid-credential"
	CodeUserNotFound        = "user-not-found"
	CodeNetworkError        = "network-error"
	CodeTooManyRequests     = "too-many-requests"
	CodeValidation          = "validation-failed"
	CodeInvalidEmail        = "invalid-email"
	CodePopupClosed         = "popup-closed-by-user"
	CodeProviderUnavailable = "provider-unavailable"
	CodeBackendUnavailable  = "backend-unavailable"
	CodeInternal            = "internal-error"
)

// AuthError is a classified, user-actionable authentication failure.
type AuthError struct {
	Code    string
	Message string
	Err     error
}

// NewAuthError creates an AuthError wrapping err.
func NewAuthError(code, message string, err error) *AuthError {
	return &AuthError{Code: code, Message: message, Err: err}
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches any AuthError carrying the same code.
func (e *AuthError) Is(target error) bool {
	var t *AuthError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// ErrorCode returns the AuthError code carried by err, or CodeInternal.
func ErrorCode(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Authentication errors.
var (
	ErrInvalidCredential = &AuthError{Code: CodeInvalidCredential}
	ErrUserNotFound      = &AuthError{Code: CodeUserNotFound}
	ErrNetwork           = &AuthError{Code: CodeNetworkError}
	ErrTooManyRequests   = &AuthError{Code: CodeTooManyRequests}
	ErrValidation        = &AuthError{Code: CodeValidation}
	ErrInvalidEmail      = &AuthError{Code: CodeInvalidEmail}
	ErrPopupClosed       = &AuthError{Code: CodePopupClosed}
)

// External service errors.
var (
	ErrProviderUnavailable = &AuthError{Code: CodeProviderUnavailable}
	ErrBackendUnavailable  = &AuthError{Code: CodeBackendUnavailable}
)

// Session errors.
var (
	ErrNotAuthenticated   = errors.New("no authenticated identity")
	ErrStorageUnavailable = errors.New("session storage unavailable")
	ErrManagerClosed      = errors.New("session manager closed")
	ErrManagerStarted     = errors.New("session manager already started")
)

// Token errors.
var (
	ErrCSRFSecretMissing = errors.New("CSRF secret not configured")
	ErrTokenInvalid      = errors.New("token invalid")
)
