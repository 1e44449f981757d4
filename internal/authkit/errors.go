package authkit

import (
	"errors"
	"net/http"
)

// ErrorKind groups service errors by the layer that rejected the request.
type ErrorKind string

// Error kinds.
const (
	KindValidation ErrorKind = "validation"
	KindAuth       ErrorKind = "auth"
	KindNotFound   ErrorKind = "not_found"
	KindServer     ErrorKind = "server"
)

// ServiceError is a sentinel carrying the HTTP status and the client-facing message.
type ServiceError struct {
	Kind    ErrorKind
	Status  int
	Code    string
	Message string
}

func (serviceError *ServiceError) Error() string {
	return serviceError.Code
}

func newServiceError(kind ErrorKind, status int, code string, message string) *ServiceError {
	return &ServiceError{Kind: kind, Status: status, Code: code, Message: message}
}

// Sentinel errors returned by the session controller, middleware, and stores.
var (
	ErrMissingField          = newServiceError(KindValidation, http.StatusBadRequest, "session.missing_field", "Please enter all fields")
	ErrDuplicateUsername     = newServiceError(KindValidation, http.StatusBadRequest, "session.register.duplicate_username", "Username already taken")
	ErrDuplicateEmail        = newServiceError(KindValidation, http.StatusBadRequest, "session.register.duplicate_email", "Email already taken")
	ErrInvalidEmail          = newServiceError(KindAuth, http.StatusBadRequest, "session.login.invalid_email", "Invalid email")
	ErrInvalidPassword       = newServiceError(KindAuth, http.StatusBadRequest, "session.login.invalid_password", "Invalid password")
	ErrMissingToken          = newServiceError(KindAuth, http.StatusUnauthorized, "session.missing_token", "Not authorized, no token")
	ErrInvalidOrExpiredToken = newServiceError(KindAuth, http.StatusForbidden, "session.refresh.invalid_token", "Invalid or expired refresh token")
	ErrTokenMismatch         = newServiceError(KindAuth, http.StatusForbidden, "session.refresh.token_mismatch", "Refresh token mismatch")
	ErrAccessTokenExpired    = newServiceError(KindAuth, http.StatusUnauthorized, "middleware.access_token_expired", "Access token expired")
	ErrInvalidAccessToken    = newServiceError(KindAuth, http.StatusUnauthorized, "middleware.invalid_token", "Not authorized, invalid token")
	ErrInvalidGoogleToken    = newServiceError(KindAuth, http.StatusUnauthorized, "session.google.invalid_token", "Invalid Google token")
	ErrInvalidNonce          = newServiceError(KindAuth, http.StatusUnauthorized, "session.google.invalid_nonce", "Invalid nonce")
	ErrUserNotFound          = newServiceError(KindNotFound, http.StatusNotFound, "user_store.not_found", "User not found")
)

const internalErrorMessage = "Internal server error"

// DescribeError resolves err to an HTTP status, client message, and error code.
// Unknown errors collapse to a generic 500.
func DescribeError(err error) (int, string, string) {
	var serviceError *ServiceError
	if errors.As(err, &serviceError) {
		return serviceError.Status, serviceError.Message, serviceError.Code
	}
	return http.StatusInternalServerError, internalErrorMessage, "server.internal"
}
