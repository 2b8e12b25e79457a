package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound     ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"
	ErrorTypeToken        ErrorType = "TOKEN_ERROR"
	ErrorTypeForbidden    ErrorType = "FORBIDDEN"
	ErrorTypeInvariant    ErrorType = "INVARIANT_VIOLATION"
	ErrorTypeConflict     ErrorType = "CONFLICT"
	ErrorTypeRateLimited  ErrorType = "RATE_LIMITED"
	ErrorTypeInternal     ErrorType = "INTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidPermission ErrorCode = "INVALID_PERMISSION"
	ErrCodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrCodeTooManyRequests   ErrorCode = "TOO_MANY_REQUESTS"

	ErrCodeInvalidCredentials ErrorCode = "INVALID_CREDENTIALS"
	ErrCodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	ErrCodeTokenRevoked       ErrorCode = "TOKEN_REVOKED"
	ErrCodeInsufficientAccess ErrorCode = "INSUFFICIENT_PERMISSIONS"

	ErrCodeUserNotFound         ErrorCode = "USER_NOT_FOUND"
	ErrCodeRoleNotFound         ErrorCode = "ROLE_NOT_FOUND"
	ErrCodeRefreshTokenNotFound ErrorCode = "REFRESH_TOKEN_NOT_FOUND"
	ErrCodeUsernameTaken        ErrorCode = "USERNAME_TAKEN"
	ErrCodeRoleNameTaken        ErrorCode = "ROLE_NAME_TAKEN"
	ErrCodeUserVersionConflict  ErrorCode = "USER_VERSION_CONFLICT"

	ErrCodeRoleAlreadyAssigned     ErrorCode = "ROLE_ALREADY_ASSIGNED"
	ErrCodeRoleNotAssigned         ErrorCode = "ROLE_NOT_ASSIGNED"
	ErrCodePermissionAlreadyDenied ErrorCode = "PERMISSION_ALREADY_DENIED"
	ErrCodePermissionNotDenied     ErrorCode = "PERMISSION_NOT_DENIED"
	ErrCodePermissionAlreadyGrant  ErrorCode = "PERMISSION_ALREADY_GRANTED"
	ErrCodePermissionNotGranted    ErrorCode = "PERMISSION_NOT_GRANTED"
	ErrCodeTokenAlreadyRevoked     ErrorCode = "TOKEN_ALREADY_REVOKED"
	ErrCodeDuplicateRefreshToken   ErrorCode = "DUPLICATE_REFRESH_TOKEN"
	ErrCodeInvalidRefreshToken     ErrorCode = "INVALID_REFRESH_TOKEN"
)

type AppError struct {
	Type       ErrorType   `json:"type"`
	Code       ErrorCode   `json:"code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
	StatusCode int         `json:"-"`
	Cause      error       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok && len(validationErrors.Errors) > 0 {
			return validationErrors.Errors[0].Message
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) GetDetailedMessage() string {
	if e.Details != nil {
		if validationErrors, ok := e.Details.(ValidationErrors); ok {
			if len(validationErrors.Errors) == 1 {
				return validationErrors.Errors[0].Message
			} else if len(validationErrors.Errors) > 1 {
				messages := make([]string, len(validationErrors.Errors))
				for i, err := range validationErrors.Errors {
					messages[i] = err.Message
				}
				return strings.Join(messages, "; ")
			}
		}
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on type and code so that copies produced by WithCause still
// compare equal to the package-level sentinels.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithCause returns a copy of e carrying cause. Sentinels are never mutated.
func (e *AppError) WithCause(cause error) *AppError {
	cp := *e
	cp.Cause = cause
	return &cp
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       ErrCodeValidationFailed,
		Message:    "Validation failed",
		StatusCode: http.StatusBadRequest,
		Details: ValidationErrors{
			Errors: []ValidationError{
				{Field: field, Message: message, Code: string(code)},
			},
		},
	}
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewTokenError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeToken,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
	}
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeForbidden,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusForbidden,
	}
}

func NewInvariantError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeInvariant,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Cause:      cause,
	}
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusConflict,
	}
}

var (
	// Authentication errors stay generic so callers cannot probe for usernames.
	ErrInvalidCredentials = NewUnauthorizedError("Invalid username or password", ErrCodeInvalidCredentials)

	ErrInvalidToken = NewTokenError("Invalid token", ErrCodeInvalidToken)
	ErrTokenExpired = NewTokenError("Token has expired", ErrCodeTokenExpired)
	ErrTokenRevoked = NewTokenError("Token has been revoked", ErrCodeTokenRevoked)

	ErrTooManyRequests = &AppError{
		Type:       ErrorTypeRateLimited,
		Code:       ErrCodeTooManyRequests,
		Message:    "Too many requests, slow down",
		StatusCode: http.StatusTooManyRequests,
	}

	ErrInsufficientPermissions = NewForbiddenError("Insufficient permissions", ErrCodeInsufficientAccess)

	ErrUserNotFound         = NewNotFoundError("User not found", ErrCodeUserNotFound)
	ErrRoleNotFound         = NewNotFoundError("Role not found", ErrCodeRoleNotFound)
	ErrRefreshTokenNotFound = NewNotFoundError("Refresh token not found", ErrCodeRefreshTokenNotFound)

	ErrUsernameTaken = NewConflictError("Username is already taken", ErrCodeUsernameTaken)
	ErrRoleNameTaken = NewConflictError("Role name is already taken", ErrCodeRoleNameTaken)

	// ErrUserVersionConflict means the user row changed after it was loaded.
	ErrUserVersionConflict = NewConflictError("User was modified concurrently, retry", ErrCodeUserVersionConflict)

	ErrRoleAlreadyAssigned      = NewInvariantError("Role is already assigned to user", ErrCodeRoleAlreadyAssigned)
	ErrRoleNotAssigned          = NewInvariantError("Role is not assigned to user", ErrCodeRoleNotAssigned)
	ErrPermissionAlreadyDenied  = NewInvariantError("Permission is already denied", ErrCodePermissionAlreadyDenied)
	ErrPermissionNotDenied      = NewInvariantError("Permission is not denied", ErrCodePermissionNotDenied)
	ErrPermissionAlreadyGranted = NewInvariantError("Permission is already granted to role", ErrCodePermissionAlreadyGrant)
	ErrPermissionNotGranted     = NewInvariantError("Permission is not granted to role", ErrCodePermissionNotGranted)
	ErrTokenAlreadyRevoked      = NewInvariantError("Token already revoked", ErrCodeTokenAlreadyRevoked)
	ErrDuplicateRefreshToken    = NewInvariantError("Refresh token already attached to user", ErrCodeDuplicateRefreshToken)
	ErrInvalidRefreshToken      = NewInvariantError("Refresh token is malformed", ErrCodeInvalidRefreshToken)
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func isType(err error, t ErrorType) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Type == t
}

func IsAuthenticationError(err error) bool { return isType(err, ErrorTypeUnauthorized) }

func IsTokenError(err error) bool { return isType(err, ErrorTypeToken) }

func IsInvariantViolation(err error) bool { return isType(err, ErrorTypeInvariant) }

func IsNotFound(err error) bool { return isType(err, ErrorTypeNotFound) }

type Response struct {
	Error *AppError `json:"error"`
}

func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, Response{Error: e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    ErrorType   `json:"type"`
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}{
		Type:    e.Type,
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}
