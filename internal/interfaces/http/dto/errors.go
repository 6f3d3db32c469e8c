package dto

import "net/http"

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	// ErrCodeUnknown is used when the error type is unknown
	ErrCodeUnknown = "ERR_UNKNOWN"
	// ErrCodeInternal is used for internal server errors
	ErrCodeInternal = "ERR_INTERNAL"
)

// Validation error codes
const (
	// ErrCodeValidation is the base code for validation errors
	ErrCodeValidation = "ERR_VALIDATION"
	// ErrCodeBadRequest is used for malformed requests
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeInvalidInput is used for invalid input data
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"
	// ErrCodeRequestTooLarge is used when the body exceeds the configured limit
	ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"
)

// Authentication error codes
const (
	ErrCodeUnauthorized = "ERR_UNAUTHORIZED"
	ErrCodeForbidden    = "ERR_FORBIDDEN"
	ErrCodeTokenExpired = "ERR_TOKEN_EXPIRED"
	ErrCodeTokenInvalid = "ERR_TOKEN_INVALID"
)

// Resource error codes
const (
	ErrCodeNotFound      = "ERR_NOT_FOUND"
	ErrCodeAlreadyExists = "ERR_ALREADY_EXISTS"
	ErrCodeConflict      = "ERR_CONFLICT"
	ErrCodeInvalidState  = "ERR_INVALID_STATE"
)

// Rate limiting error codes
const (
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
)

// Integration error codes. These are the codes of the integration domain
// errors and are returned to clients unchanged.
const (
	ErrCodeIntegrationNotFound     = "INTEGRATION_NOT_FOUND"
	ErrCodeUnsupportedPlatform     = "UNSUPPORTED_PLATFORM"
	ErrCodeSyncInProgress          = "SYNC_IN_PROGRESS"
	ErrCodeConnectionFailed        = "CONNECTION_FAILED"
	ErrCodeSyncTimeout             = "SYNC_TIMEOUT"
	ErrCodeInvalidPlatform         = "INVALID_PLATFORM"
	ErrCodeInvalidName             = "INVALID_NAME"
	ErrCodeEmptyCredential         = "EMPTY_CREDENTIAL"
	ErrCodeInvalidSyncInterval     = "INVALID_SYNC_INTERVAL"
	ErrCodeMissingConfiguration    = "MISSING_CONFIGURATION"
	ErrCodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:      http.StatusBadRequest,
	ErrCodeBadRequest:      http.StatusBadRequest,
	ErrCodeInvalidInput:    http.StatusBadRequest,
	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,

	ErrCodeUnauthorized: http.StatusUnauthorized,
	ErrCodeForbidden:    http.StatusForbidden,
	ErrCodeTokenExpired: http.StatusUnauthorized,
	ErrCodeTokenInvalid: http.StatusUnauthorized,

	ErrCodeNotFound:      http.StatusNotFound,
	ErrCodeAlreadyExists: http.StatusConflict,
	ErrCodeConflict:      http.StatusConflict,
	ErrCodeInvalidState:  http.StatusUnprocessableEntity,

	ErrCodeRateLimited: http.StatusTooManyRequests,

	ErrCodeIntegrationNotFound:     http.StatusNotFound,
	ErrCodeUnsupportedPlatform:     http.StatusUnprocessableEntity,
	ErrCodeSyncInProgress:          http.StatusConflict,
	ErrCodeConnectionFailed:        http.StatusBadGateway,
	ErrCodeSyncTimeout:             http.StatusGatewayTimeout,
	ErrCodeInvalidPlatform:         http.StatusBadRequest,
	ErrCodeInvalidName:             http.StatusBadRequest,
	ErrCodeEmptyCredential:         http.StatusBadRequest,
	ErrCodeInvalidSyncInterval:     http.StatusBadRequest,
	ErrCodeMissingConfiguration:    http.StatusUnprocessableEntity,
	ErrCodeInvalidStatusTransition: http.StatusConflict,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// LegacyErrorCodeMapping maps the shared domain error codes to the
// standardized format
var LegacyErrorCodeMapping = map[string]string{
	"NOT_FOUND":      ErrCodeNotFound,
	"ALREADY_EXISTS": ErrCodeAlreadyExists,
	"INVALID_INPUT":  ErrCodeInvalidInput,
	"INVALID_STATE":  ErrCodeInvalidState,
	"UNAUTHORIZED":   ErrCodeUnauthorized,
	"FORBIDDEN":      ErrCodeForbidden,
}

// NormalizeErrorCode converts a legacy error code to the standardized format
// If the code is already in the new format or unknown, returns it as-is
func NormalizeErrorCode(code string) string {
	if newCode, ok := LegacyErrorCodeMapping[code]; ok {
		return newCode
	}
	return code
}
