// Package shared holds the building blocks every domain package uses: the
// coded DomainError and the identity/timestamp fields of entities.
package shared

// DomainError is an error with a stable machine-readable code. The HTTP
// layer maps codes to status codes; messages are safe to show to callers.
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// Generic errors for conditions not specific to one aggregate
var (
	ErrNotFound     = NewDomainError("NOT_FOUND", "Resource not found")
	ErrInvalidInput = NewDomainError("INVALID_INPUT", "Invalid input provided")
)
