package domain

import "errors"

// Common domain errors
var (
	ErrNotFound       = errors.New("entity not found")
	ErrValidation     = errors.New("invalid input")
	ErrInvalidState   = errors.New("operation not legal in current state")
	ErrContractTether = errors.New("contract tether verification failed")
	ErrPersistence    = errors.New("persistence failed")
	ErrSealTampered   = errors.New("storage seal does not match content")
)

// Error codes carried on execution results and wrapped errors.
const (
	CodeBoundaryNotFound = "BOUNDARY_NOT_FOUND"
	CodeExecutionError   = "EXECUTION_ERROR"
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// ErrorCode extracts the machine-readable code from an error chain, falling
// back to the given default when no DomainError carries one.
func ErrorCode(err error, fallback string) string {
	var derr *DomainError
	if errors.As(err, &derr) && derr.Code != "" {
		return derr.Code
	}
	return fallback
}
