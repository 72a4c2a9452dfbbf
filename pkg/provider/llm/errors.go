package llm

import (
	"errors"
	"fmt"
)

// ErrSchemaViolation is returned (wrapped) by CompleteJSON when the model's
// reply cannot be parsed against the expected shape.
var ErrSchemaViolation = errors.New("response violates expected schema")

// ProviderError reports a transport or API failure from the backend.
// Status is the HTTP-like status code when the backend supplies one, 0
// otherwise.
type ProviderError struct {
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *ProviderError) Unwrap() error {
	return e.Err
}
