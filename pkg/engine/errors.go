package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowNotFound is returned when an operation references a task
	// that has no workflow.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrNotWaiting is returned when user input arrives for a workflow
	// that is not paused waiting for it.
	ErrNotWaiting = errors.New("workflow not waiting for user input")

	// ErrRebindUnavailable is returned when a runtime LLM config update
	// arrives but no rebindable client was wired in.
	ErrRebindUnavailable = errors.New("llm rebind not available")
)

// ValidationError marks a rejected request before any workflow state was
// touched. API layers map it to a 400 response.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
