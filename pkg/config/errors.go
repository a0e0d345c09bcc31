package config

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrValidationFailed indicates configuration validation failed.
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrMissingRequiredField indicates a required field is missing.
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value.
	ErrInvalidValue = errors.New("invalid field value")
)

// ValidationError wraps a configuration validation failure with the
// section and field it belongs to.
type ValidationError struct {
	Section string // config section (server, store, agents, ...)
	ID      string // element id within the section, when applicable
	Field   string // field name, when applicable
	Err     error
}

func (e *ValidationError) Error() string {
	switch {
	case e.ID != "" && e.Field != "":
		return fmt.Sprintf("%s %q: field %q: %v", e.Section, e.ID, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("%s: field %q: %v", e.Section, e.Field, e.Err)
	case e.ID != "":
		return fmt.Sprintf("%s %q: %v", e.Section, e.ID, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Section, e.Err)
	}
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation error for section/id/field.
func NewValidationError(section, id, field string, err error) *ValidationError {
	return &ValidationError{Section: section, ID: id, Field: field, Err: err}
}

// LoadError wraps a configuration loading failure with file context.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError creates a load error for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}
