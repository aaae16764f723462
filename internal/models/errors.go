package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

var (
	// ErrClipNotFound indicates a clip was not found in the catalog.
	ErrClipNotFound = errors.New("clip not found")

	// ErrPathRequired indicates a clip without a file path.
	ErrPathRequired = errors.New("path is required")

	// ErrInvalidContainer indicates an unknown clip container.
	ErrInvalidContainer = errors.New("invalid container: must be 'mp4' or 'ts'")
)
