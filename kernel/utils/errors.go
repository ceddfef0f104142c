package utils

import (
	"errors"
	"fmt"
)

// NewError creates a new error with a message
func NewError(msg string) error {
	return errors.New(msg)
}

// WrapError wraps an error with additional context
func WrapError(err error, msg string) error {
	if err == nil {
		return errors.New(msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return fmt.Errorf("%s: operation timed out", operation)
}

// PanicError turns a recovered panic value into an error, keeping wrapped
// errors reachable through errors.Is/As.
func PanicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}
