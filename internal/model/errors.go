package model

import "fmt"

// ValidationError reports client input that fails structural validation.
// The HTTP layer maps it to a 400; everything else is treated as an
// infrastructure failure.
type ValidationError struct {
	msg string
}

// Invalidf builds a ValidationError with a formatted message.
func Invalidf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string { return e.msg }
