// Package quarry structured error types for the runtime and the layer core
package quarry

import (
	"fmt"
)

// ErrorKind categorizes runtime failures. The taxonomy is deliberately
// small: construction-time contract violations, allocation/load failures,
// and execution failures. None of them is retryable inside this module.
type ErrorKind int

const (
	// Shape and other construction-time contract violations
	KindShape ErrorKind = iota
	// Memory allocation or load failures
	KindMemory
	// Invalid argument errors
	KindInvalidArg
	// Kernel or batch execution errors
	KindExecution
	// Evaluation attempted before parameters were loaded
	KindNotReady
)

// Error is a structured runtime error with operation context.
type Error struct {
	Kind    ErrorKind
	Op      string // Operation that failed
	Message string // Human-readable message
	Err     error  // Underlying cause if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("quarry %s error in %s: %s (caused by: %v)",
			e.Kind.String(), e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("quarry %s error in %s: %s", e.Kind.String(), e.Op, e.Message)
}

// Unwrap allows error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// String returns the error kind as a string.
func (k ErrorKind) String() string {
	switch k {
	case KindShape:
		return "Shape"
	case KindMemory:
		return "Memory"
	case KindInvalidArg:
		return "InvalidArgument"
	case KindExecution:
		return "Execution"
	case KindNotReady:
		return "NotReady"
	default:
		return "Unknown"
	}
}

// Error constructors

// NewShapeError creates a construction-time contract violation error.
func NewShapeError(op, message string) error {
	return &Error{Kind: KindShape, Op: op, Message: message}
}

// NewMemoryError creates a memory-related error.
func NewMemoryError(op, message string, err error) error {
	return &Error{Kind: KindMemory, Op: op, Message: message, Err: err}
}

// NewInvalidArgError creates an invalid argument error.
func NewInvalidArgError(op, message string) error {
	return &Error{Kind: KindInvalidArg, Op: op, Message: message}
}

// NewExecutionError creates an execution error.
func NewExecutionError(op, message string, err error) error {
	return &Error{Kind: KindExecution, Op: op, Message: message, Err: err}
}

// NewNotReadyError reports evaluation before weight loading.
func NewNotReadyError(op string) error {
	return &Error{Kind: KindNotReady, Op: op, Message: "parameters not loaded"}
}

// Pre-defined errors

var (
	// ErrInvalidSize indicates a non-positive allocation size.
	ErrInvalidSize = NewInvalidArgError("Malloc", "size must be positive")

	// ErrDoubleFree indicates a repeated free of the same block.
	ErrDoubleFree = NewMemoryError("Free", "double free detected", nil)

	// ErrScratchTooSmall indicates an undersized workspace for a stage.
	ErrScratchTooSmall = NewInvalidArgError("Eval", "scratch workspace too small")
)

// IsShapeError checks if an error is a construction contract violation.
func IsShapeError(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Kind == KindShape
	}
	return false
}

// IsMemoryError checks if an error is a memory error.
func IsMemoryError(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Kind == KindMemory
	}
	return false
}

// IsNotReadyError checks if an error reports evaluation before loading.
func IsNotReadyError(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Kind == KindNotReady
	}
	return false
}
