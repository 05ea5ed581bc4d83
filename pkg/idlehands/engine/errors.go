// errors.go implements a typed error taxonomy: callers can recover which
// of the seven kinds a failure belongs to via errors.As, without the
// dispatcher or turn loop needing to change their existing control flow
// (most of these wrap an error that was already being returned or
// logged — this file adds a Kind(), it does not change whether something
// returns an error at all).
//
// Grounded on llm.go's existing LLMErrorKind/apiError pair (same
// "classify, then branch on the kind" shape), generalized from
// "LLM endpoint failures only" to every failure category below.
package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is one of the seven failure categories this package defines.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUserInput
	KindProtocol
	KindToolExecution
	KindEndpoint
	KindBudgetExceeded
	KindCancelled
	KindFatalConfig
)

func (k ErrorKind) String() string {
	switch k {
	case KindUserInput:
		return "user_input"
	case KindProtocol:
		return "protocol"
	case KindToolExecution:
		return "tool_execution"
	case KindEndpoint:
		return "endpoint"
	case KindBudgetExceeded:
		return "budget_exceeded"
	case KindCancelled:
		return "cancelled"
	case KindFatalConfig:
		return "fatal_config"
	default:
		return "unknown"
	}
}

// KindedError is implemented by every typed error in this file, plus
// apiError (llm.go), which classifies itself as KindEndpoint.
type KindedError interface {
	error
	Kind() ErrorKind
}

// UserInputError — usage/argument error, surfaced synchronously to the
// driver with exit code 2; never logged as a crash.
type UserInputError struct {
	Message string
}

func (e *UserInputError) Error() string { return e.Message }
func (e *UserInputError) Kind() ErrorKind { return KindUserInput }

// NewUserInputError builds a UserInputError from a formatted message.
func NewUserInputError(format string, args ...any) *UserInputError {
	return &UserInputError{Message: fmt.Sprintf(format, args...)}
}

// ProtocolError — the model violated the wire contract (orphan tool_call
// id, unparseable stream, missing required field).
type ProtocolError struct {
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}
func (e *ProtocolError) Unwrap() error   { return e.Cause }
func (e *ProtocolError) Kind() ErrorKind { return KindProtocol }

// ToolExecutionError — a tool handler raised. Always reified into a
// tool-result message by the dispatcher (tool_executor.go); never bubbles
// out as a Go error past executeSingle.
type ToolExecutionError struct {
	ToolName string
	Cause    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.ToolName, e.Cause)
}
func (e *ToolExecutionError) Unwrap() error   { return e.Cause }
func (e *ToolExecutionError) Kind() ErrorKind { return KindToolExecution }

// BudgetExceededError — tokens, turns, or time budget exhausted. This
// normally resolves the turn with a partial result rather than
// propagating as an error; this type exists for the cases (run timeout)
// where the turn loop does still need to return early.
type BudgetExceededError struct {
	Message string
	Cause   error
}

func (e *BudgetExceededError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}
func (e *BudgetExceededError) Unwrap() error   { return e.Cause }
func (e *BudgetExceededError) Kind() ErrorKind { return KindBudgetExceeded }

// CancelledError wraps a cooperative cancellation. Distinct from a plain
// context.Canceled so callers can tell "the user asked to stop" apart from
// "the context library cancelled for some unrelated reason".
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("run cancelled: %v", e.Cause)
	}
	return "run cancelled"
}
func (e *CancelledError) Unwrap() error   { return e.Cause }
func (e *CancelledError) Kind() ErrorKind { return KindCancelled }

// FatalConfigError — invalid harness, missing model, unreadable task
// file. Surfaced to the driver; no recovery attempted.
type FatalConfigError struct {
	Message string
	Cause   error
}

func (e *FatalConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}
func (e *FatalConfigError) Unwrap() error   { return e.Cause }
func (e *FatalConfigError) Kind() ErrorKind { return KindFatalConfig }

// ClassifyError returns the ErrorKind of err, walking the error chain for
// a KindedError first, then falling back to recognizing context
// cancellation/deadline errors as KindCancelled/KindBudgetExceeded.
// Returns KindUnknown when nothing in the chain is classifiable.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var kinded KindedError
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindBudgetExceeded
	}
	return KindUnknown
}
