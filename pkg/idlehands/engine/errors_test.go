package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		KindUnknown:        "unknown",
		KindUserInput:      "user_input",
		KindProtocol:       "protocol",
		KindToolExecution:  "tool_execution",
		KindEndpoint:       "endpoint",
		KindBudgetExceeded: "budget_exceeded",
		KindCancelled:      "cancelled",
		KindFatalConfig:    "fatal_config",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestClassifyErrorNil(t *testing.T) {
	if got := ClassifyError(nil); got != KindUnknown {
		t.Fatalf("expected KindUnknown for nil, got %v", got)
	}
}

func TestClassifyErrorTypedKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"user input", NewUserInputError("bad flag"), KindUserInput},
		{"protocol", &ProtocolError{Message: "orphan tool_call"}, KindProtocol},
		{"tool execution", &ToolExecutionError{ToolName: "bash", Cause: errors.New("boom")}, KindToolExecution},
		{"endpoint", &apiError{statusCode: 500, body: "oops"}, KindEndpoint},
		{"budget", &BudgetExceededError{Message: "out of tokens"}, KindBudgetExceeded},
		{"cancelled", &CancelledError{Cause: context.Canceled}, KindCancelled},
		{"fatal config", &FatalConfigError{Message: "bad harness"}, KindFatalConfig},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyError(tc.err); got != tc.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestClassifyErrorWrappedTypedKind(t *testing.T) {
	wrapped := fmt.Errorf("context: %w", &BudgetExceededError{Message: "timeout"})
	if got := ClassifyError(wrapped); got != KindBudgetExceeded {
		t.Fatalf("expected wrapped error to classify as KindBudgetExceeded, got %v", got)
	}
}

func TestClassifyErrorContextFallbacks(t *testing.T) {
	if got := ClassifyError(context.Canceled); got != KindCancelled {
		t.Fatalf("expected context.Canceled to classify as KindCancelled, got %v", got)
	}
	if got := ClassifyError(context.DeadlineExceeded); got != KindBudgetExceeded {
		t.Fatalf("expected context.DeadlineExceeded to classify as KindBudgetExceeded, got %v", got)
	}
}

func TestClassifyErrorUnknownFallback(t *testing.T) {
	if got := ClassifyError(errors.New("plain error")); got != KindUnknown {
		t.Fatalf("expected plain error to classify as KindUnknown, got %v", got)
	}
}

func TestErrorMessagesIncludeCause(t *testing.T) {
	cause := errors.New("disk full")
	err := &ToolExecutionError{ToolName: "write_file", Cause: cause}
	if got := err.Error(); got != `tool "write_file" failed: disk full` {
		t.Fatalf("unexpected message: %q", got)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose the cause")
	}
}
