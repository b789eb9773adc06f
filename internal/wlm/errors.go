package wlm

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a service error so callers can branch on it.
type Kind string

const (
	KindNotFound         Kind = "NOT_FOUND"
	KindInvalidState     Kind = "INVALID_STATE"
	KindProcessExecution Kind = "PROCESS_EXECUTION"
	KindChainIntegrity   Kind = "CHAIN_INTEGRITY"
	KindCancelled        Kind = "CANCELLED"
)

// Error is a classified service error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first classified error in err's chain.
// A *ProcessError anywhere in the chain counts as KindProcessExecution.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	var pe *ProcessError
	if errors.As(err, &pe) {
		return KindProcessExecution, true
	}
	return "", false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

func ChainIntegrity(format string, args ...any) *Error {
	return &Error{Kind: KindChainIntegrity, Message: fmt.Sprintf(format, args...)}
}

// Cancelled wraps the reason a cooperative cancellation was observed.
func Cancelled(format string, args ...any) *Error {
	return &Error{Kind: KindCancelled, Message: fmt.Sprintf(format, args...)}
}

// ProcessError reports a disk tool invocation that exited nonzero.
type ProcessError struct {
	Command  string // command line with secrets masked
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: exit code %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		fmt.Fprintf(&b, ": %s", lastLine(s))
	} else if s := strings.TrimSpace(e.Stdout); s != "" {
		fmt.Fprintf(&b, ": %s", lastLine(s))
	}
	return b.String()
}

func (e *ProcessError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
