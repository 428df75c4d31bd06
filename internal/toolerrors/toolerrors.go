// Package toolerrors provides structured error types for MCP tool invocation
// and orchestration failures. ToolError preserves error chains and supports
// errors.Is/As while classifying failures into the taxonomy the orchestrator
// and queue use to decide whether to retry, replan, or abort.
package toolerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure into the taxonomy used for propagation decisions
// (replan locally, surface to planner, or abort the run).
type Kind string

const (
	KindValidation   Kind = "validation"
	KindAuth         Kind = "auth"
	KindNotFound     Kind = "not_found"
	KindState        Kind = "state"
	KindUpstreamMCP  Kind = "upstream_mcp"
	KindSession      Kind = "session"
	KindPartial      Kind = "partial_stream"
	KindCancellation Kind = "cancellation"
	KindInternal     Kind = "internal"
)

// ToolError represents a structured tool failure that preserves message and
// causal context while still implementing the standard error interface.
// Errors may be nested via Cause to retain diagnostics across retries.
type ToolError struct {
	Kind    Kind
	Message string
	Cause   *ToolError
}

// New constructs a ToolError with KindInternal and the provided message.
func New(message string) *ToolError {
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Kind: KindInternal, Message: message}
}

// NewKind constructs a ToolError with an explicit classification.
func NewKind(kind Kind, message string) *ToolError {
	if message == "" {
		message = string(kind)
	}
	return &ToolError{Kind: kind, Message: message}
}

// NewWithCause constructs a ToolError that wraps an underlying error.
func NewWithCause(message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Kind: KindInternal, Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into a classified ToolError chain.
// Session errors are recognized per spec §4.2/§7: any message containing
// "session" or "Session" is classified KindSession so the executor knows to
// clear the cached MCP session id.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	kind := KindInternal
	msg := err.Error()
	if strings.Contains(msg, "session") || strings.Contains(msg, "Session") {
		kind = KindSession
	}
	return &ToolError{Kind: kind, Message: msg, Cause: FromError(errors.Unwrap(err))}
}

// NewKindWithCause constructs a ToolError with an explicit classification
// that wraps an underlying error.
func NewKindWithCause(kind Kind, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ToolError{Kind: kind, Message: message, Cause: FromError(cause)}
}

// Errorf formats according to a format specifier and returns a KindInternal ToolError.
func Errorf(format string, args ...any) *ToolError {
	return New(fmt.Sprintf(format, args...))
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target shares this error's Kind, letting callers write
// errors.Is(err, toolerrors.NewKind(toolerrors.KindSession, "")).
func (e *ToolError) Is(target error) bool {
	var te *ToolError
	if !errors.As(target, &te) || te == nil || e == nil {
		return false
	}
	return e.Kind == te.Kind
}

// IsSession reports whether err (or any error in its chain) is a session error.
func IsSession(err error) bool {
	te := FromError(err)
	for te != nil {
		if te.Kind == KindSession {
			return true
		}
		te = te.Cause
	}
	return false
}

// JobCancelledError is a distinguished error variant for cooperative
// cancellation checkpoints (spec §4.4, §5, §7). It propagates without retry.
type JobCancelledError struct {
	JobID string
}

func (e *JobCancelledError) Error() string {
	return fmt.Sprintf("job %s cancelled", e.JobID)
}

// NewJobCancelled constructs a JobCancelledError for jobID.
func NewJobCancelled(jobID string) *JobCancelledError {
	return &JobCancelledError{JobID: jobID}
}

// IsJobCancelled reports whether err is (or wraps) a JobCancelledError.
func IsJobCancelled(err error) bool {
	var jc *JobCancelledError
	return errors.As(err, &jc)
}
