// Package errdefs defines the stable error taxonomy shared by every pipeline
// layer. Each error carries a machine-readable code, an optional reason for
// finer-grained conditions, and an optional source position pointing back
// into the document that produced it.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code identifies which layer produced an error and, for runtime errors,
// how the engine must react to it.
type Code string

const (
	CodeLoader         Code = "LoaderError"
	CodeParser         Code = "ParserError"
	CodeLink           Code = "LinkError"
	CodeChecker        Code = "CheckerError"
	CodeTransient      Code = "RuntimeError.Transient"
	CodeMessageFailure Code = "RuntimeError.MessageFailure"
	CodeFatal          Code = "RuntimeError.Fatal"
	CodeCancelled      Code = "Cancelled"
)

// Reasons name specific conditions within a code. They stay stable so tests
// and callers can match on them without parsing messages.
const (
	ReasonEnvVarUnresolved     = "EnvVarUnresolved"
	ReasonIncludeCycle         = "IncludeCycle"
	ReasonUnknownVariant       = "UnknownVariant"
	ReasonDiscriminatorMissing = "DiscriminatorMissing"
	ReasonFieldInvalid         = "FieldInvalid"
	ReasonRefUnresolved        = "RefUnresolved"
	ReasonRefKindMismatch      = "RefKindMismatch"
	ReasonDuplicateID          = "DuplicateID"
	ReasonFlowCyclic           = "FlowCyclic"
	ReasonTypeMismatch         = "TypeMismatch"
	ReasonStepUnreachable      = "StepUnreachable"
	ReasonInterfaceViolation   = "InterfaceViolation"
	ReasonTemplateError        = "TemplateError"
	ReasonAgentLoopExhausted   = "AgentLoopExhausted"
	ReasonRetryExhausted       = "RetryExhausted"
)

// Position locates an error in a source document.
type Position struct {
	File string
	Line int
	Col  int
}

func (p Position) String() string {
	if p.File == "" {
		return fmt.Sprintf("%d:%d", p.Line, p.Col)
	}
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Col)
}

// Error is the concrete error type for all layers.
type Error struct {
	Code    Code
	Reason  string
	Message string
	Pos     *Position
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.Reason != "" {
		b.WriteString("/")
		b.WriteString(e.Reason)
	}
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Pos != nil {
		b.WriteString(" (at ")
		b.WriteString(e.Pos.String())
		b.WriteString(")")
	}
	if e.Err != nil && e.Err.Error() != e.Message {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match against a bare &Error{Code: ...} or
// &Error{Code: ..., Reason: ...} template.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	if t.Reason != "" && t.Reason != e.Reason {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// WithPos returns a copy of the error annotated with a source position.
func (e *Error) WithPos(pos Position) *Error {
	clone := *e
	clone.Pos = &pos
	return &clone
}

// WithReason returns a copy of the error annotated with a stable reason.
func (e *Error) WithReason(reason string) *Error {
	clone := *e
	clone.Reason = reason
	return &clone
}

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrapf builds a coded error around a cause. The cause stays reachable
// through errors.Unwrap.
func Wrapf(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

func Loaderf(format string, args ...any) *Error  { return newf(CodeLoader, format, args...) }
func Parserf(format string, args ...any) *Error  { return newf(CodeParser, format, args...) }
func Linkf(format string, args ...any) *Error    { return newf(CodeLink, format, args...) }
func Checkerf(format string, args ...any) *Error { return newf(CodeChecker, format, args...) }

// Transientf marks a runtime condition expected to succeed on retry
// (timeouts, throttling, connection resets).
func Transientf(format string, args ...any) *Error { return newf(CodeTransient, format, args...) }

// Failuref marks a per-message runtime failure. The engine records it on the
// message and keeps the flow running.
func Failuref(format string, args ...any) *Error { return newf(CodeMessageFailure, format, args...) }

// Fatalf marks a condition that must abort the whole flow execution.
func Fatalf(format string, args ...any) *Error { return newf(CodeFatal, format, args...) }

// Cancelledf marks a cooperative shutdown.
func Cancelledf(format string, args ...any) *Error { return newf(CodeCancelled, format, args...) }

// CodeOf extracts the taxonomy code from any error chain. Context
// cancellation maps to CodeCancelled; unclassified errors default to
// CodeFatal so nothing transient slips through unnoticed.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	return CodeFatal
}

// ReasonOf extracts the stable reason, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// PosOf extracts the source position, if any.
func PosOf(err error) *Position {
	var e *Error
	if errors.As(err, &e) {
		return e.Pos
	}
	return nil
}

func IsTransient(err error) bool      { return CodeOf(err) == CodeTransient }
func IsMessageFailure(err error) bool { return CodeOf(err) == CodeMessageFailure }
func IsFatal(err error) bool          { return CodeOf(err) == CodeFatal }
func IsCancelled(err error) bool      { return CodeOf(err) == CodeCancelled }
