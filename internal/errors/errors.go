// Package errors defines the error kinds shared by every fuda layer.
//
// A kind tells the boundary (HTTP handler, CLI) how to report a failure
// without inspecting message text. Lower layers keep wrapping with
// fmt.Errorf("...: %w", err); an *Error is produced where the condition is
// first detected and survives any amount of wrapping above it.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindNotFound means an image, model, metadata or index file is missing.
	KindNotFound Kind = "not_found"
	// KindDecode means an image could not be decoded.
	KindDecode Kind = "decode_error"
	// KindConfiguration means required settings or artifacts are inconsistent.
	KindConfiguration Kind = "configuration_error"
	// KindInference means the model failed to execute.
	KindInference Kind = "inference_error"
	// KindUpstream means an external collaborator (LLM, artifact store) failed.
	KindUpstream Kind = "upstream_error"
	// KindInvalidInput means the caller supplied an unusable argument.
	KindInvalidInput Kind = "invalid_input"
)

// Error is the structured error type carried across package boundaries.
type Error struct {
	// Kind is the failure class.
	Kind Kind

	// Op names the operation that failed (e.g. "preprocess.FromFile").
	Op string

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap returns the underlying cause for error chain support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
// This lets callers write errors.Is(err, &Error{Kind: KindNotFound}).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Kind == e.Kind
	}
	return false
}

// New creates an Error of the given kind.
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// NotFound creates a KindNotFound error.
func NotFound(op, message string, cause error) *Error {
	return New(KindNotFound, op, message, cause)
}

// Decode creates a KindDecode error.
func Decode(op, message string, cause error) *Error {
	return New(KindDecode, op, message, cause)
}

// Configuration creates a KindConfiguration error.
func Configuration(op, message string, cause error) *Error {
	return New(KindConfiguration, op, message, cause)
}

// Inference creates a KindInference error.
func Inference(op, message string, cause error) *Error {
	return New(KindInference, op, message, cause)
}

// Upstream creates a KindUpstream error.
func Upstream(op, message string, cause error) *Error {
	return New(KindUpstream, op, message, cause)
}

// InvalidInput creates a KindInvalidInput error.
func InvalidInput(op, message string, cause error) *Error {
	return New(KindInvalidInput, op, message, cause)
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
