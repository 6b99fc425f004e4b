// Package retry classifies upload errors and decides whether, and after how
// long, a failed attempt should run again.
package retry

import (
	"errors"
	"strings"
)

// Kind buckets errors by their origin.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindServer     Kind = "server"
	KindValidation Kind = "validation"
	KindStorage    Kind = "storage"
	KindUnknown    Kind = "unknown"
)

// Severity grades how bad an error is for the upload.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Error is a kind-tagged error emitted at the HTTP and storage layers, so
// classification does not have to guess from message text.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error ...
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

// Unwrap ...
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError tags an error with a kind.
func NewError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Classify maps an error to its kind. Tagged errors win; message keyword
// heuristics are the fallback for third-party errors.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "network", "offline", "connection"):
		return KindNetwork
	case containsAny(msg, "server", "timeout") || strings.HasPrefix(strings.TrimSpace(msg), "5"):
		return KindServer
	case containsAny(msg, "validation", "invalid", "format"):
		return KindValidation
	case containsAny(msg, "storage", "quota", "space"):
		return KindStorage
	default:
		return KindUnknown
	}
}

// Context carries the situation an error occurred in.
type Context struct {
	FileID      string
	ChunkIndex  int
	RetryCount  int
	Recoverable bool
}

// Assess grades the severity of an error kind in context.
func Assess(kind Kind, ctx Context) Severity {
	if !ctx.Recoverable || ctx.RetryCount >= 5 {
		return SeverityCritical
	}
	if kind == KindNetwork && ctx.RetryCount < 3 {
		return SeverityWarning
	}
	return SeverityError
}

// Recommendation is the user-visible advice for an error kind.
func Recommendation(kind Kind) string {
	switch kind {
	case KindNetwork:
		return "Check your internet connection and try again"
	case KindServer:
		return "The server is having trouble, try again later"
	case KindValidation:
		return "Check the file and upload settings"
	case KindStorage:
		return "Free up storage space and try again"
	default:
		return "An unexpected error occurred"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
