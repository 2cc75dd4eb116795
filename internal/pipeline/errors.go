package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures so callers can pick a policy per class.
type Kind int

const (
	KindUnknown Kind = iota
	// KindSetup covers unsupported audio formats and converter construction failures.
	KindSetup
	// KindPermission covers microphone or transcription authorization denial.
	KindPermission
	// KindTransport covers network failures, timeouts and non-2xx responses.
	KindTransport
	// KindFormat covers malformed or missing fields in a backend response.
	KindFormat
	// KindState covers start while recording and stop while idle.
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup_error"
	case KindPermission:
		return "permission_error"
	case KindTransport:
		return "transport_error"
	case KindFormat:
		return "format_error"
	case KindState:
		return "state_error"
	default:
		return "unknown_error"
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a classified error. The format follows fmt.Errorf, so %w is honoured.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
