package apperr

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine readable category of an error.
type Kind string

const (
	KindConfiguration      Kind = "configuration"
	KindEmbedding          Kind = "embedding"
	KindDimensionMismatch  Kind = "dimension_mismatch"
	KindInvariantViolation Kind = "invariant_violation"
	KindNotReady           Kind = "not_ready"
	KindUpstreamTimeout    Kind = "upstream_timeout"
	KindOutOfRange         Kind = "out_of_range"
	KindGeneration         Kind = "generation"
	KindValidation         Kind = "validation"
	KindBusy               Kind = "busy"
	KindInternal           Kind = "internal"
)

// Error carries a Kind, a human readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Details map[string]interface{}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, &apperr.Error{Kind: apperr.KindNotReady}) matches any
// not-ready error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// WithDetail returns a copy of e with key set in its details, which are
// surfaced in API error bodies. e itself is left unchanged.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	c := *e
	c.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// DetailsOf returns the details of the first *Error in err's chain.
func DetailsOf(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// MessageOf returns the user facing message, without the wrapped cause.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
