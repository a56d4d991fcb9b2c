// Package errs implements the tagged error-kind-with-trace model used
// throughout the DITM core: a closed set of error kinds, each error
// carrying an accumulating human-readable trace as it propagates.
// Errors are values. Nothing in this package panics or recovers.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the closed set of error kinds a DITM operation can fail with.
type Kind int

const (
	OK Kind = iota
	IO
	NOMEM
	SOCK
	CONN
	VALUE
	FIXEDSIZE
	OS
	BADIDX
	SSL
	SQL
	NOT4ME
	OPEN
	PARAM
	INTERNAL
	FS
	RESPONSE
	NOKEYS
	UV
	DEAD
	ANY
)

func (k Kind) String() string {
	switch k {
	case OK:
		return "OK"
	case IO:
		return "IO"
	case NOMEM:
		return "NOMEM"
	case SOCK:
		return "SOCK"
	case CONN:
		return "CONN"
	case VALUE:
		return "VALUE"
	case FIXEDSIZE:
		return "FIXEDSIZE"
	case OS:
		return "OS"
	case BADIDX:
		return "BADIDX"
	case SSL:
		return "SSL"
	case SQL:
		return "SQL"
	case NOT4ME:
		return "NOT4ME"
	case OPEN:
		return "OPEN"
	case PARAM:
		return "PARAM"
	case INTERNAL:
		return "INTERNAL"
	case FS:
		return "FS"
	case RESPONSE:
		return "RESPONSE"
	case NOKEYS:
		return "NOKEYS"
	case UV:
		return "UV"
	case DEAD:
		return "DEAD"
	case ANY:
		return "ANY"
	default:
		return "UNKNOWN"
	}
}

// Error is a DITM error value: a kind plus an accumulated trace of the
// messages attached as it propagated, plus (optionally) the underlying
// cause for errors.Is/errors.As interop with the standard library and
// third-party packages.
type Error struct {
	kind  Kind
	trace []string
	cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.kind.String())
	for _, t := range e.trace {
		b.WriteString(": ")
		b.WriteString(t)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf reports the Kind of err, or ANY if err is nil or not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var de *Error
	if errors.As(err, &de) {
		return de.kind
	}
	return ANY
}

// Is reports whether err is a DITM error of the given kind, or matches
// kind == ANY.
func Is(err error, kind Kind) bool {
	if kind == ANY {
		return err != nil
	}
	return KindOf(err) == kind
}

// New originates a fresh error of the given kind with a formatted trace
// message. This is the equivalent of the original's ORIG macro.
func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, trace: []string{fmt.Sprintf(format, args...)}}
}

// Wrap originates a fresh error of the given kind, wrapping cause for
// errors.Is/As interop (used at the boundary where a stdlib or
// third-party error first enters the DITM error model).
func Wrap(kind Kind, cause error, format string, args ...any) error {
	return &Error{kind: kind, trace: []string{fmt.Sprintf(format, args...)}, cause: cause}
}

// Propagate appends a trace message to err and returns it unchanged in
// kind. If err is nil, Propagate returns nil. This is the equivalent of
// the original's PROP macro.
func Propagate(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		de.trace = append(de.trace, fmt.Sprintf(format, args...))
		return de
	}
	return &Error{kind: ANY, trace: []string{fmt.Sprintf(format, args...)}, cause: err}
}

// Rethrow remaps err to newKind while preserving its trace, appending an
// additional trace message describing why the remap happened. This is
// the equivalent of the original's RETHROW macro.
func Rethrow(err error, newKind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var de *Error
	msg := fmt.Sprintf(format, args...)
	if errors.As(err, &de) {
		trace := append(append([]string{}, de.trace...), msg)
		return &Error{kind: newKind, trace: trace, cause: de.cause}
	}
	return &Error{kind: newKind, trace: []string{msg}, cause: err}
}

// Trace returns the accumulated trace messages for a DITM error, oldest
// first, or nil if err is not a DITM error.
func Trace(err error) []string {
	var de *Error
	if errors.As(err, &de) {
		return append([]string{}, de.trace...)
	}
	return nil
}
