// Package heerrors defines the closed set of error kinds the graph
// executor can raise (see spec §7).
package heerrors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the fixed error categories raised by this
// system. It is never extended at runtime: callers switch on it
// exhaustively.
type Kind string

const (
	InvalidParameters Kind = "InvalidParameters"
	UnsupportedOp     Kind = "UnsupportedOp"
	UnsupportedType   Kind = "UnsupportedType"
	ShapeMismatch     Kind = "ShapeMismatch"
	ScaleMismatch     Kind = "ScaleMismatch"
	ChainExhausted    Kind = "ChainExhausted"
	TypeTagMismatch   Kind = "TypeTagMismatch"
	ClientProtocolErr Kind = "ClientProtocolError"
	IOErr             Kind = "IOError"
	OverflowWarning   Kind = "OverflowWarning"
	ClientAborted     Kind = "ClientAborted"
)

// Error wraps an underlying cause with one of the Kind values above.
type Error struct {
	Kind Kind
	Op   string // component/function that raised it, e.g. "executor.Call"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, heerrors.New(heerrors.ScaleMismatch, "", nil)).
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap is a convenience for New with fmt.Errorf-style message formatting
// folded into Err.
func Wrap(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Of reports the Kind of err, or "" if err is not (or does not wrap) an
// *Error from this package.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
