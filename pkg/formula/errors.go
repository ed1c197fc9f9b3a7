package formula

import (
	"errors"
	"fmt"
)

var (
	ErrSyntax              = errors.New("syntax error")
	ErrUnsupportedOperator = errors.New("unsupported operator")
	ErrUnknownFunction     = errors.New("unknown function")
	ErrArity               = errors.New("wrong number of arguments")
	ErrTooDeep             = errors.New("expression nested too deeply")
	ErrRuntime             = errors.New("evaluation failed")
)

// EvalError reports a formula that could not be compiled or evaluated.
// Callers treat it as "no computed value".
type EvalError struct {
	Formula string
	Pos     int // byte offset into Formula, -1 when unknown
	Err     error
}

func (e *EvalError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("formula %q: %v (at offset %d)", e.Formula, e.Err, e.Pos)
	}
	return fmt.Sprintf("formula %q: %v", e.Formula, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// posError carries a source position until it is wrapped in an EvalError.
type posError struct {
	pos int
	err error
}

func (e *posError) Error() string { return e.err.Error() }
func (e *posError) Unwrap() error { return e.err }

func errAt(pos int, kind error, format string, args ...any) error {
	return &posError{pos: pos, err: fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))}
}

func wrap(src string, err error) *EvalError {
	var pe *posError
	if errors.As(err, &pe) {
		return &EvalError{Formula: src, Pos: pe.pos, Err: pe.err}
	}
	return &EvalError{Formula: src, Pos: -1, Err: err}
}
