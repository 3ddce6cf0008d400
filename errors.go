package bridge

import (
	"errors"
	"strings"
)

// Code categorizes a bridge error.
type Code string

const (
	CodeTypeMismatch Code = "type_mismatch" // extractor or accessor on the wrong variant
	CodeUnsupported  Code = "unsupported"   // operation not defined for the variant
	CodeOperator     Code = "operator"      // operator or container protocol rejected by the engine
	CodeImmutable    Code = "immutable"     // attribute assignment
	CodeSignature    Code = "signature"     // call-site binding does not fit the declared parameters
)

// Error is the structured error raised by the value bridge itself.
type Error struct {
	Code   Code
	Op     string
	Types  []string
	Detail string
	Cause  error
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Code))
	b.WriteByte(']')

	if e.Op != "" {
		b.WriteByte(' ')
		b.WriteString(e.Op)
	}
	if len(e.Types) > 0 {
		b.WriteString(" on ")
		b.WriteString(strings.Join(e.Types, ", "))
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrTypeMismatch = &Error{Code: CodeTypeMismatch}
	ErrUnsupported  = &Error{Code: CodeUnsupported}
	ErrOperator     = &Error{Code: CodeOperator}
	ErrImmutable    = &Error{Code: CodeImmutable}
	ErrSignature    = &Error{Code: CodeSignature}
)

func typeMismatch(op string, got Value) *Error {
	return &Error{Code: CodeTypeMismatch, Op: op, Types: []string{got.TypeName()}}
}

func unsupported(op string, got Value) *Error {
	return &Error{Code: CodeUnsupported, Op: op, Types: []string{got.TypeName()}}
}

func operatorError(op string, cause error, operands ...Value) *Error {
	types := make([]string, len(operands))
	for i, v := range operands {
		types[i] = v.TypeName()
	}
	return &Error{Code: CodeOperator, Op: op, Types: types, Cause: cause}
}

func signatureError(signature, detail string) *Error {
	return &Error{Code: CodeSignature, Op: signature, Detail: detail}
}

// RuntimeError is raised when the engine reports a failure. Value is the
// engine's error value exactly as the engine produced it.
type RuntimeError struct {
	Value Value
}

// NewRuntimeError wraps an engine error value.
func NewRuntimeError(v Value) *RuntimeError {
	return &RuntimeError{Value: v}
}

func (e *RuntimeError) Error() string {
	return "engine error: " + e.Value.String()
}

// Unwrap returns the host error carried by the engine value, if any. Errors
// raised by wrapped callables cross the engine as Custom values.
func (e *RuntimeError) Unwrap() error {
	if e.Value.kind != KindCustom {
		return nil
	}
	err, _ := e.Value.ref.(error)
	return err
}
