/*
Package dynorm – error types.

Every failure raised by the codec, the schema reflector, the predicate
compiler and the repository is a *Error carrying an ErrorCode category.
*/
package dynorm

import (
	"errors"
	"fmt"
)

// ErrorCode is a well-known error category string.
type ErrorCode string

const (
	ErrMissingTableAnnotation ErrorCode = "MissingTableAnnotationError"
	ErrMissingKey             ErrorCode = "MissingKeyError"
	ErrMultipleHashKey        ErrorCode = "MultipleHashKeyError"
	ErrMultipleRangeKey       ErrorCode = "MultipleRangeKeyError"
	ErrPlaceholderCollision   ErrorCode = "PlaceholderCollisionError"
	ErrUnsupportedType        ErrorCode = "UnsupportedTypeError"
	ErrUnsupportedExpression  ErrorCode = "UnsupportedExpressionError"
	ErrParse                  ErrorCode = "ParseError"
	ErrArgument               ErrorCode = "ArgumentError"
	ErrRepository             ErrorCode = "RepositoryError"
)

// schemaCodes are the codes raised at reflection time.
var schemaCodes = map[ErrorCode]bool{
	ErrMissingTableAnnotation: true,
	ErrMissingKey:             true,
	ErrMultipleHashKey:        true,
	ErrMultipleRangeKey:       true,
	ErrPlaceholderCollision:   true,
}

// Error is the general error type. It carries an optional Code and a
// free-form Context map for extra debugging data.
type Error struct {
	Message string
	Code    ErrorCode
	Context map[string]any
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs an Error.
func NewError(msg string, opts ...func(*Error)) *Error {
	err := &Error{Message: msg}
	for _, o := range opts {
		o(err)
	}
	return err
}

// WithCode sets the error code.
func WithCode(c ErrorCode) func(*Error) {
	return func(e *Error) { e.Code = c }
}

// WithContext attaches a context map.
func WithContext(ctx map[string]any) func(*Error) {
	return func(e *Error) { e.Context = ctx }
}

// WithCause wraps an underlying error.
func WithCause(cause error) func(*Error) {
	return func(e *Error) { e.Cause = cause }
}

func newCodeError(code ErrorCode, format string, args ...any) *Error {
	return NewError(fmt.Sprintf(format, args...), WithCode(code))
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// IsSchemaError reports whether err was raised while reflecting a record
// type (missing table annotation, missing or duplicated keys).
func IsSchemaError(err error) bool {
	return schemaCodes[CodeOf(err)]
}
