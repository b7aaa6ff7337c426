package cloak

import (
	"errors"
	"fmt"
)

// Error is a categorised failure raised while building, sending, or
// interpreting a cloak request.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// ErrorKind categorises failures by where they stop.
type ErrorKind int

const (
	// KindValidation is a local input problem. It never reaches the network.
	KindValidation ErrorKind = iota
	// KindTransport is a network failure or a non-success HTTP status.
	KindTransport
	// KindInterpretation is a response whose primary image could not be decoded.
	KindInterpretation
)

// String returns the lowercase name used in logs and JSON.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindInterpretation:
		return "interpretation"
	default:
		return "unknown"
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Transport wraps err as a transport error.
func Transport(message string, err error) *Error {
	return &Error{Kind: KindTransport, Message: message, Err: err}
}

// Interpretation wraps err as an interpretation error.
func Interpretation(message string, err error) *Error {
	return &Error{Kind: KindInterpretation, Message: message, Err: err}
}

// KindOf reports the kind of err. Errors that are not *Error are treated as
// transport failures, since anything unclassified happened past local validation.
func KindOf(err error) ErrorKind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return KindTransport
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Kind == KindValidation
}
