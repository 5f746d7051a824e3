package sqlez

import (
	"errors"
	"fmt"
)

// define all package level errors here
var (
	// ErrMalformedInput is returned when text crossing a NUL-terminated
	// boundary contains an embedded NUL byte, or a required name is empty.
	ErrMalformedInput = errors.New("sqlez: malformed input")

	ErrNoRows            = errors.New("sqlez: query returned no rows")
	ErrNoRow             = errors.New("sqlez: no row available, step did not return a row")
	ErrUnknownColumnType = errors.New("sqlez: unknown column type")
	ErrColumnRange       = errors.New("sqlez: column index out of range")
	ErrUnsupportedType   = errors.New("sqlez: unsupported bind or column type")

	ErrConnClosed    = errors.New("sqlez: connection closed")
	ErrStmtClosed    = errors.New("sqlez: statement closed")
	ErrRowsClosed    = errors.New("sqlez: rows closed")
	ErrSavepointDone = errors.New("sqlez: savepoint already released or rolled back")
	ErrTxDone        = errors.New("sqlez: transaction done")

	ErrLibraryUnavailable = errors.New("sqlez: native sqlite library unavailable")
)

// Error is a failure reported by the embedded engine.
type Error struct {
	Code ResultCode
	// Message is empty when the engine reported none.
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sqlez: %s (%d)", e.Message, int32(e.Code))
	}
	if s := codeSentinel(e.Code); s != nil {
		return fmt.Sprintf("%s (%d)", s.Error(), int32(e.Code))
	}
	return fmt.Sprintf("sqlez: engine error code %d", int32(e.Code))
}

// Unwrap exposes the sentinel for the primary code so callers can use
// errors.Is(err, ErrConstraint).
func (e *Error) Unwrap() error {
	return codeSentinel(e.Code)
}

// CodeOf returns the engine result code carried by err, or ResultOK when err
// does not wrap an *Error.
func CodeOf(err error) ResultCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ResultOK
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, fmt.Sprintf(format, args...))
}
