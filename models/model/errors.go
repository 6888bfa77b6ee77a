package model

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConfiguration marks a malformed network definition or configuration:
	// a missing or misplaced output-branches terminator, an unknown layer type,
	// a bad layer reference or an anchor set count that does not match the
	// branch count. It is raised when a graph or locator is constructed.
	ErrConfiguration = errors.New("configuration error")

	// ErrShape marks a tensor whose shape does not match what a layer or
	// decoder expects. It is raised while executing.
	ErrShape = errors.New("shape error")
)

// ConfigErrorf wraps ErrConfiguration with a formatted message.
func ConfigErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// ShapeErrorf wraps ErrShape with a formatted message.
func ShapeErrorf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrShape, format, args...)
}

// WrapShape annotates err as a shape error. The result matches ErrShape under
// errors.Is while errors.Cause and errors.Unwrap still reach err.
func WrapShape(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &shapeError{cause: err, msg: fmt.Sprintf(format, args...)}
}

type shapeError struct {
	cause error
	msg   string
}

func (e *shapeError) Error() string { return e.msg + ": " + e.cause.Error() }

func (e *shapeError) Cause() error { return e.cause }

func (e *shapeError) Unwrap() error { return e.cause }

func (e *shapeError) Is(target error) bool { return target == ErrShape }
