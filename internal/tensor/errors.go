package tensor

import (
	"errors"
	"fmt"
)

// ErrShape is wrapped by every ShapeError so callers can test with errors.Is.
var ErrShape = errors.New("shape mismatch")

// ErrZeroVector is returned when normalizing a vector whose L2 norm is zero.
var ErrZeroVector = errors.New("zero vector has no direction")

// ErrNonFinite is returned when a vector contains NaN or Inf values.
var ErrNonFinite = errors.New("vector contains NaN or Inf values")

// ShapeError reports a structural mismatch between operands of Op.
type ShapeError struct {
	Op   string
	Want string
	Got  string
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("%s: %s: want %s, got %s", e.Op, ErrShape, e.Want, e.Got)
}

func (e *ShapeError) Unwrap() error { return ErrShape }

func shapeErr(op string, want, got any) error {
	return &ShapeError{Op: op, Want: fmt.Sprint(want), Got: fmt.Sprint(got)}
}

func dims(r, c int) string { return fmt.Sprintf("[%d %d]", r, c) }
