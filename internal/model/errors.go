package model

import (
	"fmt"

	"bertemb/internal/tensor"
)

// MissingParameterError reports a tensor the checkpoint does not contain.
type MissingParameterError struct {
	Name string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing parameter %q", e.Name)
}

// ShapeError reports a dimension mismatch between weights, hyperparameters
// and activations.
type ShapeError = tensor.ShapeError

// InvalidInputError reports a token sequence the encoder cannot process.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid input: " + e.Reason
}

func invalidInput(format string, args ...any) error {
	return &InvalidInputError{Reason: fmt.Sprintf(format, args...)}
}
