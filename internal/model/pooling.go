package model

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"bertemb/internal/tensor"
)

// MeanPool averages hidden states over the sequence axis.
func MeanPool(x *mat.Dense) ([]float64, error) {
	if x == nil || x.IsEmpty() {
		return nil, invalidInput("cannot pool an empty sequence")
	}
	return tensor.MeanRows(x), nil
}

// Normalize scales v to unit L2 norm. A zero or non-finite vector has no
// direction and is rejected rather than turned into NaNs.
func Normalize(v []float64) ([]float64, error) {
	out, err := tensor.L2Normalize(v)
	switch {
	case errors.Is(err, tensor.ErrZeroVector):
		return nil, invalidInput("cannot normalize a zero vector")
	case errors.Is(err, tensor.ErrNonFinite):
		return nil, invalidInput("embedding contains NaN or Inf values")
	case err != nil:
		return nil, err
	}
	return out, nil
}

// Finalize reduces hidden states to a unit-norm sentence embedding.
func Finalize(x *mat.Dense) ([]float64, error) {
	v, err := MeanPool(x)
	if err != nil {
		return nil, err
	}
	return Normalize(v)
}
