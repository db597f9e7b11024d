// Package weights describes the flat, name-keyed tensor store that pretrained
// checkpoints are read into. Concrete file formats live in subpackages.
package weights

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// ErrNotFound is returned by a Store when no tensor has the requested name.
var ErrNotFound = errors.New("tensor not found")

// Tensor is a dense row-major array with an explicit shape.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor wraps data with shape, checking that the element counts agree.
func NewTensor(data []float64, shape ...int) (*Tensor, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid shape %v", shape)
		}
		n *= d
	}
	if n != len(data) {
		return nil, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Matrix returns a rank-2 tensor as a matrix sharing the tensor's storage.
func (t *Tensor) Matrix() (*mat.Dense, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("want rank 2 tensor, got shape %v", t.Shape)
	}
	if t.Shape[0] <= 0 || t.Shape[1] <= 0 || len(t.Data) != t.Shape[0]*t.Shape[1] {
		return nil, fmt.Errorf("shape %v does not describe %d elements", t.Shape, len(t.Data))
	}
	return mat.NewDense(t.Shape[0], t.Shape[1], t.Data), nil
}

// Vector returns a rank-1 tensor's data.
func (t *Tensor) Vector() ([]float64, error) {
	if len(t.Shape) != 1 {
		return nil, fmt.Errorf("want rank 1 tensor, got shape %v", t.Shape)
	}
	if t.Shape[0] <= 0 || len(t.Data) != t.Shape[0] {
		return nil, fmt.Errorf("shape %v does not describe %d elements", t.Shape, len(t.Data))
	}
	return t.Data, nil
}

// Store is a read-only mapping from checkpoint names to tensors.
type Store interface {
	Tensor(name string) (*Tensor, error)
	Names() []string
}

// MapStore is an in-memory Store.
type MapStore map[string]*Tensor

func (m MapStore) Tensor(name string) (*Tensor, error) {
	t, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, nil
}

func (m MapStore) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
