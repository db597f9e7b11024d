// Package similarity compares unit-norm sentence embeddings.
package similarity

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Matrix stacks the embeddings into E [n, dim] and returns E·Eᵗ. Because each
// row is unit-norm the result holds pairwise cosine similarities.
func Matrix(embeddings [][]float64) (*mat.Dense, error) {
	if len(embeddings) == 0 {
		return nil, errors.New("no embeddings to compare")
	}
	dim := len(embeddings[0])
	if dim == 0 {
		return nil, errors.New("embeddings have zero dimension")
	}
	e := mat.NewDense(len(embeddings), dim, nil)
	for i, v := range embeddings {
		if len(v) != dim {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d", i, len(v), dim)
		}
		e.SetRow(i, v)
	}
	var out mat.Dense
	out.Mul(e, e.T())
	return &out, nil
}

// Neighbor is another row of a similarity matrix and its score.
type Neighbor struct {
	Index int
	Score float64
}

// Rank orders every row other than i by decreasing similarity to row i.
func Rank(sim mat.Matrix, i int) []Neighbor {
	r, _ := sim.Dims()
	out := make([]Neighbor, 0, r-1)
	for j := 0; j < r; j++ {
		if j != i {
			out = append(out, Neighbor{Index: j, Score: sim.At(i, j)})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Score > out[b].Score })
	return out
}
