// Package tensor holds the dense numeric primitives shared by the encoder.
// Every function is pure: inputs are never modified and a fresh matrix is
// returned. Matrices are row-major [rows, features]; operations that act on
// the "last axis" act on each row independently.
package tensor

import (
	"math"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LayerNormEps is the variance epsilon used by BERT checkpoints.
const LayerNormEps = 1e-12

var geluScale = math.Sqrt(2 / math.Pi)

// GELU applies the tanh approximation of the Gaussian error linear unit elementwise.
func GELU(x mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 {
		return 0.5 * v * (1 + math.Tanh(geluScale*(v+0.044715*v*v*v)))
	}, x)
	return &out
}

// Tanh applies math.Tanh elementwise.
func Tanh(x mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, x)
	return &out
}

// Softmax normalizes each row into a probability distribution. The row
// maximum is subtracted before exponentiating.
func Softmax(x mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(x)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		m := floats.Max(row)
		for j, v := range row {
			row[j] = math.Exp(v - m)
		}
		sum := floats.Sum(row)
		for j := range row {
			row[j] /= sum
		}
	}
	return out
}

// LayerNorm normalizes each row to zero mean and unit variance, then scales
// by gain and shifts by bias.
func LayerNorm(x mat.Matrix, gain, bias []float64, eps float64) (*mat.Dense, error) {
	r, c := x.Dims()
	if len(gain) != c || len(bias) != c {
		return nil, shapeErr("layer_norm", c, [2]int{len(gain), len(bias)})
	}
	out := mat.DenseCopyOf(x)
	n := float64(c)
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		mean := floats.Sum(row) / n
		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= n
		std := math.Sqrt(variance + eps)
		for j, v := range row {
			row[j] = gain[j]*(v-mean)/std + bias[j]
		}
	}
	return out, nil
}

// Linear computes x·w + b with b broadcast over rows.
func Linear(x, w mat.Matrix, b []float64) (*mat.Dense, error) {
	xr, xc := x.Dims()
	wr, wc := w.Dims()
	if xc != wr {
		return nil, shapeErr("linear", dims(xr, wr), dims(xr, xc))
	}
	if len(b) != wc {
		return nil, shapeErr("linear bias", wc, len(b))
	}
	var out mat.Dense
	out.Mul(x, w)
	for i := 0; i < xr; i++ {
		floats.Add(out.RawRowView(i), b)
	}
	return &out, nil
}

// Add returns a + b.
func Add(a, b mat.Matrix) (*mat.Dense, error) {
	ar, ac := a.Dims()
	br, bc := b.Dims()
	if ar != br || ac != bc {
		return nil, shapeErr("add", dims(ar, ac), dims(br, bc))
	}
	var out mat.Dense
	out.Add(a, b)
	return &out, nil
}

// SplitColumns cuts x into n equally wide column blocks. The blocks are views
// sharing storage with x.
func SplitColumns(x *mat.Dense, n int) ([]*mat.Dense, error) {
	r, c := x.Dims()
	if n <= 0 || c%n != 0 {
		return nil, shapeErr("split", "columns divisible by "+strconv.Itoa(n), c)
	}
	w := c / n
	parts := make([]*mat.Dense, n)
	for k := range parts {
		parts[k] = x.Slice(0, r, k*w, (k+1)*w).(*mat.Dense)
	}
	return parts, nil
}

// ConcatColumns joins matrices with equal row counts side by side.
func ConcatColumns(parts ...mat.Matrix) (*mat.Dense, error) {
	if len(parts) == 0 {
		return nil, shapeErr("concat", "at least one part", 0)
	}
	rows, _ := parts[0].Dims()
	total := 0
	for _, p := range parts {
		r, c := p.Dims()
		if r != rows {
			return nil, shapeErr("concat", rows, r)
		}
		total += c
	}
	out := mat.NewDense(rows, total, nil)
	off := 0
	for _, p := range parts {
		_, c := p.Dims()
		out.Slice(0, rows, off, off+c).(*mat.Dense).Copy(p)
		off += c
	}
	return out, nil
}

// Gather returns the rows of table selected by ids, in order.
func Gather(table *mat.Dense, ids []int) (*mat.Dense, error) {
	rows, cols := table.Dims()
	if len(ids) == 0 {
		return nil, shapeErr("gather", "at least one id", 0)
	}
	out := mat.NewDense(len(ids), cols, nil)
	for i, id := range ids {
		if id < 0 || id >= rows {
			return nil, shapeErr("gather", "id < "+strconv.Itoa(rows), id)
		}
		copy(out.RawRowView(i), table.RawRowView(id))
	}
	return out, nil
}

// MeanRows averages x over its rows, producing one value per column.
func MeanRows(x mat.Matrix) []float64 {
	r, c := x.Dims()
	out := make([]float64, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out[j] += x.At(i, j)
		}
	}
	for j := range out {
		out[j] /= float64(r)
	}
	return out
}

// L2Normalize returns v scaled to unit Euclidean length.
func L2Normalize(v []float64) ([]float64, error) {
	norm := floats.Norm(v, 2)
	switch {
	case math.IsNaN(norm) || math.IsInf(norm, 0):
		return nil, ErrNonFinite
	case norm == 0:
		return nil, ErrZeroVector
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out, nil
}
