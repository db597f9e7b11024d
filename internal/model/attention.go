package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"bertemb/internal/tensor"
)

// Attention runs bidirectional multi-head self-attention over x [seq, hidden]
// and returns a matrix of the same shape.
func Attention(x *mat.Dense, p AttentionParams, numHeads int) (*mat.Dense, error) {
	q, k, v, err := splitHeads(x, p, numHeads)
	if err != nil {
		return nil, err
	}
	heads := make([]mat.Matrix, numHeads)
	for h := range heads {
		heads[h] = scaledDotProduct(q[h], k[h], v[h])
	}
	merged, err := tensor.ConcatColumns(heads...)
	if err != nil {
		return nil, err
	}
	return tensor.Linear(merged, p.Output.Weight, p.Output.Bias)
}

// AttentionWeights returns the per-head attention probabilities
// softmax(Q·Kᵗ/√d), each [seq, seq].
func AttentionWeights(x *mat.Dense, p AttentionParams, numHeads int) ([]*mat.Dense, error) {
	q, k, _, err := splitHeads(x, p, numHeads)
	if err != nil {
		return nil, err
	}
	out := make([]*mat.Dense, numHeads)
	for h := range out {
		out[h] = attentionProbs(q[h], k[h])
	}
	return out, nil
}

// splitHeads projects x through the fused QKV map and cuts the result into
// numHeads query, key and value views.
func splitHeads(x *mat.Dense, p AttentionParams, numHeads int) (q, k, v []*mat.Dense, err error) {
	qkv, err := tensor.Linear(x, p.QKV.Weight, p.QKV.Bias)
	if err != nil {
		return nil, nil, nil, err
	}
	thirds, err := tensor.SplitColumns(qkv, 3)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, hidden := thirds[0].Dims(); numHeads <= 0 || hidden%numHeads != 0 {
		return nil, nil, nil, &ShapeError{Op: "attention", Want: fmt.Sprintf("hidden dim divisible by %d heads", numHeads), Got: fmt.Sprint(hidden)}
	}
	var split [3][]*mat.Dense
	for i, m := range thirds {
		if split[i], err = tensor.SplitColumns(m, numHeads); err != nil {
			return nil, nil, nil, err
		}
	}
	return split[0], split[1], split[2], nil
}

func attentionProbs(q, k mat.Matrix) *mat.Dense {
	_, d := q.Dims()
	scale := math.Sqrt(float64(d))
	var scores mat.Dense
	scores.Mul(q, k.T())
	scores.Apply(func(_, _ int, s float64) float64 { return s / scale }, &scores)
	return tensor.Softmax(&scores)
}

func scaledDotProduct(q, k, v mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Mul(attentionProbs(q, k), v)
	return &out
}
