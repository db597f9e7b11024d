package model

import (
	"gonum.org/v1/gonum/mat"

	"bertemb/internal/tensor"
)

// FeedForward applies the position-wise expand → GELU → contract network.
func FeedForward(x mat.Matrix, p FeedForwardParams) (*mat.Dense, error) {
	h, err := tensor.Linear(x, p.Expand.Weight, p.Expand.Bias)
	if err != nil {
		return nil, err
	}
	return tensor.Linear(tensor.GELU(h), p.Contract.Weight, p.Contract.Bias)
}

// Block applies one post-norm transformer layer: each sub-layer's output is
// added to its input and the sum is layer-normalized.
func Block(x *mat.Dense, p BlockParams, numHeads int) (*mat.Dense, error) {
	attn, err := Attention(x, p.Attention, numHeads)
	if err != nil {
		return nil, err
	}
	x, err = addNorm(x, attn, p.AttentionNorm)
	if err != nil {
		return nil, err
	}
	ffn, err := FeedForward(x, p.FeedForward)
	if err != nil {
		return nil, err
	}
	return addNorm(x, ffn, p.OutputNorm)
}

func addNorm(residual, branch mat.Matrix, p LayerNormParams) (*mat.Dense, error) {
	sum, err := tensor.Add(residual, branch)
	if err != nil {
		return nil, err
	}
	return tensor.LayerNorm(sum, p.Gain, p.Bias, tensor.LayerNormEps)
}
