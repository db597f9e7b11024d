package model

import "gonum.org/v1/gonum/mat"

// Default hyperparameters of the MiniLM-style checkpoints this encoder targets.
// They are declared rather than read from the checkpoint.
const (
	DefaultNumLayers  = 6
	DefaultNumHeads   = 12
	DefaultMaxContext = 1024
)

// PoolingMode selects how per-token states become one sentence vector.
type PoolingMode string

const (
	// PoolingMean averages the final hidden states.
	PoolingMean PoolingMode = "mean"
	// PoolingPooler passes every hidden state through tanh(pooler) before
	// averaging.
	PoolingPooler PoolingMode = "pooler"
)

// Hyperparameters are fixed when the model is loaded.
type Hyperparameters struct {
	NumHeads   int
	MaxContext int
	NumLayers  int
	HiddenDim  int
	VocabSize  int
	Pooling    PoolingMode
}

// HeadDim is the width of one attention head.
func (h Hyperparameters) HeadDim() int { return h.HiddenDim / h.NumHeads }

// LinearParams is an affine map applied as x·Weight + Bias, with Weight
// stored [in, out].
type LinearParams struct {
	Weight *mat.Dense
	Bias   []float64
}

// InDim is the number of input features.
func (p LinearParams) InDim() int { r, _ := p.Weight.Dims(); return r }

// OutDim is the number of output features.
func (p LinearParams) OutDim() int { _, c := p.Weight.Dims(); return c }

type LayerNormParams struct {
	Gain []float64
	Bias []float64
}

// AttentionParams holds the fused query/key/value projection, whose output is
// [Q | K | V] along the feature axis, and the projection applied after the
// heads are merged.
type AttentionParams struct {
	QKV    LinearParams
	Output LinearParams
}

type FeedForwardParams struct {
	Expand   LinearParams
	Contract LinearParams
}

// BlockParams are the weights of one post-norm transformer layer.
type BlockParams struct {
	Attention     AttentionParams
	FeedForward   FeedForwardParams
	AttentionNorm LayerNormParams
	OutputNorm    LayerNormParams
}

// ParameterTree is the structured, read-only view of a checkpoint.
type ParameterTree struct {
	TokenEmbeddings    *mat.Dense
	PositionEmbeddings *mat.Dense
	SegmentEmbeddings  *mat.Dense
	InputNorm          LayerNormParams
	Blocks             []BlockParams
	Pooler             LinearParams
}
