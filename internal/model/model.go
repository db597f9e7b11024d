// Package model implements the inference-only forward pass of a BERT-style
// encoder and the pooling that turns its output into a sentence embedding.
//
// A Model is built once by Load and never mutated afterwards, so a single
// instance may be shared by any number of goroutines calling Encode or Embed.
package model

import (
	"gonum.org/v1/gonum/mat"

	"bertemb/internal/domain"
	"bertemb/internal/tensor"
)

// Model is an immutable handle to loaded hyperparameters and weights.
type Model struct {
	hparams Hyperparameters
	params  *ParameterTree
}

var _ domain.Embedder = (*Model)(nil)

func (m *Model) Hyperparameters() Hyperparameters { return m.hparams }

// Params exposes the parameter tree. Callers must treat it as read-only.
func (m *Model) Params() *ParameterTree { return m.params }

// Name returns the identifier of this embedder implementation.
func (m *Model) Name() string { return "bert" }

// Dimension returns the dimensionality of the produced embedding vectors.
func (m *Model) Dimension() int { return m.hparams.HiddenDim }

// Encode runs the encoder over seq and returns the contextualized hidden
// states, one row per token.
func (m *Model) Encode(seq domain.TokenSequence) (*mat.Dense, error) {
	segments, err := m.validate(seq)
	if err != nil {
		return nil, err
	}
	x, err := m.embed(seq.TokenIDs, segments)
	if err != nil {
		return nil, err
	}
	for _, block := range m.params.Blocks {
		if x, err = Block(x, block, m.hparams.NumHeads); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Embed encodes seq and pools it into a unit-norm vector.
func (m *Model) Embed(seq domain.TokenSequence) ([]float64, error) {
	x, err := m.Encode(seq)
	if err != nil {
		return nil, err
	}
	if m.hparams.Pooling == PoolingPooler {
		p := m.params.Pooler
		if x, err = tensor.Linear(x, p.Weight, p.Bias); err != nil {
			return nil, err
		}
		x = tensor.Tanh(x)
	}
	return Finalize(x)
}

// embed sums token, position and segment embeddings and normalizes them.
func (m *Model) embed(ids, segments []int) (*mat.Dense, error) {
	positions := make([]int, len(ids))
	for i := range positions {
		positions[i] = i
	}
	tok, err := tensor.Gather(m.params.TokenEmbeddings, ids)
	if err != nil {
		return nil, err
	}
	pos, err := tensor.Gather(m.params.PositionEmbeddings, positions)
	if err != nil {
		return nil, err
	}
	seg, err := tensor.Gather(m.params.SegmentEmbeddings, segments)
	if err != nil {
		return nil, err
	}
	x, err := tensor.Add(tok, pos)
	if err != nil {
		return nil, err
	}
	if x, err = tensor.Add(x, seg); err != nil {
		return nil, err
	}
	return tensor.LayerNorm(x, m.params.InputNorm.Gain, m.params.InputNorm.Bias, tensor.LayerNormEps)
}

// validate checks seq against the model and returns its segment ids,
// defaulting them to zeros when absent.
func (m *Model) validate(seq domain.TokenSequence) ([]int, error) {
	n := len(seq.TokenIDs)
	if n == 0 {
		return nil, invalidInput("empty token sequence")
	}
	if n > m.hparams.MaxContext {
		return nil, invalidInput("sequence of %d tokens exceeds the context length %d", n, m.hparams.MaxContext)
	}
	segments := seq.SegmentIDs
	if segments == nil {
		segments = make([]int, n)
	} else if len(segments) != n {
		return nil, invalidInput("%d segment ids for %d tokens", len(segments), n)
	}
	for i, id := range seq.TokenIDs {
		if id < 0 || id >= m.hparams.VocabSize {
			return nil, invalidInput("token id %d at position %d outside vocabulary of %d", id, i, m.hparams.VocabSize)
		}
	}
	numSegments, _ := m.params.SegmentEmbeddings.Dims()
	for i, id := range segments {
		if id < 0 || id >= numSegments {
			return nil, invalidInput("segment id %d at position %d, want 0..%d", id, i, numSegments-1)
		}
	}
	return segments, nil
}
