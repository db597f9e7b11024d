package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bertemb/internal/config"
	"bertemb/internal/domain"
	"bertemb/internal/model"
	"bertemb/internal/model/modeltest"
	"bertemb/internal/vectorstore/memory"
	"bertemb/internal/vocab"
	"bertemb/internal/weights/safetensors"
)

// stubEmbedder returns a one-hot vector on the first token id.
type stubEmbedder struct {
	calls atomic.Int32
	fail  int
}

func (e *stubEmbedder) Name() string   { return "stub" }
func (e *stubEmbedder) Dimension() int { return 3 }
func (e *stubEmbedder) Embed(seq domain.TokenSequence) ([]float64, error) {
	e.calls.Add(1)
	if len(seq.TokenIDs) == 0 || seq.TokenIDs[0] == e.fail {
		return nil, &model.InvalidInputError{Reason: "bad sequence"}
	}
	v := make([]float64, 3)
	v[seq.TokenIDs[0]%3] = 1
	return v, nil
}

func inputs(ids ...int) []domain.Input {
	out := make([]domain.Input, len(ids))
	for i, id := range ids {
		out[i] = domain.Input{TokenSequence: domain.TokenSequence{TokenIDs: []int{id}}}
	}
	return out
}

func writeCheckpoint(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, safetensors.Write(f, modeltest.Store(modeltest.Tiny), "F64"))
	return path
}

func TestEmbedAllKeepsInputOrder(t *testing.T) {
	e := &stubEmbedder{fail: -1}
	s := NewEmbeddingService(e, memory.NewStorage(), nil, 4)

	in := inputs(1, 2, 3, 4, 5, 6, 7, 8)
	in[2].Label = "third"
	embs, err := s.EmbedAll(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, embs, len(in))
	for i, emb := range embs {
		want := make([]float64, 3)
		want[in[i].TokenIDs[0]%3] = 1
		assert.Equal(t, want, emb.Vector, "input %d", i)
	}
	assert.Equal(t, "#0", embs[0].Label)
	assert.Equal(t, "third", embs[2].Label)
	assert.EqualValues(t, len(in), e.calls.Load())
}

func TestEmbedAllReturnsFirstError(t *testing.T) {
	s := NewEmbeddingService(&stubEmbedder{fail: 4}, memory.NewStorage(), nil, 1)
	_, err := s.EmbedAll(context.Background(), inputs(1, 4, 2))
	require.Error(t, err)
	var invalid *model.InvalidInputError
	assert.True(t, errors.As(err, &invalid))
	assert.Contains(t, err.Error(), "input 1")

	_, err = s.EmbedAll(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoInputs)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.EmbedAll(ctx, inputs(1, 2))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLabelsFromVocabulary(t *testing.T) {
	v := vocab.FromLines([]byte("[CLS]\n[SEP]\nhello\nworld\n"))
	s := NewEmbeddingService(&stubEmbedder{fail: -1}, memory.NewStorage(), v, 2)
	in := domain.Input{TokenSequence: domain.TokenSequence{TokenIDs: []int{0, 2, 3, 1}}}
	assert.Equal(t, "hello world", s.Label(in, 0))
	in.TokenIDs = []int{0, 1}
	assert.Equal(t, "#5", s.Label(in, 5))
}

func TestSimilarityOfTinyModel(t *testing.T) {
	m, err := LoadModel(config.ModelConfig{Path: writeCheckpoint(t), NumLayers: 1, NumHeads: 2})
	require.NoError(t, err)
	s := NewEmbeddingService(m, memory.NewStorage(), nil, 2)

	in := []domain.Input{
		{Label: "a", TokenSequence: domain.TokenSequence{TokenIDs: []int{1, 2}}},
		{Label: "b", TokenSequence: domain.TokenSequence{TokenIDs: []int{3, 4, 5}}},
		{Label: "a again", TokenSequence: domain.TokenSequence{TokenIDs: []int{1, 2}}},
	}
	report, err := s.Similarity(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "a again"}, report.Labels)
	r, c := report.Matrix.Dims()
	require.Equal(t, 3, r)
	require.Equal(t, 3, c)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 1, report.Matrix.At(i, i), 1e-9)
		for j := 0; j < 3; j++ {
			assert.InDelta(t, report.Matrix.At(i, j), report.Matrix.At(j, i), 1e-12)
		}
	}
	assert.InDelta(t, 1, report.Matrix.At(0, 2), 1e-12)

	want, err := m.Embed(in[1].TokenSequence)
	require.NoError(t, err)
	embs, err := s.EmbedAll(context.Background(), in[1:2])
	require.NoError(t, err)
	assert.Equal(t, want, embs[0].Vector)
}

func TestIndexAndQuery(t *testing.T) {
	s := NewEmbeddingService(&stubEmbedder{fail: -1}, memory.NewStorage(), nil, 2)
	_, err := s.Query(domain.TokenSequence{TokenIDs: []int{1}}, 1)
	assert.ErrorIs(t, err, ErrEmptyIndex)

	in := inputs(0, 1, 2)
	in[1].Label = "one"
	require.NoError(t, s.Index(context.Background(), in))

	res, err := s.Query(domain.TokenSequence{TokenIDs: []int{4}}, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "one", res[0].Label)
	assert.Equal(t, 1, res[0].Index)
	assert.InDelta(t, 1, res[0].Score, 1e-12)
}

func TestLoadModelErrors(t *testing.T) {
	_, err := LoadModel(config.ModelConfig{})
	assert.ErrorContains(t, err, config.EnvModelPath)

	_, err = LoadModel(config.ModelConfig{Path: "weights.onnx"})
	assert.ErrorContains(t, err, "unsupported")

	_, err = LoadModel(config.ModelConfig{Path: writeCheckpoint(t), NumLayers: 2, NumHeads: 2})
	var missing *model.MissingParameterError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "encoder.layer.1.attention.self.query.weight", missing.Name)
}

func TestLoadVocabulary(t *testing.T) {
	m := modeltest.Load(t, modeltest.Tiny, 2, model.PoolingMean)

	v, err := LoadVocabulary("", m)
	require.NoError(t, err)
	assert.Nil(t, v)

	dir := t.TempDir()
	small := filepath.Join(dir, "vocab.txt")
	require.NoError(t, os.WriteFile(small, []byte("[PAD]\n[CLS]\nhi\n"), 0o644))
	v, err = LoadVocabulary(small, m)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Size())

	big := filepath.Join(dir, "big.txt")
	require.NoError(t, os.WriteFile(big, []byte("a\nb\nc\nd\ne\nf\ng\nh\ni\nj\nk\n"), 0o644))
	_, err = LoadVocabulary(big, m)
	assert.ErrorContains(t, err, "11 tokens")
}

func TestLoadInputs(t *testing.T) {
	dir := t.TempDir()

	mapping := filepath.Join(dir, "inputs.yaml")
	require.NoError(t, os.WriteFile(mapping, []byte(`
inputs:
  - label: greeting
    token_ids: [101, 7592, 102]
  - token_ids: [101, 2088, 102]
    segment_ids: [0, 0, 1]
`), 0o644))
	in, err := LoadInputs(mapping)
	require.NoError(t, err)
	require.Len(t, in, 2)
	assert.Equal(t, "greeting", in[0].Label)
	assert.Equal(t, []int{101, 7592, 102}, in[0].TokenIDs)
	assert.Nil(t, in[0].SegmentIDs)
	assert.Equal(t, []int{0, 0, 1}, in[1].SegmentIDs)

	list := filepath.Join(dir, "inputs.json")
	require.NoError(t, os.WriteFile(list, []byte(`[{"label": "x", "token_ids": [1, 2]}]`), 0o644))
	in, err = LoadInputs(list)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, []int{1, 2}, in[0].TokenIDs)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("inputs: []\n"), 0o644))
	_, err = LoadInputs(empty)
	assert.ErrorIs(t, err, ErrNoInputs)

	_, err = LoadInputs(filepath.Join(dir, "absent.yaml"))
	assert.Error(t, err)
}

func TestInfo(t *testing.T) {
	m := modeltest.Load(t, modeltest.Tiny, 2, model.PoolingMean)
	info := NewEmbeddingService(m, memory.NewStorage(), nil, 1).Info()
	assert.Equal(t, "bert", info.Name)
	assert.Equal(t, 4, info.Dimension)
	require.NotNil(t, info.Hyperparameters)
	assert.Equal(t, 2, info.Hyperparameters.NumHeads)
	assert.Equal(t, 8, info.Hyperparameters.MaxContext)

	info = NewEmbeddingService(&stubEmbedder{}, memory.NewStorage(), nil, 1).Info()
	assert.Nil(t, info.Hyperparameters)
}
