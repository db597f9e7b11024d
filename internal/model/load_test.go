package model_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bertemb/internal/model"
	"bertemb/internal/model/modeltest"
	"bertemb/internal/tensor"
	"bertemb/internal/weights"
	"bertemb/internal/weights/safetensors"
)

func TestLoadTransposesAndFusesQKV(t *testing.T) {
	store := modeltest.Store(modeltest.Tiny)
	m, err := model.Load(store, model.Options{NumLayers: 1, NumHeads: 2, MaxContext: 8})
	require.NoError(t, err)

	hp := m.Hyperparameters()
	assert.Equal(t, model.Hyperparameters{NumHeads: 2, MaxContext: 8, NumLayers: 1, HiddenDim: 4, VocabSize: 10, Pooling: model.PoolingMean}, hp)
	assert.Equal(t, 2, hp.HeadDim())

	p := m.Params()
	require.Len(t, p.Blocks, 1)
	qkv := p.Blocks[0].Attention.QKV
	assert.Equal(t, 4, qkv.InDim())
	assert.Equal(t, 12, qkv.OutDim())
	require.Len(t, qkv.Bias, 12)

	// Checkpoint weights are [out, in]; the fused matrix is [in, 3·out] with
	// query, key and value blocks side by side.
	for i, part := range []string{"query", "key", "value"} {
		w := store["encoder.layer.0.attention.self."+part+".weight"]
		b := store["encoder.layer.0.attention.self."+part+".bias"]
		for out := 0; out < 4; out++ {
			for in := 0; in < 4; in++ {
				assert.Equal(t, w.Data[out*4+in], qkv.Weight.At(in, i*4+out), "%s[%d,%d]", part, out, in)
			}
			assert.Equal(t, b.Data[out], qkv.Bias[i*4+out])
		}
	}

	expand := p.Blocks[0].FeedForward.Expand
	assert.Equal(t, 4, expand.InDim())
	assert.Equal(t, 8, expand.OutDim())
	contract := p.Blocks[0].FeedForward.Contract
	assert.Equal(t, 8, contract.InDim())
	assert.Equal(t, 4, contract.OutDim())
	src := store["encoder.layer.0.output.dense.weight"]
	assert.Equal(t, src.Data[1*8+5], contract.Weight.At(5, 1))

	pooler := store["pooler.dense.weight"]
	assert.Equal(t, pooler.Data[0*4+3], p.Pooler.Weight.At(3, 0))
}

func TestLoadDefaults(t *testing.T) {
	cfg := modeltest.Tiny
	cfg.Hidden = 12
	cfg.Layers = model.DefaultNumLayers
	m, err := model.Load(modeltest.Store(cfg), model.Options{})
	require.NoError(t, err)

	hp := m.Hyperparameters()
	assert.Equal(t, model.DefaultNumLayers, hp.NumLayers)
	assert.Equal(t, model.DefaultNumHeads, hp.NumHeads)
	assert.Equal(t, model.PoolingMean, hp.Pooling)
	// The declared context is capped by the position table.
	assert.Equal(t, cfg.Context, hp.MaxContext)
}

func TestLoadPrefix(t *testing.T) {
	cfg := modeltest.Tiny
	cfg.Prefix = "bert."
	m := modeltest.Load(t, cfg, 2, model.PoolingMean)
	assert.Equal(t, 4, m.Dimension())

	_, err := model.Load(modeltest.Store(cfg), model.Options{NumLayers: 1, NumHeads: 2})
	var missing *model.MissingParameterError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "embeddings.word_embeddings.weight", missing.Name)

	require.NotNil(t, m.Params().Pooler.Weight)
	store := modeltest.Store(cfg)
	store["pooler.dense.weight"] = store["bert.pooler.dense.weight"]
	delete(store, "bert.pooler.dense.weight")
	_, err = model.Load(store, model.Options{Prefix: "bert.", NumLayers: 1, NumHeads: 2})
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "bert.pooler.dense.weight", missing.Name, "the prefix applies to the pooler too")
}

func TestLoadMissingParameter(t *testing.T) {
	for _, name := range []string{
		"embeddings.token_type_embeddings.weight",
		"encoder.layer.0.attention.self.key.bias",
		"encoder.layer.0.output.LayerNorm.weight",
		"pooler.dense.weight",
	} {
		t.Run(name, func(t *testing.T) {
			store := modeltest.Store(modeltest.Tiny)
			delete(store, name)

			_, err := model.Load(store, model.Options{NumLayers: 1, NumHeads: 2})
			var missing *model.MissingParameterError
			require.True(t, errors.As(err, &missing), "got %v", err)
			assert.Equal(t, name, missing.Name)
			assert.Contains(t, err.Error(), name)
		})
	}

	// Asking for more layers than the checkpoint has fails on the first absent one.
	_, err := model.Load(modeltest.Store(modeltest.Tiny), model.Options{NumLayers: 2, NumHeads: 2})
	var missing *model.MissingParameterError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "encoder.layer.1.attention.self.query.weight", missing.Name)
}

func TestLoadShapeErrors(t *testing.T) {
	_, err := model.Load(modeltest.Store(modeltest.Tiny), model.Options{NumLayers: 1, NumHeads: 3})
	assert.ErrorIs(t, err, tensor.ErrShape, "hidden 4 is not divisible by 3 heads")

	store := modeltest.Store(modeltest.Tiny)
	store["encoder.layer.0.attention.output.dense.bias"] = &weights.Tensor{Shape: []int{3}, Data: []float64{1, 2, 3}}
	_, err = model.Load(store, model.Options{NumLayers: 1, NumHeads: 2})
	var se *model.ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "encoder.layer.0.attention.output.dense.bias", se.Op)

	store = modeltest.Store(modeltest.Tiny)
	store["embeddings.LayerNorm.weight"] = &weights.Tensor{Shape: []int{2, 2}, Data: []float64{1, 1, 1, 1}}
	_, err = model.Load(store, model.Options{NumLayers: 1, NumHeads: 2})
	assert.ErrorIs(t, err, tensor.ErrShape)

	_, err = model.Load(modeltest.Store(modeltest.Tiny), model.Options{NumLayers: 1, NumHeads: 2, Pooling: "cls"})
	assert.Error(t, err)
}

func TestLoadMalformedCheckpoint(t *testing.T) {
	var buf bytes.Buffer
	header := `{"embeddings.word_embeddings.weight":{"dtype":"F32","shape":[0,4],"data_offsets":[0,0]}}`
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(header)))
	buf.Write(lenBuf[:])
	buf.WriteString(header)

	f, err := safetensors.Parse(buf.Bytes())
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		_, err = model.Load(f, model.Options{})
	})
	assert.Error(t, err)

	store := modeltest.Store(modeltest.Tiny)
	store["embeddings.position_embeddings.weight"] = &weights.Tensor{Shape: []int{0, 4}}
	assert.NotPanics(t, func() {
		_, err = model.Load(store, model.Options{NumLayers: 1, NumHeads: 2})
	})
	var se *model.ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "embeddings.position_embeddings.weight", se.Op)
}
