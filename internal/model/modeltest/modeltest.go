// Package modeltest builds small deterministic checkpoints for tests.
package modeltest

import (
	"fmt"
	"math"
	"testing"

	"bertemb/internal/model"
	"bertemb/internal/weights"
)

// Config sizes a toy checkpoint.
type Config struct {
	Prefix       string
	Hidden       int
	Intermediate int
	Vocab        int
	Context      int
	Layers       int
}

// Tiny is a one-layer, four-wide checkpoint with a ten-token vocabulary.
var Tiny = Config{Hidden: 4, Intermediate: 8, Vocab: 10, Context: 8, Layers: 1}

// Store returns a checkpoint laid out like a HuggingFace BertModel state
// dict. Values follow 0.5·sin(0.7·(k+1) + seed), where k is the flat element
// index and seed counts the tensors in the order they are added; layer norm
// gains are shifted to 1 + value/5.
func Store(c Config) weights.MapStore {
	s := weights.MapStore{}
	seed := 0
	add := func(name string, gain bool, shape ...int) {
		n := 1
		for _, d := range shape {
			n *= d
		}
		data := make([]float64, n)
		for k := range data {
			v := 0.5 * math.Sin(0.7*float64(k+1)+float64(seed))
			if gain {
				v = 1 + v/5
			}
			data[k] = v
		}
		seed++
		s[c.Prefix+name] = &weights.Tensor{Shape: shape, Data: data}
	}

	h, f := c.Hidden, c.Intermediate
	add("embeddings.word_embeddings.weight", false, c.Vocab, h)
	add("embeddings.position_embeddings.weight", false, c.Context, h)
	add("embeddings.token_type_embeddings.weight", false, 2, h)
	add("embeddings.LayerNorm.weight", true, h)
	add("embeddings.LayerNorm.bias", false, h)
	for i := 0; i < c.Layers; i++ {
		p := fmt.Sprintf("encoder.layer.%d.", i)
		for _, part := range []string{"query", "key", "value"} {
			add(p+"attention.self."+part+".weight", false, h, h)
			add(p+"attention.self."+part+".bias", false, h)
		}
		add(p+"attention.output.dense.weight", false, h, h)
		add(p+"attention.output.dense.bias", false, h)
		add(p+"attention.output.LayerNorm.weight", true, h)
		add(p+"attention.output.LayerNorm.bias", false, h)
		add(p+"intermediate.dense.weight", false, f, h)
		add(p+"intermediate.dense.bias", false, f)
		add(p+"output.dense.weight", false, h, f)
		add(p+"output.dense.bias", false, h)
		add(p+"output.LayerNorm.weight", true, h)
		add(p+"output.LayerNorm.bias", false, h)
	}
	add("pooler.dense.weight", false, h, h)
	add("pooler.dense.bias", false, h)
	return s
}

// Load builds a model from Store(c) with heads attention heads.
func Load(t testing.TB, c Config, heads int, pooling model.PoolingMode) *model.Model {
	t.Helper()
	m, err := model.Load(Store(c), model.Options{
		Prefix:     c.Prefix,
		NumLayers:  c.Layers,
		NumHeads:   heads,
		MaxContext: c.Context,
		Pooling:    pooling,
	})
	if err != nil {
		t.Fatalf("load toy model: %v", err)
	}
	return m
}
