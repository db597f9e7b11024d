package model

import (
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"bertemb/internal/tensor"
	"bertemb/internal/weights"
)

// Options are the declared hyperparameters and checkpoint conventions.
// Zero values select the defaults.
type Options struct {
	// Prefix is prepended to every checkpoint name, e.g. "bert." for
	// checkpoints saved from a task head wrapper.
	Prefix     string
	NumLayers  int
	NumHeads   int
	MaxContext int
	Pooling    PoolingMode
}

func (o Options) withDefaults() Options {
	if o.NumLayers <= 0 {
		o.NumLayers = DefaultNumLayers
	}
	if o.NumHeads <= 0 {
		o.NumHeads = DefaultNumHeads
	}
	if o.MaxContext <= 0 {
		o.MaxContext = DefaultMaxContext
	}
	if o.Pooling == "" {
		o.Pooling = PoolingMean
	}
	return o
}

// Load builds the parameter tree from a flat checkpoint. Linear weights are
// stored by the checkpoint as [out, in] and are transposed to [in, out]; the
// separate query, key and value projections of each layer are fused into one.
func Load(store weights.Store, opts Options) (*Model, error) {
	opts = opts.withDefaults()
	switch opts.Pooling {
	case PoolingMean, PoolingPooler:
	default:
		return nil, fmt.Errorf("unknown pooling mode %q", opts.Pooling)
	}

	l := &loader{store: store, prefix: opts.Prefix}
	var p ParameterTree
	var err error

	if p.TokenEmbeddings, err = l.matrix("embeddings.word_embeddings.weight"); err != nil {
		return nil, err
	}
	vocab, hidden := p.TokenEmbeddings.Dims()
	if hidden%opts.NumHeads != 0 {
		return nil, &ShapeError{Op: "load", Want: fmt.Sprintf("hidden dim divisible by %d heads", opts.NumHeads), Got: fmt.Sprint(hidden)}
	}
	l.hidden = hidden

	if p.PositionEmbeddings, err = l.table("embeddings.position_embeddings.weight"); err != nil {
		return nil, err
	}
	if p.SegmentEmbeddings, err = l.table("embeddings.token_type_embeddings.weight"); err != nil {
		return nil, err
	}
	if p.InputNorm, err = l.layerNorm("embeddings.LayerNorm"); err != nil {
		return nil, err
	}

	p.Blocks = make([]BlockParams, opts.NumLayers)
	for i := range p.Blocks {
		if p.Blocks[i], err = l.block(fmt.Sprintf("encoder.layer.%d", i)); err != nil {
			return nil, err
		}
	}

	if p.Pooler, err = l.linear("pooler.dense", hidden, hidden); err != nil {
		return nil, err
	}

	maxContext := opts.MaxContext
	if rows, _ := p.PositionEmbeddings.Dims(); rows < maxContext {
		maxContext = rows
	}

	hp := Hyperparameters{
		NumHeads:   opts.NumHeads,
		MaxContext: maxContext,
		NumLayers:  opts.NumLayers,
		HiddenDim:  hidden,
		VocabSize:  vocab,
		Pooling:    opts.Pooling,
	}
	slog.Debug("loaded parameter tree", "layers", hp.NumLayers, "heads", hp.NumHeads, "hidden", hp.HiddenDim, "vocab", hp.VocabSize, "context", hp.MaxContext)
	return &Model{hparams: hp, params: &p}, nil
}

type loader struct {
	store  weights.Store
	prefix string
	hidden int
}

func (l *loader) tensor(name string) (*weights.Tensor, error) {
	full := l.prefix + name
	t, err := l.store.Tensor(full)
	if errors.Is(err, weights.ErrNotFound) {
		return nil, &MissingParameterError{Name: full}
	} else if err != nil {
		return nil, fmt.Errorf("load %s: %w", full, err)
	}
	return t, nil
}

func (l *loader) matrix(name string) (*mat.Dense, error) {
	t, err := l.tensor(name)
	if err != nil {
		return nil, err
	}
	m, err := t.Matrix()
	if err != nil {
		return nil, &ShapeError{Op: l.prefix + name, Want: "rank 2", Got: fmt.Sprint(t.Shape)}
	}
	return m, nil
}

func (l *loader) vector(name string, n int) ([]float64, error) {
	t, err := l.tensor(name)
	if err != nil {
		return nil, err
	}
	v, err := t.Vector()
	if err != nil || len(v) != n {
		return nil, &ShapeError{Op: l.prefix + name, Want: fmt.Sprint([]int{n}), Got: fmt.Sprint(t.Shape)}
	}
	return v, nil
}

// table loads an embedding table whose rows must be hidden wide.
func (l *loader) table(name string) (*mat.Dense, error) {
	m, err := l.matrix(name)
	if err != nil {
		return nil, err
	}
	if _, c := m.Dims(); c != l.hidden {
		return nil, &ShapeError{Op: l.prefix + name, Want: fmt.Sprintf("[* %d]", l.hidden), Got: fmt.Sprint(m.Dims())}
	}
	return m, nil
}

func (l *loader) layerNorm(name string) (LayerNormParams, error) {
	gain, err := l.vector(name+".weight", l.hidden)
	if err != nil {
		return LayerNormParams{}, err
	}
	bias, err := l.vector(name+".bias", l.hidden)
	if err != nil {
		return LayerNormParams{}, err
	}
	return LayerNormParams{Gain: gain, Bias: bias}, nil
}

// linear loads an [out, in] weight and its bias, returning them transposed.
// A non-positive in or out skips that dimension check.
func (l *loader) linear(name string, in, out int) (LinearParams, error) {
	w, err := l.matrix(name + ".weight")
	if err != nil {
		return LinearParams{}, err
	}
	r, c := w.Dims()
	if (out > 0 && r != out) || (in > 0 && c != in) {
		return LinearParams{}, &ShapeError{Op: l.prefix + name + ".weight", Want: fmt.Sprintf("[%d %d]", out, in), Got: fmt.Sprintf("[%d %d]", r, c)}
	}
	b, err := l.vector(name+".bias", r)
	if err != nil {
		return LinearParams{}, err
	}
	return LinearParams{Weight: mat.DenseCopyOf(w.T()), Bias: b}, nil
}

func (l *loader) block(prefix string) (BlockParams, error) {
	var b BlockParams
	h := l.hidden

	var qkv [3]LinearParams
	for i, part := range []string{"query", "key", "value"} {
		p, err := l.linear(prefix+".attention.self."+part, h, h)
		if err != nil {
			return b, err
		}
		qkv[i] = p
	}
	w, err := tensor.ConcatColumns(qkv[0].Weight, qkv[1].Weight, qkv[2].Weight)
	if err != nil {
		return b, err
	}
	bias := make([]float64, 0, 3*h)
	for _, p := range qkv {
		bias = append(bias, p.Bias...)
	}
	b.Attention.QKV = LinearParams{Weight: w, Bias: bias}

	if b.Attention.Output, err = l.linear(prefix+".attention.output.dense", h, h); err != nil {
		return b, err
	}
	if b.AttentionNorm, err = l.layerNorm(prefix + ".attention.output.LayerNorm"); err != nil {
		return b, err
	}
	if b.FeedForward.Expand, err = l.linear(prefix+".intermediate.dense", h, 0); err != nil {
		return b, err
	}
	inter := b.FeedForward.Expand.OutDim()
	if b.FeedForward.Contract, err = l.linear(prefix+".output.dense", inter, h); err != nil {
		return b, err
	}
	if b.OutputNorm, err = l.layerNorm(prefix + ".output.LayerNorm"); err != nil {
		return b, err
	}
	return b, nil
}
