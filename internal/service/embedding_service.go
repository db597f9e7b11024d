package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"bertemb/internal/config"
	"bertemb/internal/domain"
	"bertemb/internal/model"
	"bertemb/internal/similarity"
	"bertemb/internal/vocab"
	"bertemb/internal/weights"
	"bertemb/internal/weights/safetensors"
	"bertemb/internal/weights/torch"
)

// ErrNoInputs is returned when there is nothing to embed.
var ErrNoInputs = errors.New("no inputs")

// ErrEmptyIndex is returned by Query before Index has stored anything.
var ErrEmptyIndex = errors.New("index is empty")

// Report is the pairwise similarity of a batch of inputs.
type Report struct {
	Labels []string
	Matrix *mat.Dense
}

// ModelInfo describes the loaded encoder.
type ModelInfo struct {
	Name            string
	Dimension       int
	Hyperparameters *model.Hyperparameters
}

type EmbeddingServiceImpl struct {
	embedder domain.Embedder
	store    domain.VectorStore
	vocab    *vocab.Vocabulary
	workers  int
	indexed  atomic.Int64
}

// NewEmbeddingService wires an encoder to a vector store. vocab may be nil, in
// which case inputs without a label are named by position.
func NewEmbeddingService(embedder domain.Embedder, store domain.VectorStore, vocab *vocab.Vocabulary, workers int) *EmbeddingServiceImpl {
	if workers <= 0 {
		workers = 1
	}
	return &EmbeddingServiceImpl{embedder: embedder, store: store, vocab: vocab, workers: workers}
}

// OpenWeights picks a checkpoint reader from the file extension.
func OpenWeights(path string) (weights.Store, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".safetensors":
		return safetensors.Open(path)
	case ".bin", ".pt", ".pth":
		return torch.Open(path)
	default:
		return nil, fmt.Errorf("unsupported weights file %q", path)
	}
}

// LoadModel reads the checkpoint named by cfg and builds the encoder.
func LoadModel(cfg config.ModelConfig) (*model.Model, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("model path is not set (use %s or model.path)", config.EnvModelPath)
	}
	start := time.Now()
	store, err := OpenWeights(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	m, err := model.Load(store, model.Options{
		Prefix:     cfg.Prefix,
		NumLayers:  cfg.NumLayers,
		NumHeads:   cfg.NumHeads,
		MaxContext: cfg.MaxContext,
		Pooling:    model.PoolingMode(cfg.Pooling),
	})
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", cfg.Path, err)
	}
	slog.Info("model loaded", "path", cfg.Path, "tensors", len(store.Names()), "duration", time.Since(start))
	return m, nil
}

// LoadVocabulary reads the tokenizer table and checks it against the model's
// embedding table. An empty path returns nil.
func LoadVocabulary(path string, m *model.Model) (*vocab.Vocabulary, error) {
	if path == "" {
		return nil, nil
	}
	v, err := vocab.Load(path)
	if err != nil {
		return nil, err
	}
	if m != nil && v.Size() > m.Hyperparameters().VocabSize {
		return nil, fmt.Errorf("vocabulary has %d tokens but the model embeds %d", v.Size(), m.Hyperparameters().VocabSize)
	}
	return v, nil
}

// LoadInputs reads token sequences from a YAML or JSON file. The document is
// either a list of inputs or a mapping with an "inputs" list.
func LoadInputs(path string) ([]domain.Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file struct {
		Inputs []domain.Input `yaml:"inputs"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		if lerr := yaml.Unmarshal(data, &file.Inputs); lerr != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if len(file.Inputs) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoInputs)
	}
	return file.Inputs, nil
}

// Label names an input for display: its own label, else the decoded tokens,
// else its position.
func (s *EmbeddingServiceImpl) Label(in domain.Input, i int) string {
	if in.Label != "" {
		return in.Label
	}
	if s.vocab != nil {
		if text := s.vocab.Decode(in.TokenIDs); text != "" {
			return text
		}
	}
	return fmt.Sprintf("#%d", i)
}

// EmbedAll encodes every input concurrently. The result is in input order.
func (s *EmbeddingServiceImpl) EmbedAll(ctx context.Context, inputs []domain.Input) ([]domain.Embedding, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}
	start := time.Now()
	out := make([]domain.Embedding, len(inputs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, in := range inputs {
		i, in := i, in
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			label := s.Label(in, i)
			vec, err := s.embedder.Embed(in.TokenSequence)
			if err != nil {
				return fmt.Errorf("input %d (%s): %w", i, label, err)
			}
			out[i] = domain.Embedding{Label: label, Vector: vec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slog.Debug("embedded inputs", "count", len(inputs), "workers", s.workers, "duration", time.Since(start))
	return out, nil
}

// Similarity embeds inputs and returns their pairwise cosine similarities.
func (s *EmbeddingServiceImpl) Similarity(ctx context.Context, inputs []domain.Input) (*Report, error) {
	embs, err := s.EmbedAll(ctx, inputs)
	if err != nil {
		return nil, err
	}
	labels := make([]string, len(embs))
	vectors := make([][]float64, len(embs))
	for i, e := range embs {
		labels[i] = e.Label
		vectors[i] = e.Vector
	}
	m, err := similarity.Matrix(vectors)
	if err != nil {
		return nil, err
	}
	return &Report{Labels: labels, Matrix: m}, nil
}

// Index replaces the contents of the vector store with the embedded inputs.
func (s *EmbeddingServiceImpl) Index(ctx context.Context, inputs []domain.Input) error {
	embs, err := s.EmbedAll(ctx, inputs)
	if err != nil {
		return err
	}
	if err := s.store.Clear(); err != nil {
		return err
	}
	if err := s.store.Init(s.embedder.Dimension()); err != nil {
		return err
	}
	labels := make([]string, len(embs))
	vectors := make([][]float64, len(embs))
	for i, e := range embs {
		labels[i] = e.Label
		vectors[i] = e.Vector
	}
	if err := s.store.Upsert(labels, vectors); err != nil {
		return err
	}
	s.indexed.Store(int64(len(embs)))
	slog.Info("indexed inputs", "count", len(embs))
	return nil
}

// Query embeds seq and returns the topK most similar indexed inputs.
func (s *EmbeddingServiceImpl) Query(seq domain.TokenSequence, topK int) ([]domain.SearchResult, error) {
	if s.indexed.Load() == 0 {
		return nil, ErrEmptyIndex
	}
	vec, err := s.embedder.Embed(seq)
	if err != nil {
		return nil, err
	}
	return s.store.Search(vec, topK)
}

// Info describes the encoder.
func (s *EmbeddingServiceImpl) Info() ModelInfo {
	info := ModelInfo{Name: s.embedder.Name(), Dimension: s.embedder.Dimension()}
	if hp, ok := s.embedder.(interface{ Hyperparameters() model.Hyperparameters }); ok {
		h := hp.Hyperparameters()
		info.Hyperparameters = &h
	}
	return info
}
