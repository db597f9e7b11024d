package domain

// TokenSequence is one tokenized input. SegmentIDs tags each token with the
// span it belongs to; a nil slice means every token is in segment 0.
type TokenSequence struct {
	TokenIDs   []int `json:"token_ids" yaml:"token_ids"`
	SegmentIDs []int `json:"segment_ids,omitempty" yaml:"segment_ids,omitempty"`
}

// Input is a token sequence with a human-readable label.
type Input struct {
	Label         string `json:"label,omitempty" yaml:"label,omitempty"`
	TokenSequence `yaml:",inline"`
}

// Embedding is the unit-norm vector computed for an input.
type Embedding struct {
	Label  string
	Vector []float64
}

// SearchResult represents a stored input with its similarity to a query.
type SearchResult struct {
	Label string
	Index int
	Score float64
}

// Embedder converts a token sequence into a unit-norm vector.
type Embedder interface {
	Name() string
	Dimension() int
	Embed(seq TokenSequence) ([]float64, error)
}

// VectorStore persists vectors and supports similarity search.
type VectorStore interface {
	Init(dimension int) error
	Upsert(labels []string, vectors [][]float64) error
	Search(vector []float64, topK int) ([]SearchResult, error)
	Clear() error
}
