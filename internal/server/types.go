package server

import (
	"time"

	"bertemb/internal/domain"
)

// EmbedRequest is the body of POST /api/embed and POST /api/similarity.
type EmbedRequest struct {
	// Inputs are token id sequences, optionally labelled.
	Inputs []domain.Input `json:"inputs"`
}

// EmbedResponse holds one unit-norm vector per input, in request order.
type EmbedResponse struct {
	Model      string      `json:"model"`
	Labels     []string    `json:"labels"`
	Embeddings [][]float64 `json:"embeddings"`

	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

// SimilarityResponse holds the pairwise cosine similarity matrix.
type SimilarityResponse struct {
	Labels     []string    `json:"labels"`
	Similarity [][]float64 `json:"similarity"`

	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

// ShowResponse describes the loaded model.
type ShowResponse struct {
	Model      string `json:"model"`
	Dimension  int    `json:"dimension"`
	NumLayers  int    `json:"num_layers,omitempty"`
	NumHeads   int    `json:"num_heads,omitempty"`
	HeadDim    int    `json:"head_dim,omitempty"`
	MaxContext int    `json:"max_context,omitempty"`
	VocabSize  int    `json:"vocab_size,omitempty"`
	Pooling    string `json:"pooling,omitempty"`
}
