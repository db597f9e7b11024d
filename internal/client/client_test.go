package client_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bertemb/internal/client"
	"bertemb/internal/domain"
	"bertemb/internal/model"
	"bertemb/internal/model/modeltest"
	"bertemb/internal/server"
	"bertemb/internal/service"
	"bertemb/internal/vectorstore/memory"
)

var _ domain.Embedder = (*client.Client)(nil)

func TestEmbedMatchesLocalModel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := modeltest.Load(t, modeltest.Tiny, 2, model.PoolingMean)
	srv := httptest.NewServer(server.New(service.NewEmbeddingService(m, memory.NewStorage(), nil, 1), nil).GenerateRoutes())
	t.Cleanup(srv.Close)

	c, err := client.NewClient(client.Config{BaseURL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 0, c.Dimension())

	info, err := c.Show()
	require.NoError(t, err)
	assert.Equal(t, "bert", info["model"])
	assert.Equal(t, 4, c.Dimension())

	seq := domain.TokenSequence{TokenIDs: []int{1, 2, 3}, SegmentIDs: []int{0, 1, 1}}
	got, err := c.Embed(seq)
	require.NoError(t, err)
	want, err := m.Embed(seq)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-12)

	_, err = c.Embed(domain.TokenSequence{TokenIDs: []int{42}})
	var serr client.StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusBadRequest, serr.StatusCode)
	assert.Contains(t, serr.ErrorMessage, "invalid input")
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"embeddings": [[0.6, 0.8]]}`))
	}))
	t.Cleanup(srv.Close)

	c, err := client.NewClient(client.Config{BaseURL: srv.URL, MaxRetries: 2})
	require.NoError(t, err)
	v, err := c.Embed(domain.TokenSequence{TokenIDs: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.6, 0.8}, v)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 2, c.Dimension())
}

func TestGivesUp(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": "overloaded"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := client.NewClient(client.Config{BaseURL: srv.URL, MaxRetries: 1})
	require.NoError(t, err)
	_, err = c.Embed(domain.TokenSequence{TokenIDs: []int{1}})
	var serr client.StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusServiceUnavailable, serr.StatusCode)
	assert.Equal(t, "overloaded", serr.ErrorMessage)
	assert.EqualValues(t, 2, calls.Load())

	_, err = client.NewClient(client.Config{})
	assert.Error(t, err)
}

func TestDoesNotRetryInternalErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": "shape mismatch in linear"}`))
	}))
	t.Cleanup(srv.Close)

	c, err := client.NewClient(client.Config{BaseURL: srv.URL, MaxRetries: 3})
	require.NoError(t, err)
	_, err = c.Embed(domain.TokenSequence{TokenIDs: []int{1}})
	var serr client.StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusInternalServerError, serr.StatusCode)
	assert.Equal(t, "shape mismatch in linear", serr.ErrorMessage)
	assert.EqualValues(t, 1, calls.Load())
}
