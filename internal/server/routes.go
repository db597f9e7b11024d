// Package server exposes the encoder over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"bertemb/internal/domain"
	"bertemb/internal/model"
	"bertemb/internal/service"
)

// Service is the part of the embedding service the HTTP API needs.
type Service interface {
	EmbedAll(ctx context.Context, inputs []domain.Input) ([]domain.Embedding, error)
	Similarity(ctx context.Context, inputs []domain.Input) (*service.Report, error)
	Info() service.ModelInfo
}

type Server struct {
	svc     Service
	origins []string
}

// New serves svc to browsers from origins, which may contain one "*"
// wildcard each.
func New(svc Service, origins []string) *Server {
	return &Server{svc: svc, origins: origins}
}

func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowBrowserExtensions = true
	corsConfig.AllowHeaders = []string{
		"Authorization",
		"Content-Type",
		"User-Agent",
		"Accept",
		"X-Requested-With",
	}
	corsConfig.AllowOrigins = s.origins
	if len(s.origins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost", "http://localhost:*"}
	}

	r := gin.Default()
	r.HandleMethodNotAllowed = true
	r.Use(cors.New(corsConfig))

	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "bertemb is running") })
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "bertemb is running") })

	r.GET("/api/show", s.ShowHandler)
	r.POST("/api/embed", s.EmbedHandler)
	r.POST("/api/similarity", s.SimilarityHandler)
	return r
}

// Serve handles requests on ln until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srvr := &http.Server{Handler: s.GenerateRoutes()}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srvr.Shutdown(shutdownCtx); err != nil {
			slog.Warn("server shutdown", "error", err)
		}
	}()

	slog.Info("listening", "addr", ln.Addr().String())
	err := srvr.Serve(ln)
	cancel()
	<-done
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ShowHandler(c *gin.Context) {
	info := s.svc.Info()
	resp := ShowResponse{Model: info.Name, Dimension: info.Dimension}
	if hp := info.Hyperparameters; hp != nil {
		resp.NumLayers = hp.NumLayers
		resp.NumHeads = hp.NumHeads
		resp.HeadDim = hp.HeadDim()
		resp.MaxContext = hp.MaxContext
		resp.VocabSize = hp.VocabSize
		resp.Pooling = string(hp.Pooling)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) EmbedHandler(c *gin.Context) {
	start := time.Now()
	req, ok := bindEmbedRequest(c)
	if !ok {
		return
	}

	embs, err := s.svc.EmbedAll(c.Request.Context(), req.Inputs)
	if err != nil {
		abortWithError(c, err)
		return
	}

	resp := EmbedResponse{
		Model:         s.svc.Info().Name,
		Labels:        make([]string, len(embs)),
		Embeddings:    make([][]float64, len(embs)),
		TotalDuration: time.Since(start),
	}
	for i, e := range embs {
		resp.Labels[i] = e.Label
		resp.Embeddings[i] = e.Vector
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) SimilarityHandler(c *gin.Context) {
	start := time.Now()
	req, ok := bindEmbedRequest(c)
	if !ok {
		return
	}

	report, err := s.svc.Similarity(c.Request.Context(), req.Inputs)
	if err != nil {
		abortWithError(c, err)
		return
	}

	n, _ := report.Matrix.Dims()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = report.Matrix.RawRowView(i)
	}
	c.JSON(http.StatusOK, SimilarityResponse{
		Labels:        report.Labels,
		Similarity:    rows,
		TotalDuration: time.Since(start),
	})
}

func bindEmbedRequest(c *gin.Context) (EmbedRequest, bool) {
	var req EmbedRequest
	err := c.ShouldBindJSON(&req)
	switch {
	case errors.Is(err, io.EOF):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return req, false
	case err != nil:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, false
	case len(req.Inputs) == 0:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "inputs are required"})
		return req, false
	}
	return req, true
}

func abortWithError(c *gin.Context, err error) {
	var invalid *model.InvalidInputError
	status := http.StatusInternalServerError
	if errors.As(err, &invalid) || errors.Is(err, service.ErrNoInputs) {
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": strings.TrimSpace(err.Error())})
}
