// Package client embeds token sequences through a remote bertemb server.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"bertemb/internal/domain"
)

// Client is an HTTP embeddings client implementing domain.Embedder.
type Client struct {
	baseURL    string
	timeout    time.Duration
	dimension  atomic.Int64
	client     *http.Client
	maxRetries int
}

// Config configures the client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// StatusError is an error response from the server. Transient statuses
// (429, 502, 503, 504) are only returned once the retries are used up.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string
}

func (e StatusError) Error() string {
	if e.ErrorMessage != "" {
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	}
	return e.Status
}

// NewClient creates a new embeddings client using the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote URL is not set")
	}
	if !strings.Contains(cfg.BaseURL, "://") {
		cfg.BaseURL = "http://" + cfg.BaseURL
	}
	t := cfg.Timeout
	if t == 0 {
		t = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 5
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    t,
		client:     &http.Client{Timeout: t},
		maxRetries: retries,
	}, nil
}

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return "remote" }

// Dimension returns the dimensionality of the produced vectors. It is
// learned from the first response, or from Show.
func (c *Client) Dimension() int { return int(c.dimension.Load()) }

// Show fetches the remote model description and records its dimension.
func (c *Client) Show() (map[string]any, error) {
	var out map[string]any
	if err := c.do(http.MethodGet, "/api/show", nil, &out); err != nil {
		return nil, err
	}
	if d, ok := out["dimension"].(float64); ok {
		c.dimension.Store(int64(d))
	}
	return out, nil
}

// Embed returns the embedding vector for seq.
func (c *Client) Embed(seq domain.TokenSequence) ([]float64, error) {
	body := map[string]any{"inputs": []domain.Input{{TokenSequence: seq}}}
	var out struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := c.do(http.MethodPost, "/api/embed", body, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, errors.New("no embedding returned")
	}
	v := out.Embeddings[0]
	c.dimension.CompareAndSwap(0, int64(len(v)))
	return v, nil
}

func (c *Client) do(method, path string, body, out any) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return err
		}
	}
	url := c.baseURL + path
	for attempt := 0; ; attempt++ {
		var rd io.Reader
		if data != nil {
			rd = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, url, rd)
		if err != nil {
			return err
		}
		if data != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				time.Sleep(retryDelay(attempt))
				continue
			}
			return err
		}

		if retryable(resp.StatusCode) {
			delay := retryDelay(attempt)
			// Respect Retry-After if provided
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
				delay = time.Duration(secs) * time.Second
			}
			serr := statusError(resp)
			if attempt < c.maxRetries {
				time.Sleep(delay)
				continue
			}
			return serr
		}
		if resp.StatusCode >= 300 {
			return statusError(resp)
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		_ = resp.Body.Close()
		return err
	}
}

// statusError reads the {"error": ...} body and closes it.
func statusError(resp *http.Response) StatusError {
	defer resp.Body.Close()
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return StatusError{StatusCode: resp.StatusCode, Status: resp.Status, ErrorMessage: body.Error}
}

func retryable(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 200 * time.Millisecond
	// exponential backoff capped at 5s
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}
