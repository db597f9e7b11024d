package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Model.NumLayers)
	assert.Equal(t, 12, cfg.Model.NumHeads)
	assert.Equal(t, 1024, cfg.Model.MaxContext)
	assert.Equal(t, "mean", cfg.Model.Pooling)
	assert.Equal(t, "memory", cfg.VectorStore.Type)
	assert.Positive(t, cfg.Runtime.Workers)
}

func TestLoadAndSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  path: /models/minilm/pytorch_model.bin
  num_heads: 4
  pooling: pooler
runtime:
  workers: 2
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/models/minilm/pytorch_model.bin", cfg.Model.Path)
	assert.Equal(t, 4, cfg.Model.NumHeads)
	assert.Equal(t, 6, cfg.Model.NumLayers, "unset fields take defaults")
	assert.Equal(t, "pooler", cfg.Model.Pooling)
	assert.Equal(t, 2, cfg.Runtime.Workers)

	out := filepath.Join(t.TempDir(), "a", "b", "config.yaml")
	require.NoError(t, Save(out, cfg))
	again, err := Load(out)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)

	require.NoError(t, os.WriteFile(path, []byte("model: [not a map"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvModelPath, `"/env/model.safetensors"`)
	t.Setenv(EnvTokenizerPath, " /env/tokenizer.json ")
	t.Setenv(EnvHost, "0.0.0.0:9000")
	t.Setenv(EnvWorkers, "3")
	t.Setenv(EnvPooling, "pooler")
	t.Setenv(EnvRemote, "localhost:11435")
	t.Setenv(EnvOrigins, "https://example.com,app://*")

	cfg := defaultConfig()
	ApplyEnv(cfg)
	assert.Equal(t, "/env/model.safetensors", cfg.Model.Path)
	assert.Equal(t, "/env/tokenizer.json", cfg.Model.TokenizerPath)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Host)
	assert.Equal(t, 3, cfg.Runtime.Workers)
	assert.Equal(t, "pooler", cfg.Model.Pooling)
	assert.Equal(t, "localhost:11435", cfg.Remote.URL)
	assert.Equal(t, []string{"https://example.com", "app://*"}, cfg.Server.Origins)

	t.Setenv(EnvWorkers, "many")
	ApplyEnv(cfg)
	assert.Equal(t, 3, cfg.Runtime.Workers)
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"false": slog.LevelInfo,
		"1":     slog.LevelDebug,
		"true":  slog.LevelDebug,
		"2":     slog.Level(-8),
	}
	for value, want := range cases {
		t.Run(value, func(t *testing.T) {
			t.Setenv(EnvDebug, value)
			assert.Equal(t, want, LogLevel())
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	origins := ServerConfig{Origins: []string{"https://example.com"}}.AllowedOrigins()
	assert.Equal(t, "https://example.com", origins[0])
	assert.Contains(t, origins, "http://localhost:*")
	assert.Contains(t, origins, "https://127.0.0.1")
	assert.Len(t, origins, 13)

	assert.Len(t, ServerConfig{}.AllowedOrigins(), 12)
}
