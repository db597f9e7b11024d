package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// ModelConfig locates the checkpoint and declares the hyperparameters that
// are not stored in it.
type ModelConfig struct {
	Path          string `yaml:"path"`
	TokenizerPath string `yaml:"tokenizer_path,omitempty"`
	Prefix        string `yaml:"prefix,omitempty"`
	NumLayers     int    `yaml:"num_layers"`
	NumHeads      int    `yaml:"num_heads"`
	MaxContext    int    `yaml:"max_context"`
	Pooling       string `yaml:"pooling"`
}

// RuntimeConfig bounds the work done in parallel.
type RuntimeConfig struct {
	Workers int `yaml:"workers"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host    string   `yaml:"host"`
	Origins []string `yaml:"origins,omitempty"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type   string        `yaml:"type"`
	TopK   int           `yaml:"top_k"`
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig configures the Qdrant REST store.
type QdrantConfig struct {
	URL         string `yaml:"url"`
	APIKey      string `yaml:"api_key,omitempty"`
	Collection  string `yaml:"collection"`
	TimeoutSecs int    `yaml:"timeout_secs,omitempty"`
}

// RemoteConfig points the commands at a running bertemb server instead of a
// local checkpoint.
type RemoteConfig struct {
	URL         string `yaml:"url,omitempty"`
	TimeoutSecs int    `yaml:"timeout_secs,omitempty"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Model       ModelConfig       `yaml:"model"`
	Remote      RemoteConfig      `yaml:"remote,omitempty"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Server      ServerConfig      `yaml:"server"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := defaultConfig()
			return cfg, nil
		}
		return nil, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/bertemb/config.yaml.
// If neither exists, it writes defaults to ~/.config/bertemb/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "bertemb", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	cfg := &AppConfig{}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Model.NumLayers == 0 {
		cfg.Model.NumLayers = 6
	}
	if cfg.Model.NumHeads == 0 {
		cfg.Model.NumHeads = 12
	}
	if cfg.Model.MaxContext == 0 {
		cfg.Model.MaxContext = 1024
	}
	if cfg.Model.Pooling == "" {
		cfg.Model.Pooling = "mean"
	}
	if cfg.Runtime.Workers <= 0 {
		cfg.Runtime.Workers = runtime.NumCPU()
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1:11435"
	}
	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "memory"
	}
	if cfg.VectorStore.TopK == 0 {
		cfg.VectorStore.TopK = 5
	}
}
