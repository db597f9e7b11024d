package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
)

// Environment variables recognised by ApplyEnv and LogLevel.
const (
	EnvModelPath     = "BERT_EMB_MODEL_PATH"
	EnvTokenizerPath = "BERT_EMB_TOKENIZER_PATH"
	EnvHost          = "BERT_EMB_HOST"
	EnvRemote        = "BERT_EMB_REMOTE"
	EnvOrigins       = "BERT_EMB_ORIGINS"
	EnvWorkers       = "BERT_EMB_WORKERS"
	EnvPooling       = "BERT_EMB_POOLING"
	EnvDebug         = "BERT_EMB_DEBUG"
)

// Var returns an environment variable with surrounding whitespace and quotes
// removed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// ApplyEnv overrides file settings with any environment variables that are set.
func ApplyEnv(cfg *AppConfig) {
	if s := Var(EnvModelPath); s != "" {
		cfg.Model.Path = s
	}
	if s := Var(EnvTokenizerPath); s != "" {
		cfg.Model.TokenizerPath = s
	}
	if s := Var(EnvHost); s != "" {
		cfg.Server.Host = s
	}
	if s := Var(EnvOrigins); s != "" {
		cfg.Server.Origins = append(cfg.Server.Origins, strings.Split(s, ",")...)
	}
	if s := Var(EnvRemote); s != "" {
		cfg.Remote.URL = s
	}
	if s := Var(EnvPooling); s != "" {
		cfg.Model.Pooling = s
	}
	if s := Var(EnvWorkers); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Runtime.Workers = n
		} else {
			slog.Warn("invalid worker count, keeping configured value", "value", s, "workers", cfg.Runtime.Workers)
		}
	}
}

// LogLevel returns the log level selected by BERT_EMB_DEBUG.
// Values: 0/false = INFO (default), 1/true = DEBUG.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var(EnvDebug); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

// AllowedOrigins returns the configured CORS origins followed by localhost on
// any port.
func (c ServerConfig) AllowedOrigins() []string {
	origins := append([]string(nil), c.Origins...)
	for _, origin := range []string{"localhost", "127.0.0.1", "0.0.0.0"} {
		origins = append(origins,
			fmt.Sprintf("http://%s", origin),
			fmt.Sprintf("https://%s", origin),
			fmt.Sprintf("http://%s", net.JoinHostPort(origin, "*")),
			fmt.Sprintf("https://%s", net.JoinHostPort(origin, "*")),
		)
	}
	return origins
}
