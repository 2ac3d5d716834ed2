package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Queue backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Config struct {
	Inference InferenceConfig
	Queue     QueueConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Search    SearchConfig
	Summary   SummaryConfig
	Server    ServerConfig
	Log       LogConfig
}

type InferenceConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
}

type QueueConfig struct {
	Backend        string
	DefaultTimeout time.Duration
	Retention      time.Duration
	KeepFinished   int
	PollInterval   time.Duration
}

type StorageConfig struct {
	DataDir string
}

// DBPath is the SQLite job database inside DataDir.
func (s StorageConfig) DBPath() string {
	return filepath.Join(s.DataDir, "llmq.db")
}

type RedisConfig struct {
	URL string
}

type SearchConfig struct {
	Vault      string
	MaxDepth   int
	MaxResults int
	Timeout    time.Duration
	Priority   int
}

type SummaryConfig struct {
	NoteSentences   int
	FolderSentences int
	RootSentences   int
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
	File  string
}

func defaults() Config {
	return Config{
		Inference: InferenceConfig{
			BaseURL:      "http://localhost:4000",
			DefaultModel: "gpt-oss:20b",
		},
		Queue: QueueConfig{
			Backend:        BackendSQLite,
			DefaultTimeout: 20 * time.Minute,
			Retention:      10 * time.Minute,
			KeepFinished:   1000,
			PollInterval:   time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Search: SearchConfig{
			MaxDepth:   6,
			MaxResults: 10,
			Timeout:    60 * time.Second,
			Priority:   2,
		},
		Summary: SummaryConfig{
			NoteSentences:   2,
			FolderSentences: 3,
			RootSentences:   5,
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration in layers: defaults, then the JSON file at
// FilePath, then LLMQ_* environment variables. A .env file in the working
// directory is loaded into the environment first; variables already set
// win over it. Secrets (the inference API key and the server token) come
// from the environment only.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	return loadWith(newFileBackend(FilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Queue.Backend {
	case BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("invalid config: queue.backend must be %q or %q, got %q", BackendSQLite, BackendRedis, c.Queue.Backend)
	}
	if c.Inference.BaseURL == "" {
		return fmt.Errorf("invalid config: inference.base_url is empty")
	}
	if c.Search.MaxDepth < 0 {
		return fmt.Errorf("invalid config: search.max_depth must not be negative")
	}
	return nil
}
