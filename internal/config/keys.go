package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "inference.base_url", typ: kString, env: "LLMQ_INFERENCE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Inference.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.BaseURL },
	},
	{
		key: "inference.api_key", typ: kString, env: "LLMQ_INFERENCE_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Inference.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.APIKey },
	},
	{
		key: "inference.default_model", typ: kString, env: "LLMQ_INFERENCE_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Inference.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Inference.DefaultModel },
	},
	{
		key: "queue.backend", typ: kString, env: "LLMQ_QUEUE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Queue.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Queue.Backend },
	},
	{
		key: "queue.default_timeout", typ: kDuration, env: "LLMQ_QUEUE_DEFAULT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Queue.DefaultTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.DefaultTimeout },
	},
	{
		key: "queue.retention", typ: kDuration, env: "LLMQ_QUEUE_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Queue.Retention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.Retention },
	},
	{
		key: "queue.keep_finished", typ: kInt, env: "LLMQ_QUEUE_KEEP_FINISHED",
		apply:   func(cfg *Config, v any) { cfg.Queue.KeepFinished = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.KeepFinished },
	},
	{
		key: "queue.poll_interval", typ: kDuration, env: "LLMQ_QUEUE_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.PollInterval },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LLMQ_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "redis.url", typ: kString, env: "LLMQ_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Redis.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.URL },
	},
	{
		key: "search.vault", typ: kString, env: "LLMQ_SEARCH_VAULT",
		apply:   func(cfg *Config, v any) { cfg.Search.Vault = v.(string) },
		extract: func(cfg Config) any { return cfg.Search.Vault },
	},
	{
		key: "search.max_depth", typ: kInt, env: "LLMQ_SEARCH_MAX_DEPTH",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxDepth = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxDepth },
	},
	{
		key: "search.max_results", typ: kInt, env: "LLMQ_SEARCH_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Search.MaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.MaxResults },
	},
	{
		key: "search.timeout", typ: kDuration, env: "LLMQ_SEARCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Search.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Search.Timeout },
	},
	{
		key: "search.priority", typ: kInt, env: "LLMQ_SEARCH_PRIORITY",
		apply:   func(cfg *Config, v any) { cfg.Search.Priority = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.Priority },
	},
	{
		key: "summary.note_sentences", typ: kInt, env: "LLMQ_SUMMARY_NOTE_SENTENCES",
		apply:   func(cfg *Config, v any) { cfg.Summary.NoteSentences = v.(int) },
		extract: func(cfg Config) any { return cfg.Summary.NoteSentences },
	},
	{
		key: "summary.folder_sentences", typ: kInt, env: "LLMQ_SUMMARY_FOLDER_SENTENCES",
		apply:   func(cfg *Config, v any) { cfg.Summary.FolderSentences = v.(int) },
		extract: func(cfg Config) any { return cfg.Summary.FolderSentences },
	},
	{
		key: "summary.root_sentences", typ: kInt, env: "LLMQ_SUMMARY_ROOT_SENTENCES",
		apply:   func(cfg *Config, v any) { cfg.Summary.RootSentences = v.(int) },
		extract: func(cfg Config) any { return cfg.Summary.RootSentences },
	},
	{
		key: "server.port", typ: kInt, env: "LLMQ_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "LLMQ_SERVER_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "LLMQ_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "LLMQ_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
}

// parse converts raw text to the key's type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if parsed, err := s.parse(v); err == nil {
					s.apply(cfg, parsed)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
