package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	strings map[string]string
	ints    map[string]int
}

func newMemBackend() *memBackend {
	return &memBackend{strings: map[string]string{}, ints: map[string]int{}}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *memBackend) SetString(key, val string) error  { m.strings[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error { m.ints[key] = val; return nil }
func (m *memBackend) Delete(key string) error {
	delete(m.strings, key)
	delete(m.ints, key)
	return nil
}

// clearEnv blanks every LLMQ_* variable for the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

// TestDefaults verifies all default values are applied with an empty backend.
func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Inference.BaseURL != "http://localhost:4000" {
		t.Errorf("Inference.BaseURL = %q", cfg.Inference.BaseURL)
	}
	if cfg.Inference.DefaultModel != "gpt-oss:20b" {
		t.Errorf("Inference.DefaultModel = %q", cfg.Inference.DefaultModel)
	}
	if cfg.Queue.Backend != BackendSQLite {
		t.Errorf("Queue.Backend = %q", cfg.Queue.Backend)
	}
	if cfg.Queue.DefaultTimeout != 20*time.Minute {
		t.Errorf("Queue.DefaultTimeout = %v, want 20m", cfg.Queue.DefaultTimeout)
	}
	if cfg.Search.MaxDepth != 6 || cfg.Search.MaxResults != 10 || cfg.Search.Timeout != time.Minute || cfg.Search.Priority != 2 {
		t.Errorf("Search = %+v", cfg.Search)
	}
	if cfg.Summary.NoteSentences != 2 || cfg.Summary.FolderSentences != 3 || cfg.Summary.RootSentences != 5 {
		t.Errorf("Summary = %+v", cfg.Summary)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}
}

// TestBackendValues verifies values from the backend override defaults.
func TestBackendValues(t *testing.T) {
	clearEnv(t)

	b := newMemBackend()
	b.strings["inference.base_url"] = "http://litellm:4000"
	b.strings["queue.backend"] = "redis"
	b.strings["queue.default_timeout"] = "90s"
	b.ints["search.max_depth"] = 3
	b.ints["server.port"] = 9000

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Inference.BaseURL != "http://litellm:4000" {
		t.Errorf("Inference.BaseURL = %q", cfg.Inference.BaseURL)
	}
	if cfg.Queue.Backend != BackendRedis {
		t.Errorf("Queue.Backend = %q", cfg.Queue.Backend)
	}
	if cfg.Queue.DefaultTimeout != 90*time.Second {
		t.Errorf("Queue.DefaultTimeout = %v", cfg.Queue.DefaultTimeout)
	}
	if cfg.Search.MaxDepth != 3 {
		t.Errorf("Search.MaxDepth = %d", cfg.Search.MaxDepth)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
}

// TestEnvOverride verifies that environment variables override backend values.
func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.strings["inference.default_model"] = "file-model"
	b.ints["summary.note_sentences"] = 4

	t.Setenv("LLMQ_INFERENCE_DEFAULT_MODEL", "env-model")
	t.Setenv("LLMQ_SUMMARY_NOTE_SENTENCES", "1")
	t.Setenv("LLMQ_QUEUE_POLL_INTERVAL", "250ms")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Inference.DefaultModel != "env-model" {
		t.Errorf("DefaultModel = %q, want env-model", cfg.Inference.DefaultModel)
	}
	if cfg.Summary.NoteSentences != 1 {
		t.Errorf("NoteSentences = %d, want 1", cfg.Summary.NoteSentences)
	}
	if cfg.Queue.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Queue.PollInterval)
	}
}

// TestSecretsFromEnvOnly verifies secrets in the backend are ignored.
func TestSecretsFromEnvOnly(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.strings["inference.api_key"] = "from-file"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Inference.APIKey != "" {
		t.Errorf("APIKey = %q, secrets must not be read from the file", cfg.Inference.APIKey)
	}

	t.Setenv("LLMQ_INFERENCE_API_KEY", "sk-env")
	t.Setenv("LLMQ_SERVER_TOKEN", "tok")
	cfg, err = loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Inference.APIKey != "sk-env" || cfg.Server.Token != "tok" {
		t.Errorf("secrets = %q %q", cfg.Inference.APIKey, cfg.Server.Token)
	}
}

// TestBadEnvKeepsDefault verifies unparseable env values fall back.
func TestBadEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLMQ_SEARCH_MAX_RESULTS", "lots")
	t.Setenv("LLMQ_SEARCH_TIMEOUT", "soon")

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Search.MaxResults != 10 || cfg.Search.Timeout != time.Minute {
		t.Errorf("Search = %+v", cfg.Search)
	}
}

func TestInvalidBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLMQ_QUEUE_BACKEND", "kafka")

	_, err := loadWith(newMemBackend())
	if err == nil || !strings.Contains(err.Error(), "queue.backend") {
		t.Fatalf("err = %v, want a queue.backend error", err)
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend()

	if err := setKey(b, "search.max_depth", "4"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if b.ints["search.max_depth"] != 4 {
		t.Errorf("stored = %v", b.ints)
	}
	if err := setKey(b, "queue.default_timeout", "5m"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if b.strings["queue.default_timeout"] != "5m" {
		t.Errorf("stored = %v", b.strings)
	}

	tests := []struct {
		key, value, want string
	}{
		{"search.max_depth", "deep", "invalid value"},
		{"queue.retention", "forever", "invalid value"},
		{"inference.api_key", "sk", "cannot set secret"},
		{"no.such.key", "x", "unknown config key"},
	}
	for _, tt := range tests {
		err := setKey(b, tt.key, tt.value)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("setKey(%s, %s) = %v, want %q", tt.key, tt.value, err, tt.want)
		}
	}
}

func TestSetKey_EmptyRestoresDefault(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	if err := setKey(b, "search.max_depth", "2"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "search.max_depth", ""); err != nil {
		t.Fatalf("setKey reset: %v", err)
	}

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Search.MaxDepth != 6 {
		t.Errorf("MaxDepth = %d, want default 6", cfg.Search.MaxDepth)
	}
}

func TestShowAllMarksEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LLMQ_LOG_LEVEL", "debug")

	for _, info := range ShowAll(defaults()) {
		if got, want := info.FromEnv, info.Key == "log.level"; got != want {
			t.Errorf("%s FromEnv = %v, want %v", info.Key, got, want)
		}
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.Inference.APIKey = "sk-secret"

	for _, info := range ShowAll(cfg) {
		if info.Key == "inference.api_key" || info.Key == "server.token" || info.Value == "sk-secret" {
			t.Errorf("secret leaked: %+v", info)
		}
	}
	if len(ShowAll(cfg)) != len(ValidKeys()) {
		t.Errorf("ShowAll and ValidKeys disagree")
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llmq", "config.json")

	b := newFileBackend(path)
	if err := setKey(b, "search.max_results", "25"); err != nil {
		t.Fatalf("setKey: %v", err)
	}
	if err := setKey(b, "redis.url", "redis://cache:6379/1"); err != nil {
		t.Fatalf("setKey: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	clearEnv(t)
	cfg, err := loadWith(newFileBackend(path))
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Search.MaxResults != 25 || cfg.Redis.URL != "redis://cache:6379/1" {
		t.Errorf("cfg = %+v %+v", cfg.Search, cfg.Redis)
	}
}

func TestFilePathHonorsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got, want := FilePath(), filepath.Join("/tmp/xdg", "llmq", "config.json"); got != want {
		t.Errorf("FilePath = %q, want %q", got, want)
	}
}
