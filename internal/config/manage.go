package config

import (
	"fmt"
	"os"
)

// KeyInfo describes a config key for display purposes. FromEnv is set when
// an LLMQ_* variable currently overrides the file value.
type KeyInfo struct {
	Key     string
	EnvVar  string
	Value   string
	FromEnv bool
}

// ShowAll returns all non-secret config key/value pairs from cfg.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		if s.secret {
			continue
		}
		result = append(result, KeyInfo{
			Key:     s.key,
			EnvVar:  s.env,
			Value:   fmt.Sprintf("%v", s.extract(cfg)),
			FromEnv: os.Getenv(s.env) != "",
		})
	}
	return result
}

// SetKey validates value against the key's type and writes it to the
// config file. An empty value removes the key, restoring its default.
func SetKey(key, value string) error {
	return setKey(newFileBackend(FilePath()), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookupSpec(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use environment variable %s", key, s.env)
	}
	if value == "" {
		return b.Delete(key)
	}

	v, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	if i, ok := v.(int); ok {
		return b.SetInt(key, i)
	}
	return b.SetString(key, value)
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
