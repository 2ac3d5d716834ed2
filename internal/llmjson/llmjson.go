// Package llmjson extracts JSON objects from free-form model output.
package llmjson

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoObject is reported when the response contains no {...} span.
var ErrNoObject = errors.New("no JSON object in response")

// Result is a tagged parse result. When Malformed is true Value is the zero
// value and Err says why; callers substitute their own defaults.
type Result[T any] struct {
	Value     T
	Malformed bool
	Err       error
}

// Parse decodes the first JSON object in resp into T. Models often wrap the
// object in markdown code fences or surround it with prose, so the parser:
//  1. strips a ```json ... ``` fence if present
//  2. takes the span from the first { to the last }
//  3. unmarshals that span
func Parse[T any](resp string) Result[T] {
	obj, err := Extract(resp)
	if err != nil {
		return Result[T]{Malformed: true, Err: err}
	}

	var v T
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return Result[T]{Malformed: true, Err: fmt.Errorf("decoding JSON object: %w", err)}
	}
	return Result[T]{Value: v}
}

// Extract returns the candidate JSON object text inside resp.
func Extract(resp string) (string, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", ErrNoObject
	}
	return s[start : end+1], nil
}
