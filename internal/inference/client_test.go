package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestComplete_SendsSingleUserMessage(t *testing.T) {
	var got ChatRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	text, err := c.Complete(context.Background(), "say hi", "gpt-oss:20b")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "Hello!" {
		t.Errorf("text = %q, want %q", text, "Hello!")
	}
	if got.Model != "gpt-oss:20b" {
		t.Errorf("model = %q", got.Model)
	}
	if got.Stream {
		t.Error("stream = true, want false")
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "say hi" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestComplete_AuthHeader(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"with key", "secret", "Bearer secret"},
		{"without key", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAuth string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotAuth = r.Header.Get("Authorization")
				fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
			}))
			defer srv.Close()

			if _, err := NewClient(srv.URL, tt.key).Complete(context.Background(), "p", "m"); err != nil {
				t.Fatalf("Complete: %v", err)
			}
			if gotAuth != tt.want {
				t.Errorf("Authorization = %q, want %q", gotAuth, tt.want)
			}
		})
	}
}

func TestComplete_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"c1","choices":[]}`)
	}))
	defer srv.Close()

	text, err := NewClient(srv.URL, "").Complete(context.Background(), "p", "m")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "" {
		t.Errorf("text = %q, want empty", text)
	}
}

func TestComplete_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"unknown model"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Complete(context.Background(), "p", "nope")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if se.Code != http.StatusBadRequest {
		t.Errorf("Code = %d, want 400", se.Code)
	}
	if !se.Permanent() {
		t.Error("400 should be permanent")
	}
}

func TestStatusError_Permanent(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{400, true},
		{404, true},
		{408, false},
		{429, false},
		{500, false},
		{503, false},
	}
	for _, tt := range tests {
		if got := (&StatusError{Code: tt.code}).Permanent(); got != tt.want {
			t.Errorf("Permanent(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestComplete_RateLimitRetry(t *testing.T) {
	var attempt atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempt.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"after retry"}}]}`)
	}))
	defer srv.Close()

	text, err := NewClient(srv.URL, "").Complete(context.Background(), "p", "m")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text != "after retry" {
		t.Errorf("text = %q", text)
	}
	if n := attempt.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestComplete_HonorsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := NewClient(srv.URL, "").Complete(ctx, "p", "m")
	if err == nil {
		t.Fatal("expected error after deadline")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Complete took %v after a 50ms deadline", elapsed)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-oss:20b","object":"model"},{"id":"llama3","object":"model"}]}`)
	}))
	defer srv.Close()

	models, err := NewClient(srv.URL, "").ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0].ID != "gpt-oss:20b" {
		t.Errorf("models = %+v", models)
	}
}
