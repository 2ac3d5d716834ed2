// Package api exposes the job queue over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/llmq/internal/queue"
	"github.com/kalambet/llmq/internal/storage"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	previewRunes       = 200

	// DefaultPriority applies to jobs submitted without one.
	DefaultPriority = 1
)

// JobService is the queue surface the API reads and writes.
type JobService interface {
	Enqueue(ctx context.Context, req queue.Request) (string, error)
	Job(id string) (storage.Job, error)
	Jobs(status string, limit int) ([]storage.Job, error)
	Stats() (map[string]int, error)
}

// Deps holds the HTTP API dependencies. An empty Token disables auth.
type Deps struct {
	Jobs         JobService
	Token        string
	DefaultModel string
	Logger       *slog.Logger
}

// NewHandler returns the queue API router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Get("/jobs", handleListJobs(deps))
		r.Post("/jobs", handleSubmitJob(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

// SubmitRequest is the POST /jobs body.
type SubmitRequest struct {
	Name        string `json:"name"`
	Source      string `json:"source"`
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	Priority    *int   `json:"priority"`
	TimeoutMs   int64  `json:"timeout_ms"`
	MaxAttempts int    `json:"max_attempts"`
}

// JobView is the JSON form of a job. Listings carry a prompt preview, the
// single-job endpoint the full prompt.
type JobView struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Source        string `json:"source,omitempty"`
	Model         string `json:"model"`
	Priority      int    `json:"priority"`
	TimeoutMs     int64  `json:"timeout_ms,omitempty"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	MaxAttempts   int    `json:"max_attempts"`
	Prompt        string `json:"prompt,omitempty"`
	PromptPreview string `json:"prompt_preview,omitempty"`
	Result        string `json:"result,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
	Error         string `json:"error,omitempty"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

func newJobView(j storage.Job, full bool) JobView {
	v := JobView{
		ID:          j.ID,
		Name:        j.Name,
		Source:      j.Source,
		Model:       j.Model,
		Priority:    j.Priority,
		TimeoutMs:   j.Timeout.Milliseconds(),
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		ErrorKind:   j.ErrorKind,
		Error:       j.LastError,
		CreatedAt:   j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   j.UpdatedAt.Format(time.RFC3339),
	}
	if full {
		v.Prompt = j.Prompt
		v.Result = j.Result
	} else {
		v.PromptPreview = preview(j.Prompt)
	}
	return v
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	return string([]rune(s)[:previewRunes]) + "..."
}

func validStatus(s string) bool {
	switch s {
	case "", storage.StatusPending, storage.StatusRunning, storage.StatusCompleted, storage.StatusFailed:
		return true
	}
	return false
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		if !validStatus(status) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown status %q", status)
			return
		}
		limit := parseIntParam(r, "limit", 50, 500)

		jobs, err := deps.Jobs.Jobs(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		views := make([]JobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, newJobView(j, false))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		j, err := deps.Jobs.Job(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, newJobView(j, true))
	}
}

func handleSubmitJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var body SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		req := queue.Request{
			Name:        body.Name,
			Source:      body.Source,
			Prompt:      body.Prompt,
			Model:       body.Model,
			Priority:    DefaultPriority,
			Timeout:     time.Duration(body.TimeoutMs) * time.Millisecond,
			MaxAttempts: body.MaxAttempts,
		}
		if req.Model == "" {
			req.Model = deps.DefaultModel
		}
		if req.Source == "" {
			req.Source = "api"
		}
		if body.Priority != nil {
			req.Priority = *body.Priority
		}

		id, err := deps.Jobs.Enqueue(r.Context(), req)
		if queue.IsValidation(err) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		deps.Logger.Debug("job submitted over http", "id", id, "priority", req.Priority, "model", req.Model)
		writeJSON(w, http.StatusAccepted, map[string]string{
			"id":     id,
			"status": storage.StatusPending,
		})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := deps.Jobs.Stats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to count jobs: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, statsView(counts))
	}
}

func statsView(counts map[string]int) map[string]int {
	out := map[string]int{
		storage.StatusPending:   0,
		storage.StatusRunning:   0,
		storage.StatusCompleted: 0,
		storage.StatusFailed:    0,
	}
	total := 0
	for status, n := range counts {
		out[status] = n
		total += n
	}
	out["total"] = total
	return out
}
