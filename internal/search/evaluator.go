package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/llmq/internal/llmjson"
	"github.com/kalambet/llmq/internal/queue"
)

const parseErrorReason = "parse error"

// Judgment is a model's verdict on a note or folder.
type Judgment struct {
	Relevant         bool     `json:"relevant"`
	Confidence       float64  `json:"confidence"`
	Reason           string   `json:"reason"`
	Excerpt          string   `json:"excerpt,omitempty"`
	SuggestedExplore []string `json:"suggestedExplore,omitempty"`
}

// notRelevant is the conservative verdict used whenever no usable answer
// came back.
func notRelevant(reason string) Judgment {
	return Judgment{Relevant: false, Confidence: 0, Reason: reason}
}

// Submitter enqueues a job and returns its handle.
type Submitter interface {
	Submit(ctx context.Context, req queue.Request) (*queue.Handle, error)
}

// Evaluator turns relevance questions into queue jobs.
type Evaluator struct {
	jobs     Submitter
	model    string
	priority int
	timeout  time.Duration
	logger   *slog.Logger
}

// Note judges whether a note answers query. The error is non-nil only when
// ctx ends; job and parse failures come back as a not-relevant judgment.
func (e *Evaluator) Note(ctx context.Context, source, title, content, query string) (Judgment, error) {
	return e.judge(ctx, "evaluate-note", source, notePrompt(title, content, query))
}

// Folder asks which of subfolders are worth exploring for query.
func (e *Evaluator) Folder(ctx context.Context, source, name string, subfolders []string, query string) (Judgment, error) {
	return e.judge(ctx, "evaluate-folder", source, folderPrompt(name, subfolders, query))
}

func (e *Evaluator) judge(ctx context.Context, name, source, prompt string) (Judgment, error) {
	h, err := e.jobs.Submit(ctx, queue.Request{
		Name:     name,
		Source:   source,
		Prompt:   prompt,
		Model:    e.model,
		Priority: e.priority,
		Timeout:  e.timeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Judgment{}, ctx.Err()
		}
		return Judgment{}, fmt.Errorf("submitting %s: %w", name, err)
	}

	resp, err := h.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Judgment{}, ctx.Err()
		}
		e.logger.Warn("relevance job failed", "job", name, "source", source, "error", err)
		return notRelevant("job failed: " + err.Error()), nil
	}

	parsed := llmjson.Parse[Judgment](resp)
	if parsed.Malformed {
		e.logger.Warn("unparseable relevance response", "job", name, "source", source, "error", parsed.Err, "resp", resp)
		return notRelevant(parseErrorReason), nil
	}

	j := parsed.Value
	j.Confidence = min(max(j.Confidence, 0), 1)
	j.Excerpt = strings.TrimSpace(j.Excerpt)
	return j, nil
}
