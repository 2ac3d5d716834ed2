// Package pipeline analyzes markdown files block by block and tabulates the
// extracted metadata as CSV.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/llmq/internal/inference"
	"github.com/kalambet/llmq/internal/llmjson"
	"github.com/kalambet/llmq/internal/queue"
)

// Defaults for analysis jobs.
const (
	Priority = 3
	Timeout  = 120 * time.Second
	Source   = "block-analyzer"
)

// Submitter enqueues a job and returns its handle.
type Submitter interface {
	Submit(ctx context.Context, req queue.Request) (*queue.Handle, error)
}

// Options configures an Analyzer. Zero values take the defaults.
type Options struct {
	Model    string
	Priority int
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Analyzer submits one analysis job per block.
type Analyzer struct {
	jobs Submitter
	opts Options
}

// New creates an Analyzer.
func New(jobs Submitter, opts Options) *Analyzer {
	if opts.Model == "" {
		opts.Model = inference.DefaultModel
	}
	if opts.Priority <= 0 {
		opts.Priority = Priority
	}
	if opts.Timeout <= 0 {
		opts.Timeout = Timeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Analyzer{jobs: jobs, opts: opts}
}

// Analyze enqueues every block, then collects results in block order. A
// failed job or an unparseable answer yields a row of defaults; the error is
// non-nil only when submission fails or ctx ends.
func (a *Analyzer) Analyze(ctx context.Context, blocks []string) ([]Block, error) {
	handles := make([]*queue.Handle, len(blocks))
	for i, text := range blocks {
		h, err := a.jobs.Submit(ctx, queue.Request{
			Name:     "analyze-block-" + strconv.Itoa(i+1),
			Source:   Source,
			Prompt:   analysisPrompt(text),
			Model:    a.opts.Model,
			Priority: a.opts.Priority,
			Timeout:  a.opts.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("submitting block %d: %w", i+1, err)
		}
		handles[i] = h
	}
	a.opts.Logger.Info("analysis jobs enqueued", "blocks", len(blocks))

	out := make([]Block, len(blocks))
	for i, h := range handles {
		n := i + 1
		resp, err := h.Await(ctx)
		switch {
		case ctx.Err() != nil:
			return out[:i], ctx.Err()
		case err != nil:
			a.opts.Logger.Warn("block analysis failed", "block", n, "job_id", h.ID, "error", err)
			out[i] = failedBlock(n, blocks[i])
		default:
			out[i] = parseBlock(n, blocks[i], resp, a.opts.Logger)
			a.opts.Logger.Debug("block analyzed", "block", n)
		}
	}
	return out, nil
}

// AnalyzeFile analyzes the markdown file at mdPath and writes the CSV to
// csvPath. It returns the number of blocks written.
func (a *Analyzer) AnalyzeFile(ctx context.Context, mdPath, csvPath string) (int, error) {
	blocks, err := ReadBlocks(mdPath)
	if err != nil {
		return 0, err
	}
	a.opts.Logger.Info("split markdown into blocks", "path", mdPath, "blocks", len(blocks))

	rows, err := a.Analyze(ctx, blocks)
	if err != nil {
		return 0, err
	}
	if err := WriteCSVFile(csvPath, rows); err != nil {
		return 0, err
	}
	a.opts.Logger.Info("wrote analysis", "path", csvPath, "blocks", len(rows))
	return len(rows), nil
}

func failedBlock(n int, text string) Block {
	return Block{
		Number:       n,
		OriginalText: text,
		Summary:      "Analysis failed",
		Category:     "Error",
		Sentiment:    "neutral",
		Actionable:   "no",
	}
}

func parseBlock(n int, text, resp string, logger *slog.Logger) Block {
	parsed := llmjson.Parse[map[string]any](resp)
	if parsed.Malformed {
		logger.Warn("unparseable block analysis, using defaults", "block", n, "error", parsed.Err)
		return Block{
			Number:       n,
			OriginalText: text,
			Summary:      "Parse error",
			Category:     "Unknown",
			Sentiment:    "neutral",
			Actionable:   "no",
		}
	}

	m := parsed.Value
	return Block{
		Number:       n,
		OriginalText: text,
		Summary:      field(m, "summary"),
		Category:     field(m, "category"),
		KeyTopics:    field(m, "key_topics"),
		Entities:     field(m, "entities"),
		Sentiment:    field(m, "sentiment"),
		Actionable:   field(m, "actionable"),
		Tags:         field(m, "tags"),
	}
}

// field renders m[key] as CSV text. Models sometimes answer lists as JSON
// arrays and yes/no as booleans.
func field(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "yes"
		}
		return "no"
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(v)
	}
}

func analysisPrompt(block string) string {
	return `Analyze the following text block and extract structured metadata. Return ONLY valid JSON with no markdown formatting or code fences.

Text block:
"""
` + block + `
"""

Return a JSON object with these exact keys:
{
  "summary": "A concise 1-2 sentence summary of the main idea",
  "category": "Primary category (e.g., Meeting Notes, Ideas, Research, Todo, Personal, Technical, etc.)",
  "key_topics": "Comma-separated list of 2-4 main topics or themes",
  "entities": "Comma-separated list of people, places, organizations mentioned (or 'none')",
  "sentiment": "One of: positive, neutral, negative, mixed",
  "actionable": "yes or no - does this contain action items or tasks?",
  "tags": "Comma-separated list of 2-5 relevant tags for indexing"
}

Return ONLY the JSON object, no other text.`
}
