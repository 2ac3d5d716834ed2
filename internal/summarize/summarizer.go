// Package summarize builds hierarchical summaries of a vault tree: every
// note first, then every folder from its children's summaries, bottom-up.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/llmq/internal/inference"
	"github.com/kalambet/llmq/internal/queue"
	"github.com/kalambet/llmq/internal/vault"
)

// Priorities and timeouts for summary jobs.
const (
	NotePriority   = 3
	FolderPriority = 4
	NoteTimeout    = 120 * time.Second
	FolderTimeout  = 180 * time.Second
)

// Submitter enqueues a job and returns its handle.
type Submitter interface {
	Submit(ctx context.Context, req queue.Request) (*queue.Handle, error)
}

// Options configures a Summarizer. Zero values take the defaults.
type Options struct {
	Model           string
	NoteSentences   int // default 2
	FolderSentences int // default 3
	RootSentences   int // default 5
	NotePriority    int
	FolderPriority  int
	NoteTimeout     time.Duration
	FolderTimeout   time.Duration
	Logger          *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = inference.DefaultModel
	}
	if o.NoteSentences <= 0 {
		o.NoteSentences = 2
	}
	if o.FolderSentences <= 0 {
		o.FolderSentences = 3
	}
	if o.RootSentences <= 0 {
		o.RootSentences = 5
	}
	if o.NotePriority <= 0 {
		o.NotePriority = NotePriority
	}
	if o.FolderPriority <= 0 {
		o.FolderPriority = FolderPriority
	}
	if o.NoteTimeout <= 0 {
		o.NoteTimeout = NoteTimeout
	}
	if o.FolderTimeout <= 0 {
		o.FolderTimeout = FolderTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats counts what a run did.
type Stats struct {
	Notes             int
	NotesSummarized   int
	NotesFailed       int
	Folders           int
	FoldersSummarized int
	FoldersFailed     int
	FoldersSkipped    int // no summarized children, no job submitted
}

// Summarizer runs summary jobs through a Submitter.
type Summarizer struct {
	jobs   Submitter
	opts   Options
	logger *slog.Logger
}

// New creates a Summarizer.
func New(jobs Submitter, opts Options) *Summarizer {
	opts = opts.withDefaults()
	return &Summarizer{jobs: jobs, opts: opts, logger: opts.Logger}
}

type counters struct {
	notesDone      atomic.Int64
	notesFailed    atomic.Int64
	foldersDone    atomic.Int64
	foldersFailed  atomic.Int64
	foldersSkipped atomic.Int64
}

// Summarize sets summaries on the notes and folders of root. Failed jobs
// leave their node unset and the run goes on; only cancellation of ctx
// aborts it.
func (s *Summarizer) Summarize(ctx context.Context, root *vault.Node) (Stats, error) {
	leaves := root.Leaves()
	folders := root.Folders()
	var c counters

	s.logger.Info("summarizing notes", "count", len(leaves), "sentences", s.opts.NoteSentences)
	if err := s.summarizeNotes(ctx, leaves, &c); err != nil {
		return c.stats(len(leaves), len(folders)), err
	}

	s.logger.Info("summarizing folders", "count", len(folders), "sentences", s.opts.FolderSentences, "root_sentences", s.opts.RootSentences)
	err := s.summarizeFolder(ctx, root, len(folders), &c)
	return c.stats(len(leaves), len(folders)), err
}

func (c *counters) stats(notes, folders int) Stats {
	return Stats{
		Notes:             notes,
		NotesSummarized:   int(c.notesDone.Load()),
		NotesFailed:       int(c.notesFailed.Load()),
		Folders:           folders,
		FoldersSummarized: int(c.foldersDone.Load()),
		FoldersFailed:     int(c.foldersFailed.Load()),
		FoldersSkipped:    int(c.foldersSkipped.Load()),
	}
}

func progressEvery(total int) int64 {
	return int64(max(1, total/10))
}

func (s *Summarizer) summarizeNotes(ctx context.Context, leaves []*vault.Node, c *counters) error {
	every := progressEvery(len(leaves))
	g, gctx := errgroup.WithContext(ctx)
	for _, leaf := range leaves {
		g.Go(func() error {
			text, err := s.run(gctx, queue.Request{
				Name:     "note-summary",
				Source:   leaf.RelPath,
				Prompt:   notePrompt(leaf.Body, s.opts.NoteSentences),
				Priority: s.opts.NotePriority,
				Timeout:  s.opts.NoteTimeout,
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.notesFailed.Add(1)
				s.logger.Warn("note summary failed", "path", leaf.RelPath, "error", err)
				return nil
			}
			leaf.SetSummary(text)
			if n := c.notesDone.Add(1); n%every == 0 || int(n) == len(leaves) {
				s.logger.Info("notes summarized", "done", n, "total", len(leaves), "last", leaf.RelPath)
			}
			return nil
		})
	}
	return g.Wait()
}

// summarizeFolder summarizes every sub-folder of folder (siblings in
// parallel) and then folder itself from its children's summaries.
func (s *Summarizer) summarizeFolder(ctx context.Context, folder *vault.Node, total int, c *counters) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, child := range folder.Children {
		if child.IsLeaf() {
			continue
		}
		g.Go(func() error {
			return s.summarizeFolder(gctx, child, total, c)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	parts := childSummaries(folder)
	if len(parts) == 0 {
		c.foldersSkipped.Add(1)
		s.logger.Debug("folder has no summarized children", "path", displayPath(folder))
		return nil
	}

	sentences := s.opts.FolderSentences
	if folder.IsRoot() {
		sentences = s.opts.RootSentences
	}
	text, err := s.run(ctx, queue.Request{
		Name:     "folder-summary",
		Source:   displayPath(folder),
		Prompt:   folderPrompt(folder.Name, parts, sentences),
		Priority: s.opts.FolderPriority,
		Timeout:  s.opts.FolderTimeout,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.foldersFailed.Add(1)
		s.logger.Warn("folder summary failed", "path", displayPath(folder), "error", err)
		return nil
	}
	folder.SetSummary(text)

	every := progressEvery(total)
	if n := c.foldersDone.Add(1); n%every == 0 || int(n) == total {
		s.logger.Info("folders summarized", "done", n, "total", total, "last", displayPath(folder))
	}
	return nil
}

func (s *Summarizer) run(ctx context.Context, req queue.Request) (string, error) {
	req.Model = s.opts.Model
	h, err := s.jobs.Submit(ctx, req)
	if err != nil {
		return "", fmt.Errorf("submitting %s for %s: %w", req.Name, req.Source, err)
	}
	text, err := h.Await(ctx)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func displayPath(n *vault.Node) string {
	if n.RelPath == "" {
		return vault.RootName
	}
	return n.RelPath
}
