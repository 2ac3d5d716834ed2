// Package search answers a natural-language query by walking a vault
// top-down, asking the model which notes are relevant and which
// sub-folders are worth descending into.
package search

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/llmq/internal/inference"
	"github.com/kalambet/llmq/internal/vault"
)

// Defaults for search jobs and exploration limits.
const (
	Priority          = 2
	Timeout           = 60 * time.Second
	DefaultMaxDepth   = 6
	DefaultMaxResults = 10
)

const rootDisplayName = "ROOT"

// Options configures an Agent. MaxDepth is taken as given so that zero
// limits exploration to the root's direct children; use DefaultMaxDepth
// otherwise. Other zero values take their defaults.
type Options struct {
	Model      string
	MaxDepth   int
	MaxResults int
	Priority   int
	Timeout    time.Duration
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = inference.DefaultModel
	}
	if o.MaxDepth < 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	if o.Priority <= 0 {
		o.Priority = Priority
	}
	if o.Timeout <= 0 {
		o.Timeout = Timeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Result is one relevant note.
type Result struct {
	Path       string  `json:"path"`
	Title      string  `json:"title"`
	Relevance  float64 `json:"relevance"`
	Excerpt    string  `json:"excerpt"`
	Reason     string  `json:"reason,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Report is the outcome of one search.
type Report struct {
	Query            string   `json:"query"`
	Results          []Result `json:"results"`
	Found            int      `json:"found"`
	Explored         []string `json:"explored"`
	NotesEvaluated   int      `json:"notes_evaluated"`
	FoldersEvaluated int      `json:"folders_evaluated"`
}

// Agent runs relevance-guided searches. One Agent may serve concurrent
// searches; each call keeps its own exploration state.
type Agent struct {
	eval *Evaluator
	opts Options
}

// New creates an Agent that submits its judgments through jobs.
func New(jobs Submitter, opts Options) *Agent {
	opts = opts.withDefaults()
	return &Agent{
		eval: &Evaluator{
			jobs:     jobs,
			model:    opts.Model,
			priority: opts.Priority,
			timeout:  opts.Timeout,
			logger:   opts.Logger,
		},
		opts: opts,
	}
}

// session is the state of a single search.
type session struct {
	query string
	ix    *vault.Index

	mu       sync.Mutex
	explored map[string]bool
	order    []string
	results  []Result
	notes    int
	folders  int
}

// visit marks relPath explored and reports whether it was new.
func (s *session) visit(relPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.explored[relPath] {
		return false
	}
	s.explored[relPath] = true
	s.order = append(s.order, relPath)
	return true
}

// Search explores ix from its root and returns at most MaxResults relevant
// notes, ordered by relevance. Failed or unparseable judgments count as not
// relevant; the returned error is non-nil only when ctx ends.
func (a *Agent) Search(ctx context.Context, query string, ix *vault.Index) (Report, error) {
	s := &session{
		query:    query,
		ix:       ix,
		explored: make(map[string]bool),
	}

	a.opts.Logger.Info("search started", "query", query, "root", ix.Root, "max_depth", a.opts.MaxDepth)
	if err := a.explore(ctx, s, "", 0); err != nil {
		return a.report(s), err
	}

	r := a.report(s)
	a.opts.Logger.Info("search finished",
		"query", query,
		"found", r.Found,
		"returned", len(r.Results),
		"folders_explored", len(r.Explored),
		"notes_evaluated", r.NotesEvaluated,
	)
	return r, nil
}

func (a *Agent) report(s *session) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := append([]Result(nil), s.results...)
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
	found := len(results)
	if len(results) > a.opts.MaxResults {
		results = results[:a.opts.MaxResults]
	}

	return Report{
		Query:            s.query,
		Results:          results,
		Found:            found,
		Explored:         append([]string(nil), s.order...),
		NotesEvaluated:   s.notes,
		FoldersEvaluated: s.folders,
	}
}

func (a *Agent) explore(ctx context.Context, s *session, relPath string, depth int) error {
	if depth > a.opts.MaxDepth || !s.visit(relPath) {
		return nil
	}

	children := s.ix.Children(relPath)
	if len(children) == 0 {
		return nil
	}

	var leaves, branches []vault.Entry
	for _, c := range children {
		if c.Kind == vault.KindNote {
			leaves = append(leaves, c)
		} else {
			branches = append(branches, c)
		}
	}

	name := rootDisplayName
	if relPath != "" {
		name = relPath
	}
	a.opts.Logger.Debug("exploring folder", "path", name, "depth", depth, "notes", len(leaves), "folders", len(branches))

	judgments := make([]*Judgment, len(leaves))
	var folderJudgment Judgment

	g, gctx := errgroup.WithContext(ctx)
	for i, leaf := range leaves {
		g.Go(func() error {
			content, err := s.ix.ReadNote(leaf)
			if err != nil {
				a.opts.Logger.Warn("skipping unreadable note", "path", leaf.RelPath, "error", err)
				return nil
			}
			j, err := a.eval.Note(gctx, leaf.RelPath, leaf.Name, content, s.query)
			if err != nil {
				return err
			}
			judgments[i] = &j
			return nil
		})
	}
	if len(branches) > 0 {
		names := make([]string, len(branches))
		for i, b := range branches {
			names[i] = b.Name
		}
		g.Go(func() error {
			j, err := a.eval.Folder(gctx, displayPath(relPath), name, names, s.query)
			if err != nil {
				return err
			}
			folderJudgment = j
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.mu.Lock()
	for i, j := range judgments {
		if j == nil {
			continue
		}
		s.notes++
		if !j.Relevant || j.Excerpt == "" {
			continue
		}
		s.results = append(s.results, Result{
			Path:       leaves[i].RelPath,
			Title:      leaves[i].Name,
			Relevance:  j.Confidence,
			Excerpt:    j.Excerpt,
			Reason:     j.Reason,
			Confidence: j.Confidence,
		})
		a.opts.Logger.Debug("relevant note", "path", leaves[i].RelPath, "confidence", j.Confidence)
	}
	if len(branches) > 0 {
		s.folders++
	}
	s.mu.Unlock()

	if len(branches) == 0 {
		return nil
	}
	if !folderJudgment.Relevant {
		a.opts.Logger.Debug("pruning folder", "path", name, "reason", folderJudgment.Reason)
		return nil
	}

	byName := make(map[string]vault.Entry, len(branches))
	for _, b := range branches {
		byName[b.Name] = b
	}
	for _, suggested := range folderJudgment.SuggestedExplore {
		b, ok := byName[suggested]
		if !ok {
			a.opts.Logger.Debug("ignoring unknown suggested folder", "folder", name, "suggested", suggested)
			continue
		}
		if err := a.explore(ctx, s, b.RelPath, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func displayPath(relPath string) string {
	if relPath == "" {
		return vault.RootName
	}
	return relPath
}
