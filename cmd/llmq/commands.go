package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/llmq/internal/config"
	"github.com/kalambet/llmq/internal/pipeline"
	"github.com/kalambet/llmq/internal/search"
	"github.com/kalambet/llmq/internal/summarize"
	"github.com/kalambet/llmq/internal/vault"
)

const rule = "======================================================================"

// intArg parses the optional positional argument at i, returning def when
// it is absent.
func intArg(args []string, i int, name string, def int) (int, error) {
	if i >= len(args) || args[i] == "" {
		return def, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: want a non-negative integer", name, args[i])
	}
	return n, nil
}

func stringArg(args []string, i int, def string) string {
	if i >= len(args) || args[i] == "" {
		return def
	}
	return args[i]
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query> <vaultRoot> [maxDepth] [maxResults] [model]",
	Short: "Find notes relevant to a question by walking the vault",
	Args:  cobra.RangeArgs(2, 5),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, logger, logCloser, err := setup()
		if err != nil {
			return err
		}
		defer logCloser.Close()

		query, root := args[0], args[1]
		maxDepth, err := intArg(args, 2, "maxDepth", cfg.Search.MaxDepth)
		if err != nil {
			return err
		}
		maxResults, err := intArg(args, 3, "maxResults", cfg.Search.MaxResults)
		if err != nil {
			return err
		}
		model := stringArg(args, 4, cfg.Inference.DefaultModel)

		ix, err := vault.BuildIndex(root)
		if err != nil {
			return fmt.Errorf("indexing vault: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := startRuntime(ctx, cfg, logger, embeddedWorker)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := rt.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, rule)
		fmt.Fprintln(out, colorize(colorBold, "VAULT SEARCH"))
		fmt.Fprintf(out, "   Query: %q\n", query)
		fmt.Fprintf(out, "   Vault: %s (%d entries)\n", root, ix.Len())
		fmt.Fprintf(out, "   Max Depth: %d, Max Results: %d, Model: %s\n", maxDepth, maxResults, model)
		fmt.Fprintln(out, rule)

		agent := search.New(rt.listener, search.Options{
			Model:      model,
			MaxDepth:   maxDepth,
			MaxResults: maxResults,
			Priority:   cfg.Search.Priority,
			Timeout:    cfg.Search.Timeout,
			Logger:     logger,
		})
		report, err := agent.Search(ctx, query, ix)
		if err != nil {
			return fmt.Errorf("search aborted: %w", err)
		}

		printReport(out, report, root)
		return nil
	},
}

func printReport(w io.Writer, r search.Report, root string) {
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, colorize(colorBold, "FINAL RESULTS"))
	fmt.Fprintln(w, rule)
	fmt.Fprintf(w, "Explored %d folder(s), judged %d note(s) and %d folder listing(s)\n",
		len(r.Explored), r.NotesEvaluated, r.FoldersEvaluated)
	fmt.Fprintf(w, "Total: %d result(s) found\n", len(r.Results))

	if len(r.Results) == 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "No relevant results found. Try:")
		fmt.Fprintln(w, "  - Adjusting your search query")
		fmt.Fprintln(w, "  - Increasing maxDepth")
		fmt.Fprintf(w, "  - Checking vault path: %s\n", root)
	}
	for i, res := range r.Results {
		fmt.Fprintf(w, "\n%s %s\n", colorize(colorBold, fmt.Sprintf("%d.", i+1)), colorize(colorCyan, res.Title))
		fmt.Fprintf(w, "   Path: %s\n", res.Path)
		fmt.Fprintf(w, "   Relevance: %.0f%%\n", res.Relevance*100)
		fmt.Fprintf(w, "   Excerpt: %q\n", res.Excerpt)
	}
	fmt.Fprintln(w, rule)
}

// --- summarize ---

var summarizeCmd = &cobra.Command{
	Use:   "summarize <vaultPath> <outputPath> [noteSentences] [folderSentences] [rootSentences] [model]",
	Short: "Summarize every note and folder of a vault, bottom-up",
	Args:  cobra.RangeArgs(2, 6),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, logger, logCloser, err := setup()
		if err != nil {
			return err
		}
		defer logCloser.Close()

		vaultPath, outputPath := args[0], args[1]
		noteSentences, err := intArg(args, 2, "noteSentences", cfg.Summary.NoteSentences)
		if err != nil {
			return err
		}
		folderSentences, err := intArg(args, 3, "folderSentences", cfg.Summary.FolderSentences)
		if err != nil {
			return err
		}
		rootSentences, err := intArg(args, 4, "rootSentences", cfg.Summary.RootSentences)
		if err != nil {
			return err
		}
		if noteSentences == 0 || folderSentences == 0 || rootSentences == 0 {
			return errors.New("sentence counts must be positive")
		}
		model := stringArg(args, 5, cfg.Inference.DefaultModel)

		printStep("Reading vault: %s", vaultPath)
		ix, err := vault.BuildIndex(vaultPath)
		if err != nil {
			return fmt.Errorf("indexing vault: %w", err)
		}
		tree := vault.BuildTree(ix)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := startRuntime(ctx, cfg, logger, embeddedWorker)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := rt.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()

		printStep("Summarizing notes (%d sentences) and folders (%d sentences, root %d)", noteSentences, folderSentences, rootSentences)
		s := summarize.New(rt.listener, summarize.Options{
			Model:           model,
			NoteSentences:   noteSentences,
			FolderSentences: folderSentences,
			RootSentences:   rootSentences,
			Logger:          logger,
		})
		stats, err := s.Summarize(ctx, tree)
		if err != nil {
			return fmt.Errorf("summarization aborted: %w", err)
		}

		printStep("Writing output to %s", outputPath)
		if err := summarize.WriteOutput(tree, outputPath, noteSentences); err != nil {
			return err
		}

		printStatus("Notes", "%d/%d summarized, %d failed", stats.NotesSummarized, stats.Notes, stats.NotesFailed)
		printStatus("Folders", "%d/%d summarized, %d failed, %d skipped",
			stats.FoldersSummarized, stats.Folders, stats.FoldersFailed, stats.FoldersSkipped)
		printSuccess("Done generating hierarchical summaries")
		return nil
	},
}

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze <markdownFile> <outputCSV> [model]",
	Short: "Analyze each block of a markdown file and write a CSV",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, logger, logCloser, err := setup()
		if err != nil {
			return err
		}
		defer logCloser.Close()

		mdPath, csvPath := args[0], args[1]
		model := stringArg(args, 2, cfg.Inference.DefaultModel)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := startRuntime(ctx, cfg, logger, embeddedWorker)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := rt.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()

		printStep("Analyzing %s", mdPath)
		a := pipeline.New(rt.listener, pipeline.Options{Model: model, Logger: logger})
		n, err := a.AnalyzeFile(ctx, mdPath, csvPath)
		if err != nil {
			return err
		}
		printSuccess("Analyzed %d blocks, wrote %s", n, csvPath)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "  %s\n", colorize(colorCyan, config.FilePath()))
		for _, k := range config.ShowAll(cfg) {
			line := fmt.Sprintf("  %s = %s", colorize(colorBold, k.Key), k.Value)
			if k.FromEnv {
				line += colorize(colorYellow, "  (from "+k.EnvVar+")")
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. An empty value restores the default.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
