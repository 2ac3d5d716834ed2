package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor        bool
	embeddedWorker bool
)

var rootCmd = &cobra.Command{
	Use:   "llmq",
	Short: "Priority LLM job queue with vault summarization and search",
	Long: `llmq runs LLM prompts through a single priority queue so that one local
model serves every caller, one job at a time, each under a hard timeout.

Examples:
  llmq serve
  llmq search "how do I configure vlans" ~/vault
  llmq summarize ~/vault ./out 2 3 5
  llmq analyze notes.md notes.csv`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", color.NoColor, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&embeddedWorker, "embedded-worker", true,
		"run a worker in this process; disable when a separate `llmq worker` or `llmq serve` drains the queue")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(summarizeCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
