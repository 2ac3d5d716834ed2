package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/llmq/internal/api"
	"github.com/kalambet/llmq/internal/config"
	"github.com/kalambet/llmq/internal/inference"
	"github.com/kalambet/llmq/internal/queue"
)

const shutdownTimeout = 5 * time.Second

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Drain the queue in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, logCloser, err := setup()
		if err != nil {
			return err
		}
		defer logCloser.Close()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		q := queue.New(store, queue.Options{
			Retention:    cfg.Queue.Retention,
			KeepFinished: cfg.Queue.KeepFinished,
			PollInterval: cfg.Queue.PollInterval,
			Logger:       logger,
		})
		defer q.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("worker started", "backend", cfg.Queue.Backend, "inference", cfg.Inference.BaseURL)
		newWorker(cfg, q, logger).Run(ctx)
		logger.Info("worker stopped")
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the job API, with a worker unless --embedded-worker=false",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(os.Stderr, "llmq version %s\n", version)

		cfg, logger, logCloser, err := setup()
		if err != nil {
			return err
		}
		defer logCloser.Close()

		// Refuse to start a second server on the same port.
		healthClient := &http.Client{Timeout: 2 * time.Second}
		if resp, err := healthClient.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)); err == nil {
			resp.Body.Close()
			printWarning("llmq is already running on port %d", cfg.Server.Port)
			return fmt.Errorf("server already running on port %d", cfg.Server.Port)
		}

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
			}
		}()

		q := queue.New(store, queue.Options{
			Retention:    cfg.Queue.Retention,
			KeepFinished: cfg.Queue.KeepFinished,
			PollInterval: cfg.Queue.PollInterval,
			Logger:       logger,
		})
		defer q.Close()

		if cfg.Server.Token == "" {
			logger.Warn("LLMQ_SERVER_TOKEN is not set; the job API is unauthenticated")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
		srv := &http.Server{
			Addr: addr,
			Handler: api.NewHandler(api.Deps{
				Jobs:         q,
				Token:        cfg.Server.Token,
				DefaultModel: cfg.Inference.DefaultModel,
				Logger:       logger,
			}),
			BaseContext: func(_ net.Listener) context.Context {
				return ctx
			},
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			fmt.Fprintf(os.Stderr, "llmq listening on %s\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			fmt.Fprintln(os.Stderr, "shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if embeddedWorker {
			w := newWorker(cfg, q, logger)
			g.Go(func() error {
				w.Run(gctx)
				return nil
			})
		}
		return g.Wait()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve search_vault and submit_prompt over MCP (stdio)",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		cfg, logger, logCloser, err := setup()
		if err != nil {
			return err
		}
		defer logCloser.Close()

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

		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Jobs:      rt.listener,
			Queue:     rt.queue,
			VaultRoot: cfg.Search.Vault,
			Model:     cfg.Inference.DefaultModel,
			Logger:    logger,
		})
		logger.Info("MCP server started (stdio transport)")
		if err := server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

// demoJobs mirrors a chat front end sharing the model with a batch
// automation tool.
var demoJobs = []queue.Request{
	{Name: "openwebui-priority", Source: "openwebui", Prompt: "Summarize daily news for dashboard", Priority: 1},
	{Name: "n8n-low", Source: "n8n", Prompt: "Generate product taglines", Priority: 5},
	{Name: "n8n-low", Source: "n8n", Prompt: "Translate support snippets", Priority: 5},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Enqueue demo jobs at mixed priorities",
	RunE: func(cmd *cobra.Command, args []string) error {
		every, _ := cmd.Flags().GetDuration("every")

		cfg, logger, logCloser, err := setup()
		if err != nil {
			return err
		}
		defer logCloser.Close()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		q := queue.New(store, queue.Options{KeepFinished: cfg.Queue.KeepFinished, Logger: logger})
		defer q.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		for {
			if err := seedDemoJobs(ctx, q, cfg.Inference.DefaultModel); err != nil {
				return err
			}
			printSuccess("Seeded demo jobs (openwebui high priority, n8n lower)")
			if every <= 0 {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(every):
			}
		}
	},
}

func init() {
	seedCmd.Flags().Duration("every", 0, "repeat at this interval until interrupted")
}

type enqueuer interface {
	Enqueue(ctx context.Context, req queue.Request) (string, error)
}

func seedDemoJobs(ctx context.Context, q enqueuer, model string) error {
	for _, req := range demoJobs {
		req.Model = model
		req.Timeout = time.Minute
		if _, err := q.Enqueue(ctx, req); err != nil {
			return fmt.Errorf("enqueueing %s: %w", req.Name, err)
		}
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server, inference and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		showStatus(cmd.Context(), cfg, newAPIClientFor(cfg))
		return nil
	},
}

func showStatus(ctx context.Context, cfg config.Config, client *apiClient) {
	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	llmCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	models, err := inference.NewClient(cfg.Inference.BaseURL, cfg.Inference.APIKey).ListModels(llmCtx)
	if err != nil {
		printStatus("Inference", "unreachable at %s", cfg.Inference.BaseURL)
	} else {
		printStatus("Inference", "%s (%d models)", cfg.Inference.BaseURL, len(models))
	}
	printStatus("Default model", "%s", cfg.Inference.DefaultModel)
	printStatus("Backend", "%s", cfg.Queue.Backend)

	if running {
		resp, err := client.get(ctx, "/stats")
		if err == nil {
			var stats map[string]int
			if decodeJSON(resp, &stats) == nil {
				printStats(stats)
			}
		}
	}

	if cfg.Queue.Backend == config.BackendRedis {
		printStatus("Redis", "%s", cfg.Redis.URL)
	} else {
		printStatus("Database", "%s", cfg.Storage.DBPath())
	}
}

func printStats(stats map[string]int) {
	printStatus("Jobs", "%d pending, %d running, %d completed, %d failed",
		stats["pending"], stats["running"], stats["completed"], stats["failed"])
}
