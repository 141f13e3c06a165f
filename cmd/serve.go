package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/docstral/docstral/internal/api"
	"github.com/docstral/docstral/internal/config"
	"github.com/docstral/docstral/internal/llm"
	"github.com/docstral/docstral/internal/log"
	"github.com/docstral/docstral/internal/orchestrator"
	"github.com/docstral/docstral/internal/retrieval"
	"github.com/docstral/docstral/internal/store"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 10 * time.Minute // SSE turns outlive normal requests
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

// runServe initializes and starts the HTTP API server.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(cfg)
	logger.Info("starting docstral server", "version", AppVersion)

	pool, err := store.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("connecting to PostgreSQL: %w", err)
	}
	defer pool.Close()

	if err := store.Migrate(pool); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	st := store.New(pool, logger.With("component", "store"))

	client, err := llm.Select(ctx, cfg.LLM, logger.With("component", "llm"))
	if err != nil {
		return fmt.Errorf("selecting LLM backend: %w", err)
	}
	logger.Info("LLM backend selected", "backend", client.Name(), "model", client.Model())

	orch, err := buildOrchestrator(ctx, cfg, client, st, logger)
	if err != nil {
		return err
	}

	apiServer := api.NewServer(api.ServerConfig{
		Logger:      logger.With("component", "api"),
		Auth:        st,
		Chats:       st,
		Turner:      orch,
		DB:          st,
		Mode:        client.Name(),
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
		RateBurst:   cfg.RateBurst,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", cfg.ListenAddr,
		"api", "/api/v1/*",
		"health", "/health, /ready",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// buildOrchestrator assembles the streaming turn pipeline. A missing
// or broken retrieval index is not fatal: the server still answers,
// just without documentation search.
func buildOrchestrator(ctx context.Context, cfg *config.Config, client llm.Client, st *store.Store, logger log.Logger) (*orchestrator.Orchestrator, error) {
	var (
		executor *orchestrator.Executor
		tools    []llm.Tool
	)

	embedder := llm.NewEmbedder(cfg.LLM, cfg.Retrieval.EmbeddingModel, logger.With("component", "embedder"))
	index, err := retrieval.Load(ctx, cfg.Retrieval.DataDir, embedder.Embed, logger.With("component", "retrieval"))
	if err != nil {
		logger.Warn("retrieval index unavailable, documentation search disabled",
			"dir", cfg.Retrieval.DataDir, "error", err)
	} else {
		executor = orchestrator.NewExecutor(index, cfg.Retrieval.TopK, logger.With("component", "executor"))
		tools, err = llm.SearchTools()
		if err != nil {
			return nil, fmt.Errorf("building tool definitions: %w", err)
		}
	}

	return orchestrator.New(client, executor, st, tools, orchestrator.Config{
		Temperature:       cfg.LLM.Temperature,
		TurnTimeout:       cfg.Stream.TurnTimeout,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
	}, logger.With("component", "orchestrator")), nil
}
