package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/docstral/docstral/internal/config"
	"github.com/docstral/docstral/internal/llm"
	"github.com/docstral/docstral/internal/scraper"
)

// runIndex runs the offline indexing pipeline: crawl the documentation
// site, chunk and embed the pages, and write the artifact triple the
// server loads at startup.
func runIndex() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.ValidateIndex(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(cfg)
	logger.Info("starting indexing run",
		"site", cfg.Scraper.BaseURL,
		"data_dir", cfg.Retrieval.DataDir,
	)

	embedder := llm.NewEmbedder(cfg.LLM, cfg.Retrieval.EmbeddingModel, logger.With("component", "embedder"))
	s := scraper.New(cfg.Scraper, logger.With("component", "scraper"))
	pipeline := scraper.NewPipeline(s, embedder, cfg.Retrieval.DataDir, logger.With("component", "pipeline"))

	if err := pipeline.Run(ctx); err != nil {
		return fmt.Errorf("indexing: %w", err)
	}

	logger.Info("indexing finished", "data_dir", cfg.Retrieval.DataDir)
	return nil
}
