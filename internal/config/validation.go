package config

import (
	"fmt"
	"net/url"
)

// ValidateServe checks everything the HTTP server needs at startup.
// Fail-fast: a misconfigured server should not come up half-working.
func (c *Config) ValidateServe() error {
	if c.PostgresHost == "" {
		return ErrInvalidPostgresHost
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return ErrInvalidPostgresDBName
	}

	if err := c.validateLLM(); err != nil {
		return err
	}

	if c.Retrieval.TopK < 1 || c.Retrieval.TopK > 20 {
		return fmt.Errorf("%w: %d (want 1-20)", ErrInvalidTopK, c.Retrieval.TopK)
	}
	return nil
}

// ValidateIndex checks everything the offline indexer needs.
func (c *Config) ValidateIndex() error {
	if c.LLM.APIKey == "" && c.LLM.SelfHostedURL == "" {
		return fmt.Errorf("%w: embeddings need llm.api_key or llm.self_hosted_url", ErrMissingAPIKey)
	}
	if _, err := url.ParseRequestURI(c.Scraper.SitemapURL); err != nil {
		return fmt.Errorf("%w: scraper.sitemap_url %q", ErrInvalidBaseURL, c.Scraper.SitemapURL)
	}
	return nil
}

func (c *Config) validateLLM() error {
	// At least one backend must be configured. The self-hosted backend is
	// probed at startup and may still fall back to the hosted API, so a
	// key-less config with only a self-hosted URL is legal.
	if c.LLM.APIKey == "" && c.LLM.SelfHostedURL == "" {
		return fmt.Errorf("%w: set llm.api_key or llm.self_hosted_url", ErrMissingAPIKey)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("%w: %.2f (want 0-2)", ErrInvalidTemperature, c.LLM.Temperature)
	}
	if c.LLM.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.LLM.BaseURL); err != nil {
			return fmt.Errorf("%w: llm.base_url %q", ErrInvalidBaseURL, c.LLM.BaseURL)
		}
	}
	if c.LLM.SelfHostedURL != "" {
		if _, err := url.ParseRequestURI(c.LLM.SelfHostedURL); err != nil {
			return fmt.Errorf("%w: llm.self_hosted_url %q", ErrInvalidBaseURL, c.LLM.SelfHostedURL)
		}
	}
	return nil
}
