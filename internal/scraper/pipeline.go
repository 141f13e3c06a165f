package scraper

import (
	"context"
	"fmt"
	"strings"

	"github.com/docstral/docstral/internal/log"
	"github.com/docstral/docstral/internal/retrieval"
)

// embedBatchSize bounds one embedding request so a large crawl does
// not hit upstream payload limits.
const embedBatchSize = 64

// BatchEmbedder turns chunk texts into vectors.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Pipeline runs the full indexing flow: sitemap, crawl, chunk, embed,
// write artifacts.
type Pipeline struct {
	scraper  *Scraper
	embedder BatchEmbedder
	dataDir  string
	logger   log.Logger
}

func NewPipeline(scraper *Scraper, embedder BatchEmbedder, dataDir string, logger log.Logger) *Pipeline {
	return &Pipeline{scraper: scraper, embedder: embedder, dataDir: dataDir, logger: logger}
}

// Run builds a fresh index. Existing artifacts are only replaced once
// the whole pipeline succeeds.
func (p *Pipeline) Run(ctx context.Context) error {
	sitemapURL := p.scraper.cfg.SitemapURL
	if sitemapURL == "" {
		sitemapURL = strings.TrimSuffix(p.scraper.cfg.BaseURL, "/") + "/sitemap.xml"
	}

	urls, err := p.scraper.FetchSitemap(ctx, sitemapURL)
	if err != nil {
		return err
	}

	pages, err := p.scraper.Crawl(urls)
	if err != nil {
		return err
	}

	var (
		chunks   []string
		metadata []retrieval.Metadata
	)
	for _, page := range pages {
		for _, chunk := range ChunkMarkdown(page.Markdown) {
			chunks = append(chunks, chunk)
			metadata = append(metadata, retrieval.Metadata{
				Title:   page.Title,
				URL:     page.URL,
				Section: page.Section,
			})
		}
	}
	if len(chunks) == 0 {
		return fmt.Errorf("no chunks produced from %d pages", len(pages))
	}
	p.logger.Info("chunking finished", "pages", len(pages), "chunks", len(chunks))

	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		batch, err := p.embedder.EmbedBatch(ctx, chunks[start:end])
		if err != nil {
			return fmt.Errorf("embed chunks %d-%d: %w", start, end-1, err)
		}
		vectors = append(vectors, batch...)
		p.logger.Debug("batch embedded", "done", end, "total", len(chunks))
	}

	if err := WriteArtifacts(ctx, p.dataDir, chunks, metadata, vectors); err != nil {
		return err
	}
	p.logger.Info("index written", "dir", p.dataDir, "chunks", len(chunks))
	return nil
}
