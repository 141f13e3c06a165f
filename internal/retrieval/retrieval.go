// Package retrieval answers similarity queries over the documentation
// index built by the indexer pipeline.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	chromem "github.com/philippgille/chromem-go"

	"github.com/docstral/docstral/internal/log"
)

// Artifact file names under the data directory. Position is the join
// key across all three: chunk i, metadata entry i, and vector i
// describe the same piece of documentation and are never reordered
// independently.
const (
	ChunksFile     = "chunks.json"
	MetadataFile   = "metadata.json"
	EmbeddingsFile = "embeddings.json"
)

const collectionName = "documentation"

// Chunk is one retrieved piece of documentation, scored by similarity
// to the query (higher is more relevant).
type Chunk struct {
	Text    string
	Title   string
	URL     string
	Section string
	Score   float32
}

// Metadata is the per-chunk entry of metadata.json.
type Metadata struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Section string `json:"section,omitempty"`
}

// EmbedFunc turns a query string into a vector. The concrete embedder
// is injected so tests can run without an upstream API.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Service holds the in-memory vector index. It is built once at
// startup and read-only afterwards, so it is safe for concurrent use.
type Service struct {
	collection *chromem.Collection
	embed      EmbedFunc
	logger     log.Logger
}

// Load reads the artifact triple from dataDir and builds the index.
// A missing artifact or a length mismatch between the three files is
// fatal: serving against a partial index would silently return wrong
// sources.
func Load(ctx context.Context, dataDir string, embed EmbedFunc, logger log.Logger) (*Service, error) {
	var chunks []string
	if err := readJSON(filepath.Join(dataDir, ChunksFile), &chunks); err != nil {
		return nil, err
	}
	var metadata []Metadata
	if err := readJSON(filepath.Join(dataDir, MetadataFile), &metadata); err != nil {
		return nil, err
	}
	var vectors [][]float32
	if err := readJSON(filepath.Join(dataDir, EmbeddingsFile), &vectors); err != nil {
		return nil, err
	}

	if len(chunks) != len(metadata) || len(chunks) != len(vectors) {
		return nil, fmt.Errorf("artifact length mismatch: %d chunks, %d metadata, %d embeddings",
			len(chunks), len(metadata), len(vectors))
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("documentation index in %s is empty", dataDir)
	}

	collection, err := chromem.NewDB().CreateCollection(collectionName, nil, chromem.EmbeddingFunc(embed))
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}

	docs := make([]chromem.Document, len(chunks))
	for i := range chunks {
		docs[i] = chromem.Document{
			ID:        strconv.Itoa(i),
			Content:   chunks[i],
			Embedding: vectors[i],
			Metadata: map[string]string{
				"title":   metadata[i].Title,
				"url":     metadata[i].URL,
				"section": metadata[i].Section,
			},
		}
	}
	if err := collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("index documents: %w", err)
	}

	logger.Info("documentation index loaded", "dir", dataDir, "chunks", len(chunks))

	return &Service{
		collection: collection,
		embed:      embed,
		logger:     logger,
	}, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read index artifact: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Count returns the number of indexed chunks.
func (s *Service) Count() int {
	return s.collection.Count()
}

// Search returns the topK chunks most similar to query, ordered by
// descending score.
func (s *Service) Search(ctx context.Context, query string, topK int) ([]Chunk, error) {
	vector, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// chromem rejects nResults larger than the collection.
	if n := s.collection.Count(); topK > n {
		topK = n
	}
	if topK < 1 {
		return nil, nil
	}

	results, err := s.collection.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	chunks := make([]Chunk, len(results))
	for i, r := range results {
		chunks[i] = Chunk{
			Text:    r.Content,
			Title:   r.Metadata["title"],
			URL:     r.Metadata["url"],
			Section: r.Metadata["section"],
			Score:   r.Similarity,
		}
	}
	return chunks, nil
}
