package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/docstral/docstral/internal/retrieval"
)

const lockFile = ".index.lock"

// WriteArtifacts writes the artifact triple under dataDir. The whole
// write runs under a file lock so a concurrent indexing run cannot
// interleave, and each file lands via temp file + rename so a server
// loading mid-write never sees a half-written artifact.
func WriteArtifacts(ctx context.Context, dataDir string, chunks []string, metadata []retrieval.Metadata, vectors [][]float32) error {
	if len(chunks) != len(metadata) || len(chunks) != len(vectors) {
		return fmt.Errorf("artifact length mismatch: %d chunks, %d metadata, %d embeddings",
			len(chunks), len(metadata), len(vectors))
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, lockFile))
	locked, err := lock.TryLockContext(ctx, 500*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire index lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("index lock held by another process")
	}
	defer lock.Unlock()

	files := map[string]any{
		retrieval.ChunksFile:     chunks,
		retrieval.MetadataFile:   metadata,
		retrieval.EmbeddingsFile: vectors,
	}
	for name, data := range files {
		if err := writeJSONAtomic(filepath.Join(dataDir, name), data); err != nil {
			return err
		}
	}
	return nil
}

func writeJSONAtomic(path string, data any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(data); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
