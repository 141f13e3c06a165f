package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docstral/docstral/internal/log"
)

// fixedEmbed maps known strings to axis-aligned unit vectors so
// similarity ordering is fully deterministic.
func fixedEmbed(vectors map[string][]float32) EmbedFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		v, ok := vectors[text]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", text)
		}
		return v, nil
	}
}

func writeArtifacts(t *testing.T, dir string, chunks []string, metadata []Metadata, vectors [][]float32) {
	t.Helper()
	for name, v := range map[string]any{
		ChunksFile:     chunks,
		MetadataFile:   metadata,
		EmbeddingsFile: vectors,
	} {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal %s: %v", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func testArtifacts(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeArtifacts(t, dir,
		[]string{
			"Use the temperature parameter to control randomness.",
			"Rate limits are enforced per workspace.",
			"Function calling lets the model invoke tools.",
		},
		[]Metadata{
			{Title: "Sampling", URL: "https://docs.example.com/sampling"},
			{Title: "Rate limits", URL: "https://docs.example.com/limits"},
			{Title: "Function calling", URL: "https://docs.example.com/tools", Section: "Capabilities"},
		},
		[][]float32{
			{1, 0, 0},
			{0, 1, 0},
			{0, 0, 1},
		},
	)
	return dir
}

func TestLoadAndSearch(t *testing.T) {
	dir := testArtifacts(t)
	embed := fixedEmbed(map[string][]float32{
		// Closest to the rate-limits chunk, slightly similar to sampling.
		"how many requests per minute": {0.3, 0.95, 0},
	})

	svc, err := Load(context.Background(), dir, embed, log.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if svc.Count() != 3 {
		t.Errorf("Count() = %d, want 3", svc.Count())
	}

	chunks, err := svc.Search(context.Background(), "how many requests per minute", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}

	if chunks[0].URL != "https://docs.example.com/limits" {
		t.Errorf("top chunk = %+v", chunks[0])
	}
	if chunks[0].Title != "Rate limits" {
		t.Errorf("top title = %q", chunks[0].Title)
	}
	if !strings.Contains(chunks[0].Text, "Rate limits") {
		t.Errorf("top text = %q", chunks[0].Text)
	}
	if chunks[0].Score <= chunks[1].Score {
		t.Errorf("results not ordered by descending score: %v then %v", chunks[0].Score, chunks[1].Score)
	}
}

func TestSearch_TopKClampedToIndexSize(t *testing.T) {
	dir := testArtifacts(t)
	embed := fixedEmbed(map[string][]float32{"q": {1, 0, 0}})

	svc, err := Load(context.Background(), dir, embed, log.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	chunks, err := svc.Search(context.Background(), "q", 50)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(chunks) != 3 {
		t.Errorf("got %d chunks, want all 3", len(chunks))
	}
}

func TestLoad_MissingArtifact(t *testing.T) {
	dir := testArtifacts(t)
	if err := os.Remove(filepath.Join(dir, EmbeddingsFile)); err != nil {
		t.Fatal(err)
	}

	_, err := Load(context.Background(), dir, fixedEmbed(nil), log.NewNop())
	if err == nil {
		t.Fatal("expected error for missing embeddings artifact")
	}
}

func TestLoad_LengthMismatch(t *testing.T) {
	dir := t.TempDir()
	writeArtifacts(t, dir,
		[]string{"a", "b"},
		[]Metadata{{Title: "A", URL: "https://a"}},
		[][]float32{{1, 0}, {0, 1}},
	)

	_, err := Load(context.Background(), dir, fixedEmbed(nil), log.NewNop())
	if err == nil || !strings.Contains(err.Error(), "length mismatch") {
		t.Fatalf("want length mismatch error, got %v", err)
	}
}

func TestSearch_EmbedFailure(t *testing.T) {
	dir := testArtifacts(t)
	svc, err := Load(context.Background(), dir, fixedEmbed(nil), log.NewNop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if _, err := svc.Search(context.Background(), "unknown", 3); err == nil {
		t.Fatal("expected embed error to propagate")
	}
}
