package memory

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/mia-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.MemoryConfig) *SQLiteStore {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "memory.db")
	}
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "persistent"
	}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenEphemeral(t *testing.T) {
	s, err := Open(context.Background(), config.MemoryConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Ingest(context.Background(), "I like tea", "Noted"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	block, err := s.Retrieve(context.Background(), "tea")
	if err != nil || block != "" {
		t.Fatalf("ephemeral store must recall nothing, got %q %v", block, err)
	}
}

func TestIngestAndRetrieve(t *testing.T) {
	s := openStore(t, config.MemoryConfig{TopK: 2, ScoreThreshold: 0.3})
	ctx := context.Background()

	exchanges := [][2]string{
		{"My favourite drink is green tea", "Green tea is lovely."},
		{"I have a dog called Rex", "Rex sounds like a good boy."},
		{"The weather is rainy today", "Stay dry out there."},
	}
	for _, ex := range exchanges {
		if err := s.Ingest(ctx, ex[0], ex[1]); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	fragments, err := s.Search(ctx, "What is my favourite drink?")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(fragments) == 0 || !strings.Contains(fragments[0].User, "green tea") {
		t.Fatalf("expected the tea exchange first, got %+v", fragments)
	}

	block, err := s.Retrieve(ctx, "tell me about my dog Rex")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !strings.HasPrefix(block, "## Previous context") || !strings.Contains(block, "[1] User: I have a dog called Rex") {
		t.Fatalf("unexpected context block:\n%s", block)
	}

	none, err := s.Retrieve(ctx, "quantum chromodynamics")
	if err != nil || none != "" {
		t.Fatalf("expected no match, got %q %v", none, err)
	}
}

func TestTopKLimitsResults(t *testing.T) {
	s := openStore(t, config.MemoryConfig{TopK: 2})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := s.Ingest(ctx, "coffee talk", "more coffee"); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	fragments, err := s.Search(ctx, "coffee")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(fragments) != 2 {
		t.Fatalf("expected top_k=2 fragments, got %d", len(fragments))
	}
}

func TestMaxDocsPrunesOldest(t *testing.T) {
	s := openStore(t, config.MemoryConfig{TopK: 5, MaxDocs: 2})
	ctx := context.Background()
	for _, user := range []string{"first apple", "second apple", "third apple"} {
		if err := s.Ingest(ctx, user, "ok"); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 documents after pruning, got %d", n)
	}
	fragments, err := s.Search(ctx, "apple")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, f := range fragments {
		if strings.HasPrefix(f.User, "first") {
			t.Fatalf("oldest document should have been pruned: %+v", fragments)
		}
	}
}

func TestIngestSkipsBlank(t *testing.T) {
	s := openStore(t, config.MemoryConfig{TopK: 1})
	if err := s.Ingest(context.Background(), "  ", "reply"); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n, _ := s.Count(context.Background()); n != 0 {
		t.Fatalf("expected blank exchange to be skipped, have %d", n)
	}
}
