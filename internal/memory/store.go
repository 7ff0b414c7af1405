// Package memory keeps past exchanges and recalls the ones relevant to a new
// prompt.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/loqalabs/mia-core/internal/config"
	_ "modernc.org/sqlite"
)

// Store is consulted before generation and fed after every completed turn.
type Store interface {
	Retrieve(ctx context.Context, text string) (string, error)
	Ingest(ctx context.Context, user, reply string) error
}

// Fragment is one recalled exchange with its relevance score.
type Fragment struct {
	ID        int64
	User      string
	Reply     string
	Score     float64
	CreatedAt time.Time
}

// Document renders the exchange the way it is injected into prompts.
func (f Fragment) Document() string {
	return "User: " + f.User + "\nAssistant: " + f.Reply
}

// SQLiteStore persists exchanges in SQLite and scores them by keyword
// overlap with the query.
type SQLiteStore struct {
	db    *sql.DB
	cfg   config.MemoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// scanLimit bounds how many recent exchanges a retrieval considers.
const scanLimit = 2000

// Open initializes the store according to config. Ephemeral mode keeps
// nothing and never touches disk.
func Open(ctx context.Context, cfg config.MemoryConfig, log *slog.Logger) (*SQLiteStore, error) {
	log = log.With(slog.String("component", "memory"))
	if cfg.RetentionMode == "ephemeral" {
		return &SQLiteStore{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLiteStore{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("memory prune on start failed", slog.String("error", err.Error()))
	}

	count, err := s.Count(ctx)
	if err == nil {
		log.Info("memory store ready", slog.String("path", cfg.Path), slog.Int("documents", count))
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS memories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_text TEXT NOT NULL,
    reply_text TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ingest stores a completed exchange and enforces max_docs.
func (s *SQLiteStore) Ingest(ctx context.Context, user, reply string) error {
	if s.db == nil {
		return nil
	}
	user, reply = strings.TrimSpace(user), strings.TrimSpace(reply)
	if user == "" || reply == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO memories(user_text, reply_text, created_at) VALUES(?, ?, ?)`,
		user, reply, s.clock().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return s.Prune(ctx)
}

// Retrieve returns a context block with the top_k relevant exchanges, or ""
// when nothing clears the score threshold.
func (s *SQLiteStore) Retrieve(ctx context.Context, text string) (string, error) {
	fragments, err := s.Search(ctx, text)
	if err != nil || len(fragments) == 0 {
		return "", err
	}
	return ContextBlock(fragments), nil
}

// Search scores recent exchanges against text, best match first.
func (s *SQLiteStore) Search(ctx context.Context, text string) ([]Fragment, error) {
	if s.db == nil {
		return nil, nil
	}
	query := keywords(text)
	if len(query) == 0 {
		return nil, nil
	}

	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_text, reply_text, created_at FROM memories ORDER BY id DESC LIMIT ?`, scanLimit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var matches []Fragment
	for rows.Next() {
		var f Fragment
		var created int64
		if err := rows.Scan(&f.ID, &f.User, &f.Reply, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = time.UnixMilli(created).UTC()
		f.Score = overlap(query, keywords(f.User+" "+f.Reply))
		if f.Score > 0 && f.Score >= s.cfg.ScoreThreshold {
			matches = append(matches, f)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if k := s.cfg.TopK; k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	s.log.Debug("memory retrieval",
		slog.Int("matches", len(matches)),
		slog.Duration("elapsed", time.Since(start)))
	return matches, nil
}

// Count reports how many exchanges are stored.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

// Prune deletes the oldest exchanges beyond max_docs.
func (s *SQLiteStore) Prune(ctx context.Context) error {
	if s.db == nil || s.cfg.MaxDocs <= 0 {
		return nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id IN (
		SELECT id FROM memories ORDER BY id DESC LIMIT -1 OFFSET ?
	)`, s.cfg.MaxDocs)
	if err != nil {
		return fmt.Errorf("prune memories: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("pruned old memories", slog.Int64("deleted", n))
	}
	return nil
}

// ContextBlock formats fragments for injection into the system prompt.
func ContextBlock(fragments []Fragment) string {
	var b strings.Builder
	b.WriteString("## Previous context\n")
	for i, f := range fragments {
		fmt.Fprintf(&b, "\n[%d] %s\n", i+1, f.Document())
	}
	return b.String()
}

// keywords lowercases text and keeps distinct words of three or more letters.
func keywords(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len([]rune(w)) >= 3 {
			set[w] = struct{}{}
		}
	}
	return set
}

// overlap is the share of query keywords present in the document.
func overlap(query, doc map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if _, ok := doc[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}
