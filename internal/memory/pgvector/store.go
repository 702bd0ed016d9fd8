// Package pgvector implements memory.Backend on top of PostgreSQL with the
// pgvector extension, grounded on the embedding store pattern used for
// semantic recall in the retrieved daemon example: an HNSW cosine index
// over embedded memory text, with plain SQL handling recency-based
// summarize/append.
package pgvector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/lanehub/conductor/internal/memory"
)

// Embedder turns text into a fixed-dimension vector. The wire format of
// whatever embedding model sits behind it is out of scope for this module;
// callers inject a concrete implementation (e.g. an HTTP client to a text-
// embeddings-inference server).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Store is a pgvector-backed memory.Backend.
type Store struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

// New opens a pool against pgURL, registers pgvector types, and ensures the
// memory_entries table and HNSW index exist.
func New(ctx context.Context, pgURL string, embedder Embedder) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(pgURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool, embedder: embedder}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create vector extension: %w", err)
	}
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS memory_entries (
			id         BIGSERIAL PRIMARY KEY,
			namespace  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			text       TEXT NOT NULL,
			metadata   JSONB,
			embedding  vector(%d),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, s.embedder.Dimensions())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create memory_entries table: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_memory_entries_hnsw
		ON memory_entries USING hnsw (embedding vector_cosine_ops)
		WITH (m = 16, ef_construction = 64)
	`); err != nil {
		return fmt.Errorf("create hnsw index: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_memory_entries_namespace_created
		ON memory_entries (namespace, created_at DESC)
	`); err != nil {
		return fmt.Errorf("create namespace index: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Append persists one memory entry and its embedding.
func (s *Store) Append(ctx context.Context, namespace, kind, text string, metadata map[string]any) error {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed memory entry: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO memory_entries (namespace, kind, text, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5)
	`, namespace, kind, text, metadata, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("insert memory entry: %w", err)
	}
	return nil
}

// Search returns the namespace's top-K entries by cosine similarity to
// query's embedding.
func (s *Store) Search(ctx context.Context, namespace, query string, limit int) ([]memory.Record, error) {
	if limit <= 0 {
		limit = 5
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed search query: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT text, kind, created_at, 1 - (embedding <=> $1) AS similarity
		FROM memory_entries
		WHERE namespace = $2
		ORDER BY embedding <=> $1
		LIMIT $3
	`, pgvector.NewVector(vec), namespace, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []memory.Record
	for rows.Next() {
		var r memory.Record
		if err := rows.Scan(&r.Content, &r.Kind, &r.CreatedAt, &r.Importance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summarize concatenates namespace entries within horizon, most recent
// last. This store makes no summarization model call, and the compactor
// stores the returned text as the checkpoint summary as-is.
func (s *Store) Summarize(ctx context.Context, namespace string, horizon time.Duration) (string, error) {
	cutoff := time.Time{}
	if horizon > 0 {
		cutoff = time.Now().Add(-horizon)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT kind, text FROM memory_entries
		WHERE namespace = $1 AND created_at >= $2
		ORDER BY created_at ASC
	`, namespace, cutoff)
	if err != nil {
		return "", fmt.Errorf("query entries for summary: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	count := 0
	for rows.Next() {
		var kind, text string
		if err := rows.Scan(&kind, &text); err != nil {
			return "", fmt.Errorf("scan entry for summary: %w", err)
		}
		fmt.Fprintf(&b, "[%s] %s\n", kind, text)
		count++
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if count == 0 {
		return "No prior history.", nil
	}
	return b.String(), nil
}

var _ memory.Backend = (*Store)(nil)
