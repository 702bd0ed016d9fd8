// Package memory defines the long-term memory backend contract (spec §6)
// and a couple of implementations: an in-memory stub for tests and local
// runs, and a pgvector-backed store for production.
package memory

import (
	"context"
	"time"
)

// Record is one memory entry returned by Search.
type Record struct {
	Content    string
	Kind       string
	CreatedAt  time.Time
	Importance float64
}

// Backend is the long-term memory collaborator. Namespaces are derived from
// a session's scope so different conversations never bleed into each
// other's recall.
type Backend interface {
	Search(ctx context.Context, namespace, query string, limit int) ([]Record, error)
	Summarize(ctx context.Context, namespace string, horizon time.Duration) (string, error)
	Append(ctx context.Context, namespace, kind, text string, metadata map[string]any) error
}

// Namespace derives a memory namespace from a session scope key. It is
// exported so context builders and the compactor agree on the same string
// without importing pkg/models just for SessionScope.Key.
func Namespace(scopeKey string) string {
	return "session:" + scopeKey
}
