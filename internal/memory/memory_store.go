package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// entry is one stored memory item, namespaced.
type entry struct {
	namespace string
	kind      string
	text      string
	metadata  map[string]any
	createdAt time.Time
}

// Stub is an in-memory Backend used for local runs and tests. Search does
// a crude substring/recency ranking rather than real vector similarity —
// good enough to exercise the context builder's recall step without a
// database.
type Stub struct {
	mu      sync.Mutex
	entries []entry
}

// NewStub returns an empty in-memory Backend.
func NewStub() *Stub {
	return &Stub{}
}

func (s *Stub) Append(ctx context.Context, namespace, kind, text string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{
		namespace: namespace,
		kind:      kind,
		text:      text,
		metadata:  metadata,
		createdAt: time.Now(),
	})
	return nil
}

func (s *Stub) Search(ctx context.Context, namespace, query string, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type scored struct {
		Record
		score int
	}
	var candidates []scored
	q := strings.ToLower(query)
	for _, e := range s.entries {
		if e.namespace != namespace {
			continue
		}
		score := 0
		if q != "" && strings.Contains(strings.ToLower(e.text), q) {
			score = 1
		}
		candidates = append(candidates, scored{
			Record: Record{Content: e.text, Kind: e.kind, CreatedAt: e.createdAt, Importance: float64(score)},
			score:  score,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Record, len(candidates))
	for i, c := range candidates {
		out[i] = c.Record
	}
	return out, nil
}

func (s *Stub) Summarize(ctx context.Context, namespace string, horizon time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-horizon)
	var lines []string
	for _, e := range s.entries {
		if e.namespace != namespace {
			continue
		}
		if horizon > 0 && e.createdAt.Before(cutoff) {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", e.kind, e.text))
	}
	if len(lines) == 0 {
		return "No prior history.", nil
	}
	return strings.Join(lines, "\n"), nil
}
