package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/lanehub/conductor/pkg/models"
)

// MemoryStore is an in-process Store used for local runs and tests. It
// serializes all access behind a single mutex; production deployments use
// SQLiteStore or PostgresStore instead.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.Session)}
}

func (m *MemoryStore) Load(ctx context.Context, scope models.SessionScope) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[scope.Key()]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Upsert(ctx context.Context, scope models.SessionScope, mutate Mutator) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[scope.Key()]
	if ok {
		s = s.Clone()
	} else {
		now := time.Now()
		s = &models.Session{
			Scope:      scope,
			CreatedAt:  now,
			LastActive: now,
			Flags:      map[string]bool{},
		}
	}

	if err := mutate(s); err != nil {
		return nil, err
	}
	s.LastActive = time.Now()
	m.sessions[scope.Key()] = s
	return s.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, scope models.SessionScope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, scope.Key())
	return nil
}

func (m *MemoryStore) List(ctx context.Context) ([]models.SessionSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, models.SessionSummary{
			Scope:      s.Scope,
			LastActive: s.LastActive,
			TurnCount:  len(s.History),
			Overloaded: s.OverloadCount > 0,
		})
	}
	return out, nil
}
