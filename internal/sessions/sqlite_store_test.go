package sessions

import (
	"context"
	"testing"

	"github.com/lanehub/conductor/pkg/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	scope := models.SessionScope{ChannelID: "telegram", SenderID: "u1"}

	if _, err := store.Upsert(ctx, scope, func(s *models.Session) error {
		s.History = append(s.History, models.NewUserTurn("hello", nil))
		s.ModelOverride = "claude-opus"
		return nil
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.Load(ctx, scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.History) != 1 || got.History[0].Text != "hello" {
		t.Fatalf("unexpected history after round trip: %+v", got.History)
	}
	if got.ModelOverride != "claude-opus" {
		t.Fatalf("expected model override to survive round trip, got %q", got.ModelOverride)
	}
}

func TestSQLiteStoreUpsertIsAtomicPerScope(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	scope := models.SessionScope{ChannelID: "telegram", SenderID: "u1"}

	for i := 0; i < 5; i++ {
		if _, err := store.Upsert(ctx, scope, func(s *models.Session) error {
			s.History = append(s.History, models.NewUserTurn("turn", nil))
			return nil
		}); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	got, err := store.Load(ctx, scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.History) != 5 {
		t.Fatalf("expected 5 turns, got %d", len(got.History))
	}
}

func TestSQLiteStoreDeleteThenList(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	scope := models.SessionScope{ChannelID: "telegram", SenderID: "u1"}

	if _, err := store.Upsert(ctx, scope, func(s *models.Session) error { return nil }); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	summaries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}

	if err := store.Delete(ctx, scope); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, scope); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
