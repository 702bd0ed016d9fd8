package sessions

import (
	"context"
	"testing"

	"github.com/lanehub/conductor/pkg/models"
)

func TestMemoryStoreLoadMissing(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Load(context.Background(), models.SessionScope{ChannelID: "telegram", SenderID: "u1"})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreUpsertCreatesThenMutates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	scope := models.SessionScope{ChannelID: "telegram", SenderID: "u1"}

	got, err := store.Upsert(ctx, scope, func(s *models.Session) error {
		s.History = append(s.History, models.NewUserTurn("hi", nil))
		return nil
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(got.History) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(got.History))
	}

	got, err = store.Upsert(ctx, scope, func(s *models.Session) error {
		s.History = append(s.History, models.NewAssistantTurn("hello", nil, "run-1"))
		return nil
	})
	if err != nil {
		t.Fatalf("upsert 2: %v", err)
	}
	if len(got.History) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(got.History))
	}
}

func TestMemoryStoreUpsertMutatorErrorLeavesSessionUnchanged(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	scope := models.SessionScope{ChannelID: "telegram", SenderID: "u1"}

	if _, err := store.Upsert(ctx, scope, func(s *models.Session) error {
		s.History = append(s.History, models.NewUserTurn("hi", nil))
		return nil
	}); err != nil {
		t.Fatalf("seed upsert: %v", err)
	}

	boom := errTest("boom")
	if _, err := store.Upsert(ctx, scope, func(s *models.Session) error {
		s.History = append(s.History, models.NewUserTurn("should not stick", nil))
		return boom
	}); err != boom {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := store.Load(ctx, scope)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.History) != 1 {
		t.Fatalf("expected mutator failure to not persist, got %d turns", len(got.History))
	}
}

func TestMemoryStoreDeleteAndList(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	scopeA := models.SessionScope{ChannelID: "telegram", SenderID: "a"}
	scopeB := models.SessionScope{ChannelID: "discord", SenderID: "b"}

	for _, scope := range []models.SessionScope{scopeA, scopeB} {
		if _, err := store.Upsert(ctx, scope, func(s *models.Session) error { return nil }); err != nil {
			t.Fatalf("upsert %v: %v", scope, err)
		}
	}

	summaries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}

	if err := store.Delete(ctx, scopeA); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, scopeA); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
