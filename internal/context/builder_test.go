package context

import (
	"context"
	"testing"
	"time"

	"github.com/lanehub/conductor/pkg/models"
)

func session(turns ...models.ChatTurn) *models.Session {
	return &models.Session{
		Scope:   models.SessionScope{ChannelID: "telegram", SenderID: "u1"},
		History: turns,
	}
}

func TestBuildKeepsMinRecentMessagesEvenOverBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPromptTokens = 1 // impossibly tight
	cfg.MinRecentMessages = 3
	b := NewBuilder(cfg, nil)

	s := session(
		models.NewUserTurn("one", nil),
		models.NewAssistantTurn("two", nil, "run-1"),
		models.NewUserTurn("three", nil),
	)

	prompt, err := b.Build(context.Background(), s, time.Now(), "be helpful", "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(prompt.Turns) != 3 {
		t.Fatalf("expected all 3 turns kept despite tiny budget, got %d", len(prompt.Turns))
	}
}

func TestBuildTruncatesOversizedToolResult(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxToolChars = 10
	b := NewBuilder(cfg, nil)

	result := models.ToolResult{CallID: "c1", Outcome: models.ToolOutcomeOK, Content: "0123456789extra-bytes-here"}
	s := session(models.NewToolResultTurn("c1", result, 0, "run-1"))

	prompt, err := b.Build(context.Background(), s, time.Now(), "", "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got := prompt.Turns[0].ToolResult.Content
	if len(got) <= cfg.MaxToolChars {
		t.Fatalf("expected truncation marker appended, got short content %q", got)
	}
	if prompt.Turns[0].BytesTruncatedFrom != len(result.Content) {
		t.Fatalf("expected BytesTruncatedFrom=%d, got %d", len(result.Content), prompt.Turns[0].BytesTruncatedFrom)
	}
}

func TestBuildFlagsCompactionWhenOverTrigger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompactionTriggerTok = 1
	b := NewBuilder(cfg, nil)

	s := session(models.NewUserTurn("this message is long enough to exceed one token of budget", nil))
	prompt, err := b.Build(context.Background(), s, time.Now(), "", "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !prompt.NeedsCompaction {
		t.Fatal("expected NeedsCompaction=true")
	}
}
