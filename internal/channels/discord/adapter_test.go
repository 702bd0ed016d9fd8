package discord

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/lanehub/conductor/pkg/models"
)

func noopInbound(ctx context.Context, env models.InboundEnvelope) {}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}, noopInbound); err == nil {
		t.Fatalf("expected error for missing token")
	}
}

func TestNewOK(t *testing.T) {
	a, err := New(Config{Token: "abc"}, noopInbound)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.ChannelID() != models.ChannelID("discord") {
		t.Fatalf("unexpected channel id %q", a.ChannelID())
	}
	caps := a.Capabilities()
	if caps.StreamingDeltas {
		t.Fatalf("discord adapter must not advertise streaming deltas")
	}
	if !caps.TypingIndicator {
		t.Fatalf("discord adapter should advertise typing indicator support")
	}
}

func TestHandleMessageIgnoresBotAuthors(t *testing.T) {
	a, err := New(Config{Token: "abc"}, func(ctx context.Context, env models.InboundEnvelope) {
		t.Fatalf("inbound should not be called for a bot author")
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author:  &discordgo.User{ID: "1", Bot: true},
		Content: "hi",
	}}
	a.handleMessage(context.Background(), nil, m)
}

func TestHandleMessageIgnoresEmptyContent(t *testing.T) {
	a, err := New(Config{Token: "abc"}, func(ctx context.Context, env models.InboundEnvelope) {
		t.Fatalf("inbound should not be called for empty content")
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author:  &discordgo.User{ID: "1"},
		Content: "",
	}}
	a.handleMessage(context.Background(), nil, m)
}

func TestHandleMessageNormalizesGroupAndDirect(t *testing.T) {
	var got models.InboundEnvelope
	a, err := New(Config{Token: "abc"}, func(ctx context.Context, env models.InboundEnvelope) {
		got = env
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author:    &discordgo.User{ID: "42"},
		ChannelID: "chan-1",
		GuildID:   "guild-1",
		Content:   "hello",
	}}
	a.handleMessage(context.Background(), nil, m)

	if !got.IsGroup {
		t.Fatalf("expected a guild message to be marked as group")
	}
	if got.SenderID != "42" || got.ThreadID != "chan-1" || got.Payload != "hello" {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if got.Kind != models.EnvelopeMessage {
		t.Fatalf("expected EnvelopeMessage kind, got %v", got.Kind)
	}

	m2 := &discordgo.MessageCreate{Message: &discordgo.Message{
		Author:    &discordgo.User{ID: "42"},
		ChannelID: "dm-1",
		GuildID:   "",
		Content:   "hi again",
	}}
	a.handleMessage(context.Background(), nil, m2)
	if got.IsGroup {
		t.Fatalf("expected a DM (no guild id) to not be marked as group")
	}
}

func TestMessageTimestampFallsBackToNow(t *testing.T) {
	before := time.Now()
	m := &discordgo.MessageCreate{Message: &discordgo.Message{}}
	ts := messageTimestamp(m)
	if ts.Before(before) {
		t.Fatalf("expected fallback timestamp to be at or after call time")
	}
}

func TestMessageTimestampUsesMessageValue(t *testing.T) {
	want := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m := &discordgo.MessageCreate{Message: &discordgo.Message{Timestamp: want}}
	if got := messageTimestamp(m); !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	a, err := New(Config{Token: "abc"}, noopInbound)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("expected Stop before Start to be a no-op, got %v", err)
	}
}
