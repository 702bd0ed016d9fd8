package compaction

import (
	"context"
	"fmt"
	"time"

	"github.com/lanehub/conductor/internal/memory"
	"github.com/lanehub/conductor/internal/sessions"
	"github.com/lanehub/conductor/pkg/models"
)

// Config bounds the compaction protocol (spec §4.2, §6 context.compaction_*).
type Config struct {
	Enabled bool

	TriggerTokens   int
	RetainMessages  int
	Horizon         time.Duration
	FlushMaxChars   int
}

// Compactor runs the atomic compaction protocol: pre-flush the prefix to
// memory, summarize it, then replace it with a single system_checkpoint
// turn. It requires memory to be non-nil whenever Enabled is true — that
// invariant is validated at config load time (spec §4.2: "compaction MUST
// NOT be enabled without memory enabled").
type Compactor struct {
	cfg    Config
	store  sessions.Store
	memory memory.Backend
}

// NewCompactor constructs a Compactor. It panics if cfg.Enabled is true and
// mem is nil, since that combination should have been rejected at config
// validation time already.
func NewCompactor(cfg Config, store sessions.Store, mem memory.Backend) *Compactor {
	if cfg.Enabled && mem == nil {
		panic("compaction: enabled without a memory backend")
	}
	return &Compactor{cfg: cfg, store: store, memory: mem}
}

// MaybeCompact checks whether scope's history exceeds TriggerTokens and, if
// so, runs the full protocol inside a single Store.Upsert call so the
// lane's per-scope exclusivity also serializes compaction attempts.
// Returns whether a compaction actually ran.
func (c *Compactor) MaybeCompact(ctx context.Context, scope models.SessionScope) (bool, error) {
	if !c.cfg.Enabled {
		return false, nil
	}

	var ran bool
	_, err := c.store.Upsert(ctx, scope, func(s *models.Session) error {
		if EstimateMessagesTokens(TurnsToMessages(s.History)) <= c.cfg.TriggerTokens {
			return nil
		}
		if err := c.compactLocked(ctx, s); err != nil {
			return err
		}
		ran = true
		return nil
	})
	return ran, err
}

func (c *Compactor) compactLocked(ctx context.Context, s *models.Session) error {
	retain := c.cfg.RetainMessages
	if retain < 0 {
		retain = 0
	}
	if retain >= len(s.History) {
		return nil // nothing to compact once the retained tail covers everything
	}
	prefix := s.History[:len(s.History)-retain]
	if len(prefix) == 0 {
		return nil
	}

	namespace := memory.Namespace(s.Scope.Key())

	flushText := formatTurnsForFlush(prefix, c.cfg.FlushMaxChars)
	if err := c.memory.Append(ctx, namespace, "pre_compaction_flush", flushText, map[string]any{
		"covers_from": 0,
		"covers_to":   len(prefix) - 1,
	}); err != nil {
		return fmt.Errorf("pre-compaction flush failed, aborting compaction: %w", err)
	}

	summary, err := c.memory.Summarize(ctx, namespace, c.cfg.Horizon)
	if err != nil {
		return fmt.Errorf("summarize for compaction: %w", err)
	}

	checkpoint := models.NewCheckpointTurn(summary, 0, len(prefix)-1)
	s.History = append([]models.ChatTurn{checkpoint}, s.History[len(prefix):]...)
	s.CompactionState.LastCompactedAt = time.Now()
	s.CompactionState.LastSummaryLen = len(summary)
	s.CompactionState.TimesCompacted++
	return nil
}

func formatTurnsForFlush(turns []models.ChatTurn, maxChars int) string {
	text := FormatMessagesForSummary(TurnsToMessages(turns))
	if maxChars > 0 && len(text) > maxChars {
		text = truncateString(text, maxChars)
	}
	return text
}

// TurnToMessage adapts a models.ChatTurn to the Message shape the token
// estimation and summarization helpers in this package operate on — they
// predate ChatTurn and work over the teacher's flatter message model.
func TurnToMessage(t models.ChatTurn) *Message {
	m := &Message{Role: string(t.Kind), Timestamp: t.CreatedAt.Unix()}
	switch t.Kind {
	case models.TurnUser, models.TurnAssistant:
		m.Content = t.Text
		for _, tc := range t.ToolCalls {
			if m.ToolCalls != "" {
				m.ToolCalls += "; "
			}
			m.ToolCalls += tc.Name + "(" + string(tc.Arguments) + ")"
		}
	case models.TurnToolResult:
		m.Content = t.ToolResult.Content
		m.ToolResults = t.ToolResult.Content
	case models.TurnSystemCheckpoint:
		m.Content = t.SummaryText
	}
	return m
}

// TurnsToMessages maps a whole history slice through TurnToMessage.
func TurnsToMessages(turns []models.ChatTurn) []*Message {
	msgs := make([]*Message, len(turns))
	for i, t := range turns {
		msgs[i] = TurnToMessage(t)
	}
	return msgs
}
