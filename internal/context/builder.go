// Package context assembles the bounded prompt handed to the model for one
// assistant run (spec §4.2): system directive, optional memory-recall
// prelude, then a tail-first scan of session history truncated to fit a
// token budget, with oversized tool results marked rather than dropped.
package context

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lanehub/conductor/internal/compaction"
	"github.com/lanehub/conductor/internal/memory"
	"github.com/lanehub/conductor/pkg/models"
)

// Config bounds what Build produces. Field names mirror the configuration
// surface in spec §6's context.* block.
type Config struct {
	MaxPromptTokens      int
	MinRecentMessages    int
	MaxToolChars         int
	CompactionTriggerTok int

	MemoryRecallLimit int
	MemoryRecallChars int
}

// DefaultConfig returns the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		MaxPromptTokens:      12000,
		MinRecentMessages:    6,
		MaxToolChars:         4000,
		CompactionTriggerTok: 9000,
		MemoryRecallLimit:    5,
		MemoryRecallChars:    2000,
	}
}

// Builder produces bounded prompts from session state.
type Builder struct {
	cfg    Config
	memory memory.Backend // nil disables the recall prelude
}

// NewBuilder constructs a Builder. memory may be nil.
func NewBuilder(cfg Config, mem memory.Backend) *Builder {
	return &Builder{cfg: cfg, memory: mem}
}

// Prompt is the bounded prompt Build assembles, ready to hand to an
// agent.Provider.
type Prompt struct {
	SystemDirective string
	MemoryPrelude   string // empty if memory is nil or nothing matched
	Turns           []models.ChatTurn
	TokenEstimate   int

	// NeedsCompaction signals that history still exceeds
	// CompactionTriggerTok even after this build; the caller should run
	// the compactor and rebuild before sending the request (spec §4.2
	// step 5: "Compaction runs BEFORE prompt emission when triggered").
	NeedsCompaction bool
}

// Build assembles a Prompt for session as of now. lastUserUtterance drives
// the memory-recall query; pass "" to skip recall even when memory is set.
func (b *Builder) Build(ctx context.Context, session *models.Session, now time.Time, systemDirective, lastUserUtterance string) (Prompt, error) {
	prompt := Prompt{SystemDirective: systemDirective}

	if b.memory != nil && lastUserUtterance != "" {
		namespace := memory.Namespace(session.Scope.Key())
		records, err := b.memory.Search(ctx, namespace, lastUserUtterance, b.cfg.MemoryRecallLimit)
		if err != nil {
			return Prompt{}, fmt.Errorf("memory recall: %w", err)
		}
		prompt.MemoryPrelude = formatRecall(records, b.cfg.MemoryRecallChars)
	}

	historyTokens := compaction.EstimateMessagesTokens(compaction.TurnsToMessages(session.History))
	if historyTokens > b.cfg.CompactionTriggerTok {
		prompt.NeedsCompaction = true
	}

	selected, tokens := b.selectTail(session.History)
	prompt.Turns = b.truncateToolResults(selected)
	prompt.TokenEstimate = tokens
	return prompt, nil
}

// selectTail scans history tail-first, keeping turns until the running
// token estimate would exceed MaxPromptTokens, but always keeps at least
// MinRecentMessages turns regardless of budget.
func (b *Builder) selectTail(history []models.ChatTurn) ([]models.ChatTurn, int) {
	if len(history) == 0 {
		return nil, 0
	}

	keptReverse := make([]models.ChatTurn, 0, len(history))
	tokens := 0
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		turnTokens := compaction.EstimateTokens(compaction.TurnToMessage(turn))

		withinBudget := tokens+turnTokens <= b.cfg.MaxPromptTokens
		mustKeep := len(keptReverse) < b.cfg.MinRecentMessages
		if !withinBudget && !mustKeep {
			break
		}

		keptReverse = append(keptReverse, turn)
		tokens += turnTokens
	}

	out := make([]models.ChatTurn, len(keptReverse))
	for i, t := range keptReverse {
		out[len(keptReverse)-1-i] = t
	}
	return out, tokens
}

// truncateToolResults replaces oversized tool_result content with a
// byte-count-preserving marker, per spec §4.2 step 4.
func (b *Builder) truncateToolResults(turns []models.ChatTurn) []models.ChatTurn {
	out := make([]models.ChatTurn, len(turns))
	for i, t := range turns {
		if t.Kind != models.TurnToolResult || len(t.ToolResult.Content) <= b.cfg.MaxToolChars {
			out[i] = t
			continue
		}
		original := t.ToolResult.Content
		truncated := t
		truncated.ToolResult.Content = original[:b.cfg.MaxToolChars] +
			fmt.Sprintf("\n...[truncated, %d bytes total]", len(original))
		truncated.BytesTruncatedFrom = len(original)
		out[i] = truncated
	}
	return out
}

func formatRecall(records []memory.Record, maxChars int) string {
	if len(records) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range records {
		line := fmt.Sprintf("- (%s) %s\n", r.Kind, r.Content)
		if b.Len()+len(line) > maxChars {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

