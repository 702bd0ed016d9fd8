package models

import "time"

// TurnKind tags the variant held by a ChatTurn (spec §3's "tagged union").
type TurnKind string

const (
	TurnUser             TurnKind = "user"
	TurnAssistant        TurnKind = "assistant"
	TurnToolResult       TurnKind = "tool_result"
	TurnSystemCheckpoint TurnKind = "system_checkpoint"
)

// ChatTurn is one immutable entry in a session's history. Only the field(s)
// relevant to Kind are populated; callers must switch on Kind rather than
// infer it from which fields are set.
type ChatTurn struct {
	Kind      TurnKind
	CreatedAt time.Time

	// TurnUser / TurnAssistant
	Text string

	// TurnAssistant only
	ToolCalls []ToolCall

	// TurnToolResult only
	ToolCallID        string
	ToolResult        ToolResult
	BytesTruncatedFrom int // 0 unless the stored content was truncated

	// TurnSystemCheckpoint only
	SummaryText string
	CoversFrom  int // first index of the replaced prefix, inclusive
	CoversTo    int // last index of the replaced prefix, inclusive

	// OriginRunID attributes the turn to the run that produced it, so
	// cancelled runs can be proven to have appended nothing (spec §8).
	OriginRunID string

	// Metadata carries queue-mode shaping annotations such as
	// queue_collected_messages / queue_dropped_messages (spec §4.6).
	Metadata map[string]any
}

// NewUserTurn constructs a user turn.
func NewUserTurn(text string, meta map[string]any) ChatTurn {
	return ChatTurn{Kind: TurnUser, Text: text, CreatedAt: time.Now(), Metadata: meta}
}

// NewAssistantTurn constructs an assistant turn, optionally carrying tool
// calls the model requested.
func NewAssistantTurn(text string, calls []ToolCall, runID string) ChatTurn {
	return ChatTurn{Kind: TurnAssistant, Text: text, ToolCalls: calls, OriginRunID: runID, CreatedAt: time.Now()}
}

// NewToolResultTurn constructs a tool_result turn.
func NewToolResultTurn(callID string, result ToolResult, truncatedFrom int, runID string) ChatTurn {
	return ChatTurn{
		Kind:               TurnToolResult,
		ToolCallID:         callID,
		ToolResult:         result,
		BytesTruncatedFrom: truncatedFrom,
		OriginRunID:        runID,
		CreatedAt:          time.Now(),
	}
}

// NewCheckpointTurn constructs a system_checkpoint turn replacing history
// indices [from, to].
func NewCheckpointTurn(summary string, from, to int) ChatTurn {
	return ChatTurn{Kind: TurnSystemCheckpoint, SummaryText: summary, CoversFrom: from, CoversTo: to, CreatedAt: time.Now()}
}
