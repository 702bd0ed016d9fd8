package providers

import (
	"testing"

	"github.com/lanehub/conductor/internal/agent"
	"github.com/lanehub/conductor/pkg/models"
)

func newTestProvider(t *testing.T) *AnthropicProvider {
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider: %v", err)
	}
	return p
}

func TestNewAnthropicProviderRequiresAPIKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatalf("expected error for missing API key")
	}
}

func TestNewAnthropicProviderDefaultsModel(t *testing.T) {
	p := newTestProvider(t)
	if p.defaultModel == "" {
		t.Fatalf("expected a default model to be set")
	}
}

func TestCombineSystem(t *testing.T) {
	cases := []struct {
		directive, prelude, want string
	}{
		{"", "", ""},
		{"be helpful", "", "be helpful"},
		{"", "remembered fact", "remembered fact"},
		{"be helpful", "remembered fact", "be helpful\n\nremembered fact"},
	}
	for _, c := range cases {
		if got := combineSystem(c.directive, c.prelude); got != c.want {
			t.Fatalf("combineSystem(%q, %q) = %q, want %q", c.directive, c.prelude, got, c.want)
		}
	}
}

func TestToolResultErrorText(t *testing.T) {
	withMsg := models.ToolResult{Outcome: models.ToolOutcomeError, ErrorMsg: "boom"}
	if got := toolResultErrorText(withMsg); got != "error: boom" {
		t.Fatalf("unexpected error text: %q", got)
	}
	withoutMsg := models.ToolResult{Outcome: models.ToolOutcomeTimeout}
	if got := toolResultErrorText(withoutMsg); got != "timed_out" {
		t.Fatalf("unexpected error text: %q", got)
	}
}

func TestConvertTurnsUserAndAssistant(t *testing.T) {
	p := newTestProvider(t)
	turns := []models.ChatTurn{
		models.NewUserTurn("hi there", nil),
		models.NewAssistantTurn("hello back", nil, "run-1"),
	}
	out, err := p.convertTurns(turns)
	if err != nil {
		t.Fatalf("convertTurns: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
}

func TestConvertTurnsAssistantWithToolCall(t *testing.T) {
	p := newTestProvider(t)
	turns := []models.ChatTurn{
		models.NewAssistantTurn("", []models.ToolCall{
			{ID: "tc-1", Name: "time.now", Arguments: []byte(`{}`)},
		}, "run-1"),
	}
	out, err := p.convertTurns(turns)
	if err != nil {
		t.Fatalf("convertTurns: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 message for a tool-call-only assistant turn, got %d", len(out))
	}
}

func TestConvertTurnsRejectsMalformedToolArguments(t *testing.T) {
	p := newTestProvider(t)
	turns := []models.ChatTurn{
		models.NewAssistantTurn("", []models.ToolCall{
			{ID: "tc-1", Name: "time.now", Arguments: []byte(`not-json`)},
		}, "run-1"),
	}
	if _, err := p.convertTurns(turns); err == nil {
		t.Fatalf("expected an error for malformed tool call arguments")
	}
}

func TestConvertTurnsSystemCheckpointFoldedIntoUserMessage(t *testing.T) {
	p := newTestProvider(t)
	turns := []models.ChatTurn{
		{Kind: models.TurnSystemCheckpoint, SummaryText: "earlier summary"},
	}
	out, err := p.convertTurns(turns)
	if err != nil {
		t.Fatalf("convertTurns: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 message, got %d", len(out))
	}
}

func TestConvertTurnsToolResultOkAndError(t *testing.T) {
	p := newTestProvider(t)
	turns := []models.ChatTurn{
		models.NewToolResultTurn("tc-1", models.ToolResult{Outcome: models.ToolOutcomeOK, Content: "42"}, 0, "run-1"),
		models.NewToolResultTurn("tc-2", models.ToolResult{Outcome: models.ToolOutcomeError, ErrorMsg: "bad input"}, 0, "run-1"),
	}
	out, err := p.convertTurns(turns)
	if err != nil {
		t.Fatalf("convertTurns: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(out))
	}
}

func TestConvertToolsProducesOneToolPerSpec(t *testing.T) {
	p := newTestProvider(t)
	specs := []agent.ToolSpec{
		{Name: "time.now", Description: "returns the time", Schema: []byte(`{"type":"object","properties":{}}`)},
		{Name: "shell.run", Description: "runs a command", Schema: []byte(`{"type":"object","properties":{"command":{"type":"string"}}}`)},
	}
	out, err := p.convertTools(specs)
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(out))
	}
}

func TestConvertToolsRejectsMalformedSchema(t *testing.T) {
	p := newTestProvider(t)
	specs := []agent.ToolSpec{
		{Name: "bad.tool", Description: "x", Schema: []byte(`not-json`)},
	}
	if _, err := p.convertTools(specs); err == nil {
		t.Fatalf("expected an error for a malformed tool schema")
	}
}

func TestWrapErrorPassesNilThrough(t *testing.T) {
	p := newTestProvider(t)
	if err := p.wrapError(nil, "claude-x"); err != nil {
		t.Fatalf("expected nil passthrough, got %v", err)
	}
}
