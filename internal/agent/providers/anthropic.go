// Package providers contains agent.Provider implementations. AnthropicProvider
// is the reference implementation wired against the Anthropic Messages API.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lanehub/conductor/internal/agent"
	"github.com/lanehub/conductor/pkg/models"
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// AnthropicProvider implements agent.Provider against Claude's Messages API.
// Grounded on the teacher's providers.AnthropicProvider, cut down to the
// single ChatStream contract the assistant loop actually calls and
// generalized from the teacher's fixed request/chunk shapes to this
// module's models.ChatTurn history and agent.ChatRequest/StreamEvent.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider builds a provider. credential is resolved by the
// caller (spec §6: credential_ref never carries the secret itself into
// config) and passed in as the literal API key.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...), defaultModel: defaultModel}, nil
}

// Name returns the provider identifier the profile chain routes by.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// ChatStream drives one model turn: it streams text deltas as they arrive
// and accumulates any tool_use blocks, sending a single Done event carrying
// the complete list of requested tool calls; the text itself arrives only
// through the TextDelta events.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req agent.ChatRequest) (<-chan agent.StreamEvent, error) {
	messages, err := p.convertTurns(req.Turns)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert history: %w", err)
	}
	tools, err := p.convertTools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert tools: %w", err)
	}

	model := req.Profile.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	system := combineSystem(req.SystemDirective, req.MemoryPrelude)
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = tools
	}

	events := make(chan agent.StreamEvent)
	go p.run(ctx, params, model, events)
	return events, nil
}

func (p *AnthropicProvider) run(ctx context.Context, params anthropic.MessageNewParams, model string, events chan<- agent.StreamEvent) {
	defer close(events)

	stream := p.client.Messages.NewStreaming(ctx, params)

	var textBuilder strings.Builder
	var toolCalls []models.ToolCall
	var currentCall *models.ToolCall
	var currentInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentCall = &models.ToolCall{ID: use.ID, Name: use.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textBuilder.WriteString(delta.Text)
					select {
					case events <- agent.StreamEvent{TextDelta: delta.Text}:
					case <-ctx.Done():
						return
					}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.Arguments = json.RawMessage(currentInput.String())
				toolCalls = append(toolCalls, *currentCall)
				currentCall = nil
			}

		case "message_stop":
			events <- agent.StreamEvent{Done: true, ToolCalls: toolCalls}
			return

		case "error":
			events <- agent.StreamEvent{Err: p.wrapError(errors.New("anthropic stream error"), model), Done: true}
			return
		}
	}

	if err := stream.Err(); err != nil {
		events <- agent.StreamEvent{Err: p.wrapError(err, model), Done: true}
		return
	}
	events <- agent.StreamEvent{Done: true, ToolCalls: toolCalls}
}

// convertTurns maps session history onto Anthropic's role-tagged content
// blocks. System checkpoint turns are folded into a user-role summary block
// since Anthropic has no "system checkpoint" role mid-conversation.
func (p *AnthropicProvider) convertTurns(turns []models.ChatTurn) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, t := range turns {
		switch t.Kind {
		case models.TurnUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Text)))

		case models.TurnSystemCheckpoint:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("[earlier conversation summary]\n"+t.SummaryText)))

		case models.TurnAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if t.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(t.Text))
			}
			for _, tc := range t.ToolCalls {
				var input map[string]any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, fmt.Errorf("tool call %s: %w", tc.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}

		case models.TurnToolResult:
			isError := t.ToolResult.Outcome != models.ToolOutcomeOK
			content := t.ToolResult.Content
			if isError {
				content = toolResultErrorText(t.ToolResult)
			}
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(t.ToolCallID, content, isError)))
		}
	}
	return out, nil
}

func toolResultErrorText(r models.ToolResult) string {
	if r.ErrorMsg != "" {
		return fmt.Sprintf("%s: %s", r.Outcome, r.ErrorMsg)
	}
	return string(r.Outcome)
}

func (p *AnthropicProvider) convertTools(specs []agent.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if len(spec.Schema) > 0 {
			if err := json.Unmarshal(spec.Schema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid schema: %w", spec.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("tool %s: missing tool definition", spec.Name)
		}
		toolParam.OfTool.Description = anthropic.String(spec.Description)
		out = append(out, toolParam)
	}
	return out, nil
}

func combineSystem(directive, memoryPrelude string) string {
	if memoryPrelude == "" {
		return directive
	}
	if directive == "" {
		return memoryPrelude
	}
	return directive + "\n\n" + memoryPrelude
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return fmt.Errorf("anthropic %s (status %d): %w", model, apiErr.StatusCode, err)
	}
	return fmt.Errorf("anthropic %s: %w", model, err)
}
