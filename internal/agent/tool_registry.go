package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lanehub/conductor/pkg/models"
)

// RiskLevel is the approval-policy key a tool is registered under (spec §4.4).
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Handler runs a tool's side effect given its validated arguments.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// ToolDefinition is one entry in the registry: {name, argument_schema, risk,
// handler} from spec §4.4.
type ToolDefinition struct {
	Name        string
	Description string
	Risk        RiskLevel
	Handler     Handler

	schema    *jsonschema.Schema
	schemaRaw json.RawMessage
}

// ToolRegistry maps tool name to definition. Immutable after startup (spec
// §5): tools are registered during wiring, never mutated mid-run.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDefinition
}

// NewToolRegistry returns an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolDefinition)}
}

// Register compiles schemaJSON (a JSON Schema draft document) and adds the
// tool under its name, replacing any prior registration with the same name.
// additionalProperties should be false in schemaJSON for the strict
// unknown-field rejection spec §4.4 requires; Register does not force it,
// since some tools legitimately accept open-ended maps.
func (r *ToolRegistry) Register(name, description string, schemaJSON []byte, risk RiskLevel, handler Handler) error {
	schema, err := jsonschema.CompileString(name+".schema.json", string(schemaJSON))
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = &ToolDefinition{
		Name:        name,
		Description: description,
		Risk:        risk,
		Handler:     handler,
		schema:      schema,
		schemaRaw:   json.RawMessage(schemaJSON),
	}
	return nil
}

// Get returns a tool definition by name.
func (r *ToolRegistry) Get(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// Specs returns every registered tool's name/description/schema, in the
// shape a model provider expects to see as available tools.
func (r *ToolRegistry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, def := range r.tools {
		specs = append(specs, ToolSpec{Name: def.Name, Description: def.Description, Schema: def.schemaRaw})
	}
	return specs
}

// Execute validates call.Arguments against the tool's schema, then runs the
// handler under a per-call wall-clock limit (tool_max_runtime_seconds, spec
// §4.4). maxRuntime <= 0 means no limit. Validation failure or a missing
// tool never invokes the handler.
func (r *ToolRegistry) Execute(ctx context.Context, call models.ToolCall, maxRuntime time.Duration) models.ToolResult {
	def, ok := r.Get(call.Name)
	if !ok {
		return models.ToolResult{
			CallID:    call.ID,
			Outcome:   models.ToolOutcomeError,
			ErrorKind: "not_found",
			ErrorMsg:  "tool not registered: " + call.Name,
		}
	}

	if err := validateArguments(def.schema, call.Arguments); err != nil {
		argErr := &ArgumentError{ToolName: call.Name, Reason: err.Error()}
		return models.ToolResult{
			CallID:    call.ID,
			Outcome:   models.ToolOutcomeError,
			ErrorKind: "argument_error",
			ErrorMsg:  argErr.Error(),
		}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if maxRuntime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, maxRuntime)
		defer cancel()
	}

	start := time.Now()
	content, err := def.Handler(runCtx, call.Arguments)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.ToolResult{CallID: call.ID, Outcome: models.ToolOutcomeTimeout, Duration: elapsed}
		}
		return models.ToolResult{
			CallID:    call.ID,
			Outcome:   models.ToolOutcomeError,
			ErrorKind: "execution_error",
			ErrorMsg:  err.Error(),
			Duration:  elapsed,
		}
	}
	return models.ToolResult{CallID: call.ID, Outcome: models.ToolOutcomeOK, Content: content, Duration: elapsed}
}

// validateArguments enforces the strict schema rule from spec §4.4: unknown
// fields or missing required fields fail before the handler ever runs.
func validateArguments(schema *jsonschema.Schema, args json.RawMessage) error {
	if schema == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded interface{}
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments failed schema validation: %w", err)
	}
	return nil
}

// ToolSpec is the wire shape a model provider sees for one available tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}
