package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lanehub/conductor/internal/agent/jobs"
	"github.com/lanehub/conductor/internal/compaction"
	agentctx "github.com/lanehub/conductor/internal/context"
	"github.com/lanehub/conductor/internal/memory"
	"github.com/lanehub/conductor/internal/sessions"
	"github.com/lanehub/conductor/pkg/models"
)

// ChatRequest is what the Loop hands a Provider for one StreamModel step.
type ChatRequest struct {
	Profile         models.ModelProfile
	SystemDirective string
	MemoryPrelude   string
	Turns           []models.ChatTurn
	Tools           []ToolSpec
	MaxTokens       int
}

// StreamEvent is one piece of a provider's streamed response. Exactly one
// event in a stream carries Done == true; ToolCalls is only populated on
// that final event, since most provider wire formats assemble tool calls
// incrementally but only emit them whole.
type StreamEvent struct {
	TextDelta string
	ToolCalls []models.ToolCall
	Done      bool
	Err       error
}

// Provider is the model collaborator spec §6 calls out as "chat / chat_stream".
type Provider interface {
	Name() string
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error)
}

// LoopConfig bounds one run per spec §4.5's LoopGuard.
type LoopConfig struct {
	ToolLoopsMax        int
	ToolMaxRuntime      time.Duration // per-call AND cumulative-over-run limit
	ToolNoProgressLimit int
	MaxTokens           int
	SystemDirective     string

	SupportsStreamingDeltas bool

	// AsyncTools lists tool names that run as background jobs instead of
	// blocking the loop: the call returns immediately with a job id, and
	// JobStore records the eventual result for the control plane to surface.
	AsyncTools []string
	JobStore   jobs.Store
	// AsyncWorkers bounds how many async tool jobs run concurrently across
	// the whole process; <=0 defaults to 4.
	AsyncWorkers int
}

// DefaultLoopConfig mirrors the spec's suggested defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		ToolLoopsMax:        25,
		ToolMaxRuntime:      2 * time.Minute,
		ToolNoProgressLimit: 3,
		MaxTokens:           4096,
	}
}

// RunOutcome is what run(scope, trigger, cancel_signal) returns per spec §4.5.
type RunOutcome struct {
	FinalText string
	Cancelled bool
	Err       error
}

// Loop implements the assistant loop state machine of spec §4.5:
//
//	Start -> BuildPrompt -> StreamModel ->
//	  (tool_calls? -> ApproveEach -> ExecuteEach serial ->
//	     AppendResults -> LoopGuard -> BuildPrompt)
//	  (no tool_calls -> AppendAssistant -> EmitFinal -> End)
type Loop struct {
	provider  Provider
	profiles  *ProfileChain
	tools     *ToolRegistry
	approval  *ApprovalGate
	sessions  sessions.Store
	builder   *agentctx.Builder
	compactor *compaction.Compactor
	memory    memory.Backend
	cfg       LoopConfig
	asyncTools map[string]struct{}
	asyncPool  *errgroup.Group
}

// NewLoop wires the collaborators a run needs. memory may be nil (then
// completion-time observation append is skipped, per spec §4.5's "optional").
// Async tool dispatch (cfg.AsyncTools/JobStore) shares one process-wide
// errgroup-bounded worker pool rather than an unbounded goroutine per job,
// so a burst of long-running tool calls can't exhaust process resources.
func NewLoop(provider Provider, profiles *ProfileChain, tools *ToolRegistry, approval *ApprovalGate, store sessions.Store, builder *agentctx.Builder, compactor *compaction.Compactor, mem memory.Backend, cfg LoopConfig) *Loop {
	workers := cfg.AsyncWorkers
	if workers <= 0 {
		workers = 4
	}
	pool := &errgroup.Group{}
	pool.SetLimit(workers)

	asyncTools := make(map[string]struct{}, len(cfg.AsyncTools))
	for _, name := range cfg.AsyncTools {
		asyncTools[name] = struct{}{}
	}

	return &Loop{
		provider:   provider,
		profiles:   profiles,
		tools:      tools,
		approval:   approval,
		sessions:   store,
		builder:    builder,
		compactor:  compactor,
		memory:     mem,
		cfg:        cfg,
		asyncTools: asyncTools,
		asyncPool:  pool,
	}
}

// Run executes one assistant run for scope, triggered by triggerText (either
// a single envelope's payload or a lane-coalesced batch, see spec §4.6).
// out receives typing/delta/final OutboundEnvelopes; it may be nil for
// callers that only want the final RunOutcome.
func (l *Loop) Run(ctx context.Context, scope models.SessionScope, triggerText string, meta map[string]any, runID string, out chan<- models.OutboundEnvelope, events chan<- *models.ToolEvent) RunOutcome {
	typingOn := false
	defer func() {
		if typingOn && out != nil {
			sendOutbound(out, scope, models.OutboundTypingOff, "")
		}
	}()

	if _, err := l.sessions.Upsert(ctx, scope, func(s *models.Session) error {
		s.History = append(s.History, models.NewUserTurn(triggerText, meta))
		s.LastActive = time.Now()
		return nil
	}); err != nil {
		return RunOutcome{Err: &LoopError{Phase: PhaseInit, Cause: err}}
	}

	runStart := time.Now()
	toolLoops := 0
	noProgress := 0

	// pending buffers this run's assistant and tool-result turns in memory.
	// Per spec, a cancelled or failed run must leave no ChatTurn with
	// origin_run_id = runID in the durable history, so nothing accumulated
	// here touches the store until the run reaches its final, fully
	// materialized assistant turn (see the single Upsert below).
	var pending []models.ChatTurn

	withPending := func(s *models.Session) *models.Session {
		working := *s
		working.History = append(append([]models.ChatTurn(nil), s.History...), pending...)
		return &working
	}

	for {
		select {
		case <-ctx.Done():
			return RunOutcome{Cancelled: true}
		default:
		}

		session, err := l.sessions.Load(ctx, scope)
		if err != nil {
			return RunOutcome{Err: &LoopError{Phase: PhaseContinue, Iteration: toolLoops, Cause: err}}
		}
		working := withPending(session)

		if !typingOn && out != nil {
			sendOutbound(out, scope, models.OutboundTypingOn, "")
			typingOn = true
		}

		prompt, err := l.builder.Build(ctx, working, time.Now(), l.cfg.SystemDirective, triggerText)
		if err != nil {
			return RunOutcome{Err: &LoopError{Phase: PhaseContinue, Iteration: toolLoops, Cause: err}}
		}
		if prompt.NeedsCompaction && l.compactor != nil {
			if _, cerr := l.compactor.MaybeCompact(ctx, scope); cerr != nil {
				return RunOutcome{Err: &LoopError{Phase: PhaseContinue, Iteration: toolLoops, Cause: cerr}}
			}
			session, err = l.sessions.Load(ctx, scope)
			if err != nil {
				return RunOutcome{Err: &LoopError{Phase: PhaseContinue, Iteration: toolLoops, Cause: err}}
			}
			working = withPending(session)
			prompt, err = l.builder.Build(ctx, working, time.Now(), l.cfg.SystemDirective, triggerText)
			if err != nil {
				return RunOutcome{Err: &LoopError{Phase: PhaseContinue, Iteration: toolLoops, Cause: err}}
			}
		}

		text, toolCalls, err := l.streamModel(ctx, working, prompt, out)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return RunOutcome{Cancelled: true}
			}
			return RunOutcome{Err: &LoopError{Phase: PhaseStream, Iteration: toolLoops, Cause: err}}
		}

		if len(toolCalls) == 0 {
			pending = append(pending, models.NewAssistantTurn(text, nil, runID))
			if _, err := l.sessions.Upsert(ctx, scope, func(s *models.Session) error {
				s.History = append(s.History, pending...)
				return nil
			}); err != nil {
				return RunOutcome{Err: &LoopError{Phase: PhaseComplete, Iteration: toolLoops, Cause: err}}
			}
			if out != nil {
				sendOutbound(out, scope, models.OutboundFinal, text)
			}
			l.appendMemoryObservation(ctx, scope, text)
			return RunOutcome{FinalText: text}
		}

		toolLoops++
		if toolLoops > l.cfg.ToolLoopsMax {
			return RunOutcome{Err: &LoopError{Phase: PhaseExecuteTools, Iteration: toolLoops, Cause: ErrMaxIterations}}
		}

		pending = append(pending, models.NewAssistantTurn(text, toolCalls, runID))

		progressed := text != ""
		for _, call := range toolCalls {
			select {
			case <-ctx.Done():
				// Drop any tool not yet started. Nothing in pending has
				// reached the store, so this run leaves no trace.
				return RunOutcome{Cancelled: true}
			default:
			}

			if l.cfg.ToolMaxRuntime > 0 && time.Since(runStart) > l.cfg.ToolMaxRuntime {
				return RunOutcome{Err: &LoopError{Phase: PhaseExecuteTools, Iteration: toolLoops, Cause: errors.New("cumulative tool runtime exceeded")}}
			}

			emitToolEvent(events, &models.ToolEvent{ToolCallID: call.ID, ToolName: call.Name, Stage: models.ToolEventRequested, Input: call.Arguments})

			result := l.approveAndExecute(ctx, scope, call, events)
			if result.Outcome == models.ToolOutcomeOK {
				progressed = true
			}

			emitToolEvent(events, toolEventForResult(call, result))

			pending = append(pending, models.NewToolResultTurn(call.ID, result, 0, runID))
		}

		if progressed {
			noProgress = 0
		} else {
			noProgress++
		}
		if noProgress >= l.cfg.ToolNoProgressLimit {
			return RunOutcome{Err: &LoopError{Phase: PhaseExecuteTools, Iteration: toolLoops, Cause: errors.New("no progress across consecutive turns")}}
		}
	}
}

// approveAndExecute runs ApproveEach then ExecuteEach for one tool call. A
// tool named in cfg.AsyncTools is dispatched to the background job pool
// instead: the run gets an immediate acknowledgement result and moves on,
// rather than blocking on a tool whose own contract says it runs long.
func (l *Loop) approveAndExecute(ctx context.Context, scope models.SessionScope, call models.ToolCall, events chan<- *models.ToolEvent) models.ToolResult {
	def, ok := l.tools.Get(call.Name)
	if !ok {
		return models.ToolResult{CallID: call.ID, Outcome: models.ToolOutcomeError, ErrorKind: "not_found", ErrorMsg: "tool not registered: " + call.Name}
	}

	if l.approval != nil {
		proceed, outcome, reason, err := l.approval.Decide(ctx, call, def.Risk)
		if err != nil {
			return models.ToolResult{CallID: call.ID, Outcome: models.ToolOutcomeError, ErrorKind: "approval_error", ErrorMsg: err.Error()}
		}
		if !proceed {
			stage := models.ToolEventDenied
			if outcome == models.ToolOutcomeTimeout {
				stage = models.ToolEventFailed
			}
			emitToolEvent(events, &models.ToolEvent{ToolCallID: call.ID, ToolName: call.Name, Stage: stage, PolicyReason: reason})
			return models.ToolResult{CallID: call.ID, Outcome: outcome, ErrorMsg: reason}
		}
	}

	if l.isAsyncTool(call.Name) {
		return l.dispatchAsync(scope, call)
	}

	emitToolEvent(events, &models.ToolEvent{ToolCallID: call.ID, ToolName: call.Name, Stage: models.ToolEventStarted, StartedAt: time.Now()})
	return l.tools.Execute(ctx, call, l.cfg.ToolMaxRuntime)
}

func (l *Loop) isAsyncTool(name string) bool {
	if l.cfg.JobStore == nil {
		return false
	}
	_, ok := l.asyncTools[name]
	return ok
}

// dispatchAsync records call as a queued job and hands its execution to the
// bounded worker pool, returning immediately so the loop's serial tool
// ordering (spec §5) only ever sees the acknowledgement, never the eventual
// result.
func (l *Loop) dispatchAsync(scope models.SessionScope, call models.ToolCall) models.ToolResult {
	job := &jobs.Job{
		ID:         call.ID,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		Scope:      scope,
		Status:     jobs.StatusQueued,
		CreatedAt:  time.Now(),
	}
	createCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.cfg.JobStore.Create(createCtx, job); err != nil {
		return models.ToolResult{CallID: call.ID, Outcome: models.ToolOutcomeError, ErrorKind: "job_store_error", ErrorMsg: err.Error()}
	}

	l.asyncPool.Go(func() error {
		l.runAsyncJob(job, call)
		return nil
	})

	return models.ToolResult{CallID: call.ID, Outcome: models.ToolOutcomeOK, Content: fmt.Sprintf("job %s queued", job.ID)}
}

// runAsyncJob executes call on its own detached context (the requesting
// run's ctx may already be gone by the time this drains) and persists the
// outcome back onto job.
func (l *Loop) runAsyncJob(job *jobs.Job, call models.ToolCall) {
	runCtx := context.Background()
	if l.cfg.ToolMaxRuntime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, l.cfg.ToolMaxRuntime)
		defer cancel()
	}

	job.Status = jobs.StatusRunning
	job.StartedAt = time.Now()
	_ = l.cfg.JobStore.Update(context.Background(), job)

	result := l.tools.Execute(runCtx, call, l.cfg.ToolMaxRuntime)

	job.FinishedAt = time.Now()
	job.Result = &result
	if result.Outcome == models.ToolOutcomeOK {
		job.Status = jobs.StatusSucceeded
	} else {
		job.Status = jobs.StatusFailed
		job.Error = result.ErrorMsg
	}
	_ = l.cfg.JobStore.Update(context.Background(), job)
}

func toolEventForResult(call models.ToolCall, result models.ToolResult) *models.ToolEvent {
	ev := &models.ToolEvent{ToolCallID: call.ID, ToolName: call.Name, FinishedAt: time.Now()}
	switch result.Outcome {
	case models.ToolOutcomeOK:
		ev.Stage = models.ToolEventSucceeded
		ev.Output = result.Content
	case models.ToolOutcomeDenied:
		ev.Stage = models.ToolEventDenied
		ev.Error = result.ErrorMsg
	case models.ToolOutcomeTimeout:
		ev.Stage = models.ToolEventFailed
		ev.Error = "timed out"
	default:
		ev.Stage = models.ToolEventFailed
		ev.Error = result.ErrorMsg
	}
	return ev
}

// emitToolEvent is a non-blocking best-effort send: observability must never
// stall the assistant loop waiting for a slow listener.
func emitToolEvent(events chan<- *models.ToolEvent, ev *models.ToolEvent) {
	if events == nil || ev == nil {
		return
	}
	select {
	case events <- ev:
	default:
	}
}

// streamModel drives ProfileChain.Call so model failover is transparent to
// the state machine: StreamModel either returns one assistant turn's worth
// of text and tool calls, or an error once the whole chain is exhausted.
func (l *Loop) streamModel(ctx context.Context, session *models.Session, prompt agentctx.Prompt, out chan<- models.OutboundEnvelope) (string, []models.ToolCall, error) {
	var text string
	var toolCalls []models.ToolCall

	err := l.profiles.Call(session, time.Now, func(p *models.ModelProfile) error {
		text, toolCalls = "", nil
		req := ChatRequest{
			Profile:         *p,
			SystemDirective: prompt.SystemDirective,
			MemoryPrelude:   prompt.MemoryPrelude,
			Turns:           prompt.Turns,
			Tools:           l.tools.Specs(),
			MaxTokens:       l.cfg.MaxTokens,
		}
		stream, err := l.provider.ChatStream(ctx, req)
		if err != nil {
			return err
		}
		for ev := range stream {
			if ev.Err != nil {
				return ev.Err
			}
			if ev.TextDelta != "" {
				text += ev.TextDelta
				if out != nil && l.cfg.SupportsStreamingDeltas {
					sendOutbound(out, session.Scope, models.OutboundDelta, ev.TextDelta)
				}
			}
			if ev.Done {
				toolCalls = ev.ToolCalls
			}
		}
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return text, toolCalls, nil
}

// appendMemoryObservation is the "optionally append a conversation
// observation to memory" step of spec §4.5. Failure is logged, never fatal
// to the run.
func (l *Loop) appendMemoryObservation(ctx context.Context, scope models.SessionScope, finalText string) {
	if l.memory == nil || finalText == "" {
		return
	}
	namespace := memory.Namespace(scope.Key())
	if err := l.memory.Append(ctx, namespace, "assistant_turn", finalText, nil); err != nil {
		slog.Default().Warn("memory observation append failed", "scope", scope.Key(), "error", err)
	}
}

// sendOutbound delivers one envelope on the run's single outbound channel,
// preserving emission order (spec §5 O2). It does not select on ctx: a full
// channel means the caller isn't draining fast enough, which should stall
// the run rather than silently drop a chunk.
func sendOutbound(out chan<- models.OutboundEnvelope, scope models.SessionScope, kind models.OutboundKind, content string) {
	out <- models.OutboundEnvelope{ChannelID: scope.ChannelID, Recipient: scope.SenderID, Kind: kind, Content: content}
}
