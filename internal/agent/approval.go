package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/lanehub/conductor/pkg/models"
)

// ApprovalMode is the policy a risk level resolves to (spec §4.4).
type ApprovalMode string

const (
	ApprovalAuto  ApprovalMode = "auto"
	ApprovalAI    ApprovalMode = "ai"
	ApprovalHuman ApprovalMode = "human"
)

// ApprovalPolicy maps risk level to approval mode, plus the bounded wait for
// human decisions. HumanApprovalTimeout == 0 means wait indefinitely; spec
// §5 restricts that to runtime.mode=dev deployments, enforced by config
// validation rather than here.
type ApprovalPolicy struct {
	ModeByRisk           map[RiskLevel]ApprovalMode
	HumanApprovalTimeout time.Duration
}

// DefaultApprovalPolicy auto-approves low risk, routes medium through the AI
// judge, and requires a human for high risk.
func DefaultApprovalPolicy() ApprovalPolicy {
	return ApprovalPolicy{
		ModeByRisk: map[RiskLevel]ApprovalMode{
			RiskLow:    ApprovalAuto,
			RiskMedium: ApprovalAI,
			RiskHigh:   ApprovalHuman,
		},
		HumanApprovalTimeout: 5 * time.Minute,
	}
}

func (p ApprovalPolicy) modeFor(risk RiskLevel) ApprovalMode {
	if p.ModeByRisk == nil {
		return ApprovalAuto
	}
	if mode, ok := p.ModeByRisk[risk]; ok {
		return mode
	}
	return ApprovalAuto
}

// AIJudge arbitrates medium-risk tool calls with a second, smaller model
// call rather than a fixed rule. Spec §4.4 names the "ai" policy but leaves
// the judge's shape open; this is the minimal contract a judge needs.
type AIJudge interface {
	Judge(ctx context.Context, call models.ToolCall) (approved bool, reason string, err error)
}

// HumanApprover blocks until an operator decides call, or ctx is done.
type HumanApprover interface {
	RequestApproval(ctx context.Context, call models.ToolCall) (approved bool, err error)
}

// ApprovalGate is the decision point between StreamModel and ExecuteEach in
// the assistant loop (spec §4.5): for each tool call, it resolves the
// call's risk level to a decision before the registry ever runs the
// handler.
type ApprovalGate struct {
	policy ApprovalPolicy
	judge  AIJudge
	human  HumanApprover
}

// NewApprovalGate builds a gate. judge and human may be nil; a risk level
// routed to a nil collaborator is denied rather than panicking.
func NewApprovalGate(policy ApprovalPolicy, judge AIJudge, human HumanApprover) *ApprovalGate {
	return &ApprovalGate{policy: policy, judge: judge, human: human}
}

// Decide returns proceed=true when the call may run. When proceed is
// false, outcome and reason are the denied|timed_out ToolResult spec §4.4
// says to append in place of executing the tool.
func (g *ApprovalGate) Decide(ctx context.Context, call models.ToolCall, risk RiskLevel) (proceed bool, outcome models.ToolOutcome, reason string, err error) {
	switch g.policy.modeFor(risk) {
	case ApprovalAI:
		if g.judge == nil {
			return false, models.ToolOutcomeDenied, "no ai judge configured for this risk level", nil
		}
		approved, why, jerr := g.judge.Judge(ctx, call)
		if jerr != nil {
			return false, models.ToolOutcomeDenied, "", jerr
		}
		if !approved {
			return false, models.ToolOutcomeDenied, why, nil
		}
		return true, "", "", nil

	case ApprovalHuman:
		if g.human == nil {
			return false, models.ToolOutcomeDenied, "no human approver configured for this risk level", nil
		}
		waitCtx := ctx
		if g.policy.HumanApprovalTimeout > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, g.policy.HumanApprovalTimeout)
			defer cancel()
		}
		approved, herr := g.human.RequestApproval(waitCtx, call)
		if herr != nil {
			if errors.Is(herr, context.DeadlineExceeded) {
				return false, models.ToolOutcomeTimeout, "human approval timed out", nil
			}
			return false, models.ToolOutcomeDenied, "", herr
		}
		if !approved {
			return false, models.ToolOutcomeDenied, "denied by operator", nil
		}
		return true, "", "", nil

	default: // auto
		return true, "", "", nil
	}
}

// pendingApproval is one outstanding human decision.
type pendingApproval struct {
	call      models.ToolCall
	createdAt time.Time
	decision  chan bool
}

// ChannelHumanApprover is an in-process HumanApprover backed by a
// request/decision channel per call, in the shape the control-plane HTTP
// surface (spec §6) lists and resolves pending approvals through. Grounded
// on the teacher's MemoryApprovalStore pending-request bookkeeping, cut
// down to the binary approve/deny decision spec §4.4 actually needs.
type ChannelHumanApprover struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
}

// NewChannelHumanApprover returns an approver with no pending requests.
func NewChannelHumanApprover() *ChannelHumanApprover {
	return &ChannelHumanApprover{pending: make(map[string]*pendingApproval)}
}

// RequestApproval registers call as pending and blocks until Decide is
// called for it or ctx is done.
func (a *ChannelHumanApprover) RequestApproval(ctx context.Context, call models.ToolCall) (bool, error) {
	p := &pendingApproval{call: call, createdAt: time.Now(), decision: make(chan bool, 1)}

	a.mu.Lock()
	a.pending[call.ID] = p
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, call.ID)
		a.mu.Unlock()
	}()

	select {
	case approved := <-p.decision:
		return approved, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Decide resolves a pending approval by tool call ID. Returns false if no
// such request is outstanding (already decided, timed out, or unknown).
func (a *ChannelHumanApprover) Decide(toolCallID string, approved bool) bool {
	a.mu.Lock()
	p := a.pending[toolCallID]
	a.mu.Unlock()
	if p == nil {
		return false
	}
	select {
	case p.decision <- approved:
		return true
	default:
		return false
	}
}

// PendingApprovalInfo is the read-only projection the control-plane surface
// can list.
type PendingApprovalInfo struct {
	ToolCallID string
	ToolName   string
	CreatedAt  time.Time
}

// ListPending returns every outstanding human approval request.
func (a *ChannelHumanApprover) ListPending() []PendingApprovalInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]PendingApprovalInfo, 0, len(a.pending))
	for id, p := range a.pending {
		out = append(out, PendingApprovalInfo{ToolCallID: id, ToolName: p.call.Name, CreatedAt: p.createdAt})
	}
	return out
}
