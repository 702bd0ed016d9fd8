// Package lane owns all concurrency above a single assistant run (spec
// §4.6): one cooperative worker per active session scope, a bounded
// per-scope pending queue, debounce-then-drain batch construction, and the
// four queue-mode shaping behaviors (followup, collect, steer, interrupt).
package lane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lanehub/conductor/internal/debounce"
	"github.com/lanehub/conductor/pkg/models"
)

// RunFunc executes one assistant run for scope and returns once the run has
// either completed, failed, or been cancelled. runID is assigned by the
// scheduler so a cancelled run's appended turns (there should be none) can
// be attributed.
type RunFunc func(ctx context.Context, scope models.SessionScope, triggerText string, meta map[string]any, runID string) error

// Config bounds the scheduler per spec §4.6.
type Config struct {
	MaxConcurrency int
	LaneBuffer     int
	Mode           models.QueueMode
	Debounce       debounce.DebounceConfig
}

// OverloadFunc is invoked whenever a lane drops the oldest pending event
// under backpressure, so the caller can persist the counter onto the
// session (spec §4.6: "a drop-metadata counter is incremented").
type OverloadFunc func(ctx context.Context, scope models.SessionScope, droppedTotal int64)

// Scheduler routes InboundEnvelopes into per-scope lanes and drives runs
// through RunFunc under a global concurrency budget.
type Scheduler struct {
	cfg     Config
	run     RunFunc
	onDrop  OverloadFunc
	sem     chan struct{}
	mu      sync.Mutex
	lanes   map[string]*lane
	closing bool
}

// lane is the scheduler's live bookkeeping and worker loop for one scope.
type lane struct {
	scope models.SessionScope

	mu            sync.Mutex
	state         *models.LaneState
	workerRunning bool
	cancelCurrent context.CancelFunc
	nextRunSeq    int
}

// NewScheduler constructs a scheduler. onDrop may be nil to skip overload
// counter persistence (tests, dry runs).
func NewScheduler(cfg Config, run RunFunc, onDrop OverloadFunc) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 32
	}
	if cfg.Mode == "" {
		cfg.Mode = models.QueueModeFollowup
	}
	return &Scheduler{
		cfg:   cfg,
		run:   run,
		onDrop: onDrop,
		sem:   make(chan struct{}, cfg.MaxConcurrency),
		lanes: make(map[string]*lane),
	}
}

// Submit routes env into its scope's lane, applying the bounded-queue
// drop-oldest policy before the worker ever sees it.
func (s *Scheduler) Submit(ctx context.Context, env models.InboundEnvelope) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	scope := env.Scope()
	key := scope.Key()
	l, ok := s.lanes[key]
	if !ok {
		l = &lane{scope: scope, state: &models.LaneState{Scope: scope, Mode: s.cfg.Mode}}
		s.lanes[key] = l
	}
	s.mu.Unlock()

	l.mu.Lock()
	if len(l.state.Pending) >= s.cfg.LaneBuffer {
		l.state.Pending = l.state.Pending[1:]
		l.state.DroppedSinceOverload++
		dropped := l.state.DroppedSinceOverload
		l.mu.Unlock()
		if s.onDrop != nil {
			s.onDrop(ctx, scope, dropped)
		}
		l.mu.Lock()
	}
	l.state.Pending = append(l.state.Pending, env)

	interrupt := s.cfg.Mode == models.QueueModeInterrupt && l.state.IsBusy() && env.Kind == models.EnvelopeMessage
	cancelCurrent := l.cancelCurrent
	startWorker := !l.workerRunning
	if startWorker {
		l.workerRunning = true
	}
	l.mu.Unlock()

	if interrupt && cancelCurrent != nil {
		cancelCurrent()
	}
	if startWorker {
		go s.runLaneWorker(ctx, l)
	}
}

// Shutdown stops accepting new submissions. In-flight runs are left to the
// caller's context cancellation; this only flips the ingress gate (spec §5:
// "scheduler stops accepting new ingress").
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
}

// runLaneWorker is the single cooperative task per active scope (spec
// §4.6). It drains the lane's pending queue in debounce-bounded batches
// until nothing is left, then exits; Submit restarts it on the next event.
func (s *Scheduler) runLaneWorker(ctx context.Context, l *lane) {
	for {
		batch, debounceWait := s.takeDebounceWindow(l)
		if debounceWait > 0 {
			time.Sleep(debounceWait)
			l.mu.Lock()
			batch = append(batch, l.state.Pending...)
			l.state.Pending = nil
			l.mu.Unlock()
		}
		if len(batch) == 0 {
			l.mu.Lock()
			if len(l.state.Pending) == 0 {
				l.workerRunning = false
				l.mu.Unlock()
				return
			}
			batch = l.state.Pending
			l.state.Pending = nil
			l.mu.Unlock()
		}

		for _, task := range s.shapeBatch(l.scope, batch) {
			s.dispatch(ctx, l, task)
		}
	}
}

// debounceTask is one synthetic trigger to run, after mode shaping has
// folded a batch of InboundEnvelopes into however many runs it produces.
type debounceTask struct {
	text string
	meta map[string]any
}

// takeDebounceWindow reports how long the worker should wait (per configured
// debounce_ms) before draining the pending queue as one batch, per spec §4.6
// step 1. It takes nothing from the queue itself: the returned batch is
// always nil, and the worker drains Pending after the wait.
func (s *Scheduler) takeDebounceWindow(l *lane) ([]models.InboundEnvelope, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.state.Pending) == 0 {
		return nil, 0
	}
	wait := debounce.ResolveDebounceMs(s.cfg.Debounce, string(l.scope.ChannelID), nil)
	return nil, wait
}

// shapeBatch applies spec §4.6 step 2's mode interpretation to one fetched
// batch, returning the triggers the worker should run in order.
func (s *Scheduler) shapeBatch(scope models.SessionScope, batch []models.InboundEnvelope) []debounceTask {
	switch s.cfg.Mode {
	case models.QueueModeFollowup:
		tasks := make([]debounceTask, 0, len(batch))
		for _, env := range batch {
			tasks = append(tasks, debounceTask{text: env.Payload, meta: nil})
		}
		return tasks

	case models.QueueModeCollect:
		return shapeCollect(batch)

	case models.QueueModeSteer, models.QueueModeInterrupt:
		return shapeSteer(batch)

	default:
		return shapeSteer(batch)
	}
}

func shapeCollect(batch []models.InboundEnvelope) []debounceTask {
	var messages []models.InboundEnvelope
	var others []models.InboundEnvelope
	for _, env := range batch {
		if env.Kind == models.EnvelopeMessage {
			messages = append(messages, env)
		} else {
			others = append(others, env)
		}
	}

	var tasks []debounceTask
	if len(messages) >= 2 {
		text := ""
		for i, env := range messages {
			if i > 0 {
				text += "\n"
			}
			text += env.Payload
		}
		tasks = append(tasks, debounceTask{text: text, meta: map[string]any{"queue_collected_messages": len(messages)}})
	} else {
		for _, env := range messages {
			tasks = append(tasks, debounceTask{text: env.Payload})
		}
	}
	for _, env := range others {
		tasks = append(tasks, debounceTask{text: env.Payload})
	}
	return tasks
}

func shapeSteer(batch []models.InboundEnvelope) []debounceTask {
	var messages []models.InboundEnvelope
	var others []models.InboundEnvelope
	for _, env := range batch {
		if env.Kind == models.EnvelopeMessage {
			messages = append(messages, env)
		} else {
			others = append(others, env)
		}
	}

	var tasks []debounceTask
	if len(messages) > 0 {
		latest := messages[len(messages)-1]
		meta := map[string]any(nil)
		if dropped := len(messages) - 1; dropped > 0 {
			meta = map[string]any{"queue_dropped_messages": dropped}
		}
		tasks = append(tasks, debounceTask{text: latest.Payload, meta: meta})
	}
	for _, env := range others {
		tasks = append(tasks, debounceTask{text: env.Payload})
	}
	return tasks
}

// dispatch acquires a global concurrency permit, runs task, and releases
// the permit on completion or cancellation (spec §4.6 step 3).
func (s *Scheduler) dispatch(ctx context.Context, l *lane, task debounceTask) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	l.mu.Lock()
	l.nextRunSeq++
	runID := fmt.Sprintf("%s-%d-%s", l.scope.Key(), l.nextRunSeq, uuid.NewString())
	runCtx, cancel := context.WithCancel(ctx)
	l.state.Current = &models.CurrentRun{RunID: runID, StartedAt: time.Now()}
	l.cancelCurrent = cancel
	l.mu.Unlock()

	err := s.run(runCtx, l.scope, task.text, task.meta, runID)

	l.mu.Lock()
	if err != nil && runCtx.Err() != nil {
		l.state.Current.CancelledAt = time.Now()
	}
	l.state.Current = nil
	l.cancelCurrent = nil
	l.mu.Unlock()
	cancel()
}
