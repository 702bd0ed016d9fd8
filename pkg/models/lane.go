package models

import "time"

// QueueMode selects how a lane shapes a debounced batch of newly arrived
// envelopes into the runs that follow; only interrupt also cancels the run
// that is currently in flight (spec §4.6).
type QueueMode string

const (
	QueueModeFollowup QueueMode = "followup"
	QueueModeCollect  QueueMode = "collect"
	QueueModeSteer    QueueMode = "steer"
	QueueModeInterrupt QueueMode = "interrupt"
)

// CurrentRun describes the run presently holding a lane's exclusive lock.
type CurrentRun struct {
	RunID     string
	StartedAt time.Time
	CancelledAt time.Time // zero unless an interrupt fired
}

// LaneState is the scheduler's live bookkeeping for one SessionScope. It is
// only ever touched while holding the lane's own mutex (see internal/lane).
type LaneState struct {
	Scope SessionScope

	// Pending holds envelopes collected since the last flush, in arrival
	// order. Its interpretation depends on QueueMode: followup appends,
	// collect batches, steer keeps only the newest, interrupt also keeps
	// only the newest but additionally signals CurrentRun to cancel.
	Pending []InboundEnvelope

	Mode QueueMode

	Current *CurrentRun // nil when the lane is idle

	DebounceUntil time.Time

	// DroppedSinceOverload counts envelopes discarded by backpressure
	// drop-oldest policy over the lane's lifetime; it is never reset.
	DroppedSinceOverload int64
}

// IsBusy reports whether a run currently holds this lane.
func (l *LaneState) IsBusy() bool {
	return l != nil && l.Current != nil
}
