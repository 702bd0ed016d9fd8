// Package sessions implements the durable session store (spec §4.1): a
// persistent mapping from SessionScope to conversation state, mutated only
// through Upsert so history, usage totals, and compaction bookkeeping never
// drift out of sync with what was actually persisted.
package sessions

import (
	"context"
	"errors"

	"github.com/lanehub/conductor/pkg/models"
)

// ErrNotFound is returned by Load when no session exists for the scope.
var ErrNotFound = errors.New("sessions: not found")

// Mutator mutates a session in place. It is invoked while Upsert holds the
// scope's exclusive lock; it must not retain the pointer past return.
type Mutator func(*models.Session) error

// Store is the interface for session persistence. Upsert is the ONLY path
// that may change History, UsageTotals, LastActive, or CompactionState —
// every caller that wants to record a turn, bump usage, or run compaction
// goes through it rather than Load-then-some-other-write.
type Store interface {
	// Load returns ErrNotFound if no session exists for scope.
	Load(ctx context.Context, scope models.SessionScope) (*models.Session, error)

	// Upsert loads (or creates) the session for scope, applies mutate, and
	// persists the result durably before returning. The call does not
	// return until storage has acknowledged the write.
	Upsert(ctx context.Context, scope models.SessionScope, mutate Mutator) (*models.Session, error)

	Delete(ctx context.Context, scope models.SessionScope) error

	List(ctx context.Context) ([]models.SessionSummary, error)
}

// StorageError wraps a transient persistence failure. Per spec §7 it is
// run-fatal but scope-local: the session is left unchanged and the caller
// aborts the current run.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "sessions: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }
