package sessions

import (
	"sync"

	"github.com/lanehub/conductor/pkg/models"
)

// Locker hands out an exclusive, ref-counted lock per SessionScope so
// concurrent Upserts against DIFFERENT scopes never block each other while
// Upserts against the SAME scope are fully serialized (spec §5: "the
// session store implementation MAY allow concurrent upserts for DIFFERENT
// scopes"). In practice the lane scheduler already guarantees at most one
// in-flight run per scope (I1), so this mainly protects against a second
// writer such as the control plane's DELETE /sessions/:id racing a run.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*scopeLock
}

type scopeLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*scopeLock)}
}

// Lock blocks until scope's lock is held and returns the unlock function.
func (l *Locker) Lock(scope models.SessionScope) func() {
	key := scope.Key()

	l.mu.Lock()
	lock := l.locks[key]
	if lock == nil {
		lock = &scopeLock{}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}
