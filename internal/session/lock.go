package session

import (
	"context"
	"fmt"
	"sync"
)

// SessionLockedError reports an acquire against a session whose turn is
// still running.
type SessionLockedError struct {
	SessionID string
}

func (e *SessionLockedError) Error() string {
	return fmt.Sprintf("session is busy: %s", e.SessionID)
}

// Locks is the per-session mutual exclusion table. At most one turn may
// hold a session at a time; Abort cancels the holder's context but the
// accounting stays until the holder releases, so queue draining after an
// abort is deterministic.
type Locks struct {
	mu       sync.Mutex
	held     map[string]*Hold
	shutdown bool
}

// Hold is one acquired session lock. Ctx is the turn's cancellation
// token; Release must be called exactly once on every exit path.
type Hold struct {
	SessionID string
	Ctx       context.Context

	cancel  context.CancelFunc
	release func()
	once    sync.Once
}

// Release frees the session for the next turn. Idempotent.
func (h *Hold) Release() {
	h.once.Do(h.release)
}

// NewLocks creates an empty lock table.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]*Hold)}
}

// Acquire claims a session for one turn. The returned Hold's context is
// derived from parent and additionally cancelled by Abort or Shutdown.
func (l *Locks) Acquire(parent context.Context, sessionID string) (*Hold, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.shutdown {
		return nil, &SessionLockedError{SessionID: sessionID}
	}
	if _, ok := l.held[sessionID]; ok {
		return nil, &SessionLockedError{SessionID: sessionID}
	}

	ctx, cancel := context.WithCancel(parent)
	hold := &Hold{
		SessionID: sessionID,
		Ctx:       ctx,
		cancel:    cancel,
	}
	hold.release = func() {
		cancel()
		l.mu.Lock()
		delete(l.held, sessionID)
		l.mu.Unlock()
	}
	l.held[sessionID] = hold
	return hold, nil
}

// Abort cancels the current turn's context without releasing the lock;
// the holder's own cleanup path releases it. Returns false if the
// session is not locked.
func (l *Locks) Abort(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	hold, ok := l.held[sessionID]
	if !ok {
		return false
	}
	hold.cancel()
	return true
}

// IsLocked reports whether a turn currently holds the session.
func (l *Locks) IsLocked(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[sessionID]
	return ok
}

// Shutdown force-cancels every outstanding turn and rejects further
// acquires.
func (l *Locks) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.shutdown = true
	for _, hold := range l.held {
		hold.cancel()
	}
}
