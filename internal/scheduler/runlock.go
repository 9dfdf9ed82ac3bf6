// Package scheduler starts non-interactive runs: cron fires, trigger
// events, and due thread wakes. It owns the per-agent run lock and the
// quota gates every run start passes through.
package scheduler

import (
	"sync"

	"github.com/zerg-ai/zerg/internal/apierr"
)

// RunLock is the per-agent mutual exclusion: at most one live run per
// agent. Held from run start to terminal transition.
type RunLock struct {
	mu   sync.Mutex
	held map[string]string // agent id → run id holding the lock
}

// NewRunLock builds an empty lock table.
func NewRunLock() *RunLock {
	return &RunLock{held: make(map[string]string)}
}

// Acquire takes the lock for an agent. A held lock rejects with a
// conflict error naming the running run.
func (l *RunLock) Acquire(agentID, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if holder, ok := l.held[agentID]; ok {
		return apierr.Newf(apierr.KindConflict, "agent %s already has run %s in flight", agentID, holder)
	}
	l.held[agentID] = runID
	return nil
}

// Release frees the agent's lock. Releasing an unheld lock is a no-op.
func (l *RunLock) Release(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, agentID)
}

// Holder reports the run currently holding an agent's lock.
func (l *RunLock) Holder(agentID string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	runID, ok := l.held[agentID]
	return runID, ok
}
