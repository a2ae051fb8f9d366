package actions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gvinsot/Docker-Spyglass/internal/logging"
)

// Queue holds pending and completed actions plus agent liveness. Everything
// sits behind one mutex; the action volume here is operator clicks, not a
// message bus.
type Queue struct {
	log     *logging.Logger
	timeout time.Duration // pending-to-expired horizon

	mu       sync.Mutex
	actions  map[string]*Action
	order    []string                 // creation order, for stable listing
	waiters  map[string]chan struct{} // closed when the action completes
	lastSeen map[string]time.Time     // agent heartbeats by host name
}

// NewQueue builds an empty queue. timeout bounds how long a pending or
// in-progress action stays claimable before it expires.
func NewQueue(timeout time.Duration, log *logging.Logger) *Queue {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Queue{
		log:      log,
		timeout:  timeout,
		actions:  make(map[string]*Action),
		waiters:  make(map[string]chan struct{}),
		lastSeen: make(map[string]time.Time),
	}
}

// Create enqueues a new pending action and returns it.
func (q *Queue) Create(hostName, containerID, kind string, logs *LogsPayload) (*Action, error) {
	if !ValidKind(kind) {
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
	a := &Action{
		ID:          uuid.NewString(),
		Host:        hostName,
		ContainerID: containerID,
		Kind:        kind,
		Logs:        logs,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions[a.ID] = a
	q.order = append(q.order, a.ID)
	q.waiters[a.ID] = make(chan struct{})
	q.log.Debug("action queued", "id", a.ID, "host", hostName, "kind", kind)
	return q.snapshotLocked(a), nil
}

// Poll atomically claims every pending action for the host, moving each to
// in_progress. Actions that sat pending past the timeout expire instead of
// being delivered, so an agent coming back from a long outage does not
// replay stale operator intent. Claimed actions whose agent never reported
// back age out the same way, keyed on their start time.
func (q *Queue) Poll(hostName string) []*Action {
	now := time.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastSeen[hostName] = now

	var claimed []*Action
	for _, id := range q.order {
		a := q.actions[id]
		if a.Host != hostName {
			continue
		}
		switch a.Status {
		case StatusPending:
			if now.Sub(a.CreatedAt) > q.timeout {
				q.expireLocked(a, now)
				continue
			}
			a.Status = StatusInProgress
			a.StartedAt = now
			claimed = append(claimed, q.snapshotLocked(a))
		case StatusInProgress:
			if now.Sub(a.StartedAt) > q.timeout {
				q.expireLocked(a, now)
			}
		}
	}
	return claimed
}

// Complete records an agent's result for an action and wakes any waiter.
// A late completion on an expired action records the output but the action
// stays expired. Completing an unknown or already completed/failed action
// is an error.
func (q *Queue) Complete(id, result, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.actions[id]
	if !ok {
		return fmt.Errorf("unknown action %s", id)
	}
	switch a.Status {
	case StatusCompleted, StatusFailed:
		return fmt.Errorf("action %s already %s", id, a.Status)
	case StatusExpired:
		a.Result = result
		a.Error = errMsg
		q.log.Debug("late result on expired action", "id", id)
		return nil
	}
	a.CompletedAt = time.Now().UTC()
	a.Result = result
	a.Error = errMsg
	if errMsg != "" {
		a.Status = StatusFailed
	} else {
		a.Status = StatusCompleted
	}
	if ch, ok := q.waiters[id]; ok {
		close(ch)
		delete(q.waiters, id)
	}
	q.log.Debug("action completed", "id", id, "status", a.Status)
	return nil
}

// WaitFor blocks until the action reaches a terminal state, the wait
// timeout elapses, or ctx ends. A timed-out wait returns the action as it
// currently stands; the action itself keeps running its own lifecycle and
// only the queue's expiry rules can expire it.
func (q *Queue) WaitFor(ctx context.Context, id string, timeout time.Duration) (*Action, error) {
	if timeout <= 0 {
		timeout = q.timeout
	}
	q.mu.Lock()
	a, ok := q.actions[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("unknown action %s", id)
	}
	if a.Done() {
		defer q.mu.Unlock()
		return q.snapshotLocked(a), nil
	}
	ch := q.waiters[id]
	q.mu.Unlock()

	select {
	case <-ch:
	case <-time.After(timeout):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked(a), nil
}

// Get returns a copy of one action.
func (q *Queue) Get(id string) (*Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, ok := q.actions[id]
	if !ok {
		return nil, false
	}
	return q.snapshotLocked(a), true
}

// Heartbeat records agent liveness without claiming actions.
func (q *Queue) Heartbeat(hostName string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastSeen[hostName] = time.Now().UTC()
}

// IsOnline reports whether an agent for the host polled or heartbeat
// within the freshness window.
func (q *Queue) IsOnline(hostName string, freshness time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	seen, ok := q.lastSeen[hostName]
	return ok && time.Since(seen) <= freshness
}

// AgentHosts lists hosts with a live agent, given the freshness window.
func (q *Queue) AgentHosts(freshness time.Duration) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for h, seen := range q.lastSeen {
		if time.Since(seen) <= freshness {
			out = append(out, h)
		}
	}
	return out
}

// Sweep expires overdue pending and in-progress actions and drops terminal
// actions older than keep. Run it periodically.
func (q *Queue) Sweep(keep time.Duration) {
	now := time.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.order[:0]
	for _, id := range q.order {
		a := q.actions[id]
		switch a.Status {
		case StatusPending:
			if now.Sub(a.CreatedAt) > q.timeout {
				q.expireLocked(a, now)
			}
		case StatusInProgress:
			if now.Sub(a.StartedAt) > q.timeout {
				q.expireLocked(a, now)
			}
		}
		if a.Done() && !a.CompletedAt.IsZero() && now.Sub(a.CompletedAt) > keep {
			delete(q.actions, id)
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}

// expireLocked transitions to expired and releases any waiter.
func (q *Queue) expireLocked(a *Action, now time.Time) {
	a.Status = StatusExpired
	a.CompletedAt = now
	if ch, ok := q.waiters[a.ID]; ok {
		close(ch)
		delete(q.waiters, a.ID)
	}
	q.log.Warn("action expired", "id", a.ID, "host", a.Host, "kind", a.Kind)
}

// snapshotLocked copies an action so callers never share queue-internal
// pointers.
func (q *Queue) snapshotLocked(a *Action) *Action {
	cp := *a
	if a.Logs != nil {
		logs := *a.Logs
		cp.Logs = &logs
	}
	return &cp
}
