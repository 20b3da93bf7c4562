// Package task provides a concurrency-safe, in-memory tracker for live
// operations running inside a service. Each tracked operation may carry the
// cancel func of its context, so a service can cancel everything it still has
// in flight when it shuts down.
package task

import (
	"context"
	"sync"
)

// InMemoryTracker is a concurrency-safe tracker of live tasks.
// Snapshots are copies and never alias internal state.
type InMemoryTracker struct {
	mu sync.RWMutex
	// service -> taskID -> cancel (may be nil)
	data map[string]map[string]context.CancelFunc
}

// New creates and returns a new in-memory tracker.
func New() *InMemoryTracker {
	return &InMemoryTracker{data: make(map[string]map[string]context.CancelFunc)}
}

// StartCancelable marks a task as running under a given service together
// with the cancel func of its context, which CancelAll invokes. Empty
// arguments are ignored; restarting a tracked task replaces its cancel func.
func (t *InMemoryTracker) StartCancelable(service, taskID string, cancel context.CancelFunc) {
	if service == "" || taskID == "" {
		return
	}
	t.mu.Lock()
	t.bucket(service)[taskID] = cancel
	t.mu.Unlock()
}

// End removes a running task under a given service. Empty arguments
// are ignored. Removing a non-existent (service, taskID) pair is a no-op.
func (t *InMemoryTracker) End(service, taskID string) {
	if service == "" || taskID == "" {
		return
	}
	t.mu.Lock()
	if m, ok := t.data[service]; ok {
		delete(m, taskID)
		if len(m) == 0 {
			delete(t.data, service)
		}
	}
	t.mu.Unlock()
}

// Snapshot returns a copy of the current running tasks per service.
func (t *InMemoryTracker) Snapshot() map[string][]string {
	out := make(map[string][]string)
	t.mu.RLock()
	for svc, m := range t.data {
		ids := make([]string, 0, len(m))
		for id := range m {
			ids = append(ids, id)
		}
		out[svc] = ids
	}
	t.mu.RUnlock()
	return out
}

// Count returns the number of running tasks across all services.
func (t *InMemoryTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, m := range t.data {
		n += len(m)
	}
	return n
}

// CancelAll cancels every tracked task that registered a cancel func and
// forgets all tasks. It returns the number of tasks that were cancelled.
func (t *InMemoryTracker) CancelAll() int {
	t.mu.Lock()
	var cancels []context.CancelFunc
	for _, m := range t.data {
		for _, cancel := range m {
			if cancel != nil {
				cancels = append(cancels, cancel)
			}
		}
	}
	t.data = make(map[string]map[string]context.CancelFunc)
	t.mu.Unlock()

	// outside the lock: cancel funcs may run End on this tracker
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

func (t *InMemoryTracker) bucket(service string) map[string]context.CancelFunc {
	m, ok := t.data[service]
	if !ok {
		m = make(map[string]context.CancelFunc)
		t.data[service] = m
	}
	return m
}
