// Package sharedstate implements the two pieces of cross-process mutable
// state the redline controller needs: the pause map (worker -> client ->
// active bool) and the bounded error queue. Both are modeled as a
// reader-writer map plus a bounded FIFO of fixed capacity, backed in
// production by Redis (github.com/go-redis/redis/v8) so the feedback
// actor and the executors can live in different OS processes.
package sharedstate

import (
	"context"
	"sync"
	"time"
)

// ErrorRecord is a structured error-queue entry.
type ErrorRecord struct {
	Type      string
	ClientID  string
	Task      string
	Details   string
	Timestamp time.Time
}

// ErrorQueue is a bounded FIFO of ErrorRecord. Producers use a
// non-blocking Push and drop on full.
type ErrorQueue interface {
	// Push enqueues a record; it returns false if the queue was full and
	// the record was dropped.
	Push(ctx context.Context, rec ErrorRecord) (bool, error)
	// Drain removes and returns every currently enqueued record.
	Drain(ctx context.Context) ([]ErrorRecord, error)
	// Len reports the current queue length.
	Len(ctx context.Context) (int, error)
}

// PauseMap is the nested worker_id -> client_id -> active mapping. Reads
// are lock-free from the executor's point of view (a racy read is
// acceptable here); writes by the feedback actor hold a lock to
// serialize "produce error vs. scale-down decision".
type PauseMap interface {
	// IsActive reports whether the client is currently allowed to submit
	// requests. Defaults to true when redline is disabled or the entry is
	// absent.
	IsActive(ctx context.Context, workerID string, clientID int) (bool, error)
	SetActive(ctx context.Context, workerID string, clientID int, active bool) error
	// ActiveCount supports the feedback actor's accounting.
	ActiveCount(ctx context.Context) (int, error)
}

// InMemoryErrorQueue is a bounded in-process implementation used by tests
// and by single-process deployments where Redis is not configured.
type InMemoryErrorQueue struct {
	mu       sync.Mutex
	buf      []ErrorRecord
	capacity int
}

func NewInMemoryErrorQueue(capacity int) *InMemoryErrorQueue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &InMemoryErrorQueue{capacity: capacity}
}

func (q *InMemoryErrorQueue) Push(_ context.Context, rec ErrorRecord) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) >= q.capacity {
		return false, nil
	}
	q.buf = append(q.buf, rec)
	return true, nil
}

func (q *InMemoryErrorQueue) Drain(context.Context) ([]ErrorRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out, nil
}

func (q *InMemoryErrorQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf), nil
}

// pauseKey identifies one (worker, client) pair.
type pauseKey struct {
	workerID string
	clientID int
}

// InMemoryPauseMap is an in-process PauseMap used by tests and
// single-process deployments.
type InMemoryPauseMap struct {
	mu     sync.RWMutex
	active map[pauseKey]bool
}

func NewInMemoryPauseMap() *InMemoryPauseMap {
	return &InMemoryPauseMap{active: make(map[pauseKey]bool)}
}

func (m *InMemoryPauseMap) IsActive(_ context.Context, workerID string, clientID int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.active[pauseKey{workerID, clientID}]
	if !ok {
		return true, nil // default true when entry absent
	}
	return v, nil
}

func (m *InMemoryPauseMap) SetActive(_ context.Context, workerID string, clientID int, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		m.active = make(map[pauseKey]bool)
	}
	m.active[pauseKey{workerID, clientID}] = active
	return nil
}

func (m *InMemoryPauseMap) ActiveCount(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, v := range m.active {
		if v {
			n++
		}
	}
	return n, nil
}

// AllKeys returns every tracked (workerID, clientID) pair, used by the
// feedback actor to pick random candidates for scale up/down.
func (m *InMemoryPauseMap) AllKeys() []struct {
	WorkerID string
	ClientID int
} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]struct {
		WorkerID string
		ClientID int
	}, 0, len(m.active))
	for k := range m.active {
		out = append(out, struct {
			WorkerID string
			ClientID int
		}{k.workerID, k.clientID})
	}
	return out
}
