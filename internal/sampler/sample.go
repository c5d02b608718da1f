// Package sampler implements the bounded, lossy FIFO queue of per-request
// samples. The lossy contract is deliberate: an
// unbounded queue causes memory blow-up under sustained overload, and a
// blocking queue couples request latency to metrics I/O.
package sampler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gkamat/opensearch-benchmark/internal/scheduler"
)

// DefaultCapacity is the default queue capacity (1 << 20).
const DefaultCapacity = 1 << 20

// Sample is one timed outcome of one request.
type Sample struct {
	ClientID              int
	AbsoluteTime           time.Time
	RequestStart           time.Time
	TaskStart              time.Time
	TaskName               string
	SampleType             scheduler.SampleType
	RequestMetaData        map[string]interface{}
	LatencySeconds         float64
	ServiceTimeSeconds     float64
	ClientProcessingTimeS  float64
	ProcessingTimeSeconds  float64
	OptionalThroughput     *float64
	TotalOps               float64
	TotalOpsUnit           string
	TimePeriodSeconds      float64
	PercentCompleted       *float64 // nil means "none"
	DependentTimings       []DependentTimingSample
}

// DependentTimingSample is one expanded dependent timing.
type DependentTimingSample struct {
	Operation          string
	ServiceTimeSeconds float64
}

// ProfileSample carries only timing + progress, no ops accounting, per
// the "profile-metrics-sample" flavor.
type ProfileSample struct {
	ClientID         int
	AbsoluteTime     time.Time
	TaskName         string
	SampleType       scheduler.SampleType
	ProcessingTimeS  float64
	PercentCompleted *float64
	ProfileMetrics   map[string]float64
}

// Queue is a bounded, non-blocking FIFO of type T. Add never blocks: on a
// full queue it logs and discards the sample.
type Queue[T any] struct {
	mu       sync.Mutex
	buf      []T
	capacity int
	dropped  uint64
	log      zerolog.Logger
}

func NewQueue[T any](capacity int, log zerolog.Logger) *Queue[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue[T]{capacity: capacity, log: log}
}

// Add enqueues one item. On a full queue the item is silently discarded
// (after a debug log) rather than blocking the caller.
func (q *Queue[T]) Add(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) >= q.capacity {
		q.dropped++
		q.log.Debug().Uint64("dropped_total", q.dropped).Msg("sample queue full, dropping sample")
		return
	}
	q.buf = append(q.buf, item)
}

// Drain returns and clears every currently enqueued item.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	out := q.buf
	q.buf = nil
	return out
}

// Dropped returns the running count of samples discarded due to a full
// queue.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Len reports the number of items currently enqueued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
