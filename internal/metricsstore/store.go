// Package metricsstore defines the write-side and CPU-telemetry read-side
// interfaces the core consumes. The metrics store's own persistence
// engine is an out-of-scope external collaborator; this package only
// provides the interface plus a Redis-backed test/demo implementation.
package metricsstore

import (
	"context"
	"time"

	"github.com/gkamat/opensearch-benchmark/internal/scheduler"
)

// ClusterLevelMetric is one cluster-level metric record.
type ClusterLevelMetric struct {
	Name          string
	Value         float64
	Unit          string
	Task          string
	Operation     string
	OperationType string
	SampleType    scheduler.SampleType
	AbsoluteTime  time.Time
	RelativeTime  time.Duration
	Meta          map[string]interface{}
}

// Doc is a raw document write (e.g. a node-stats sample).
type Doc struct {
	Level string
	Node  string
	Meta  map[string]interface{}
	Body  map[string]interface{}
}

// Externalized is an opaque, optionally compressed snapshot of buffered
// writes produced by ToExternalizable and consumed by BulkAdd — used to
// hand a batch across a process boundary without re-serializing document
// by document.
type Externalized []byte

// Store is the write-side interface the core depends on.
type Store interface {
	PutValueClusterLevel(ctx context.Context, m ClusterLevelMetric) error
	PutDoc(ctx context.Context, d Doc) error
	Flush(ctx context.Context, refresh bool) error
	ToExternalizable(ctx context.Context, clear bool) (Externalized, error)
	BulkAdd(ctx context.Context, data Externalized) error
	ResetRelativeTime(ctx context.Context) error
}

// CPUSample is one node's CPU reading, keyed by the metrics store's
// "node-stats" metric.
type CPUSample struct {
	NodeName          string
	Timestamp         time.Time
	ProcessCPUPercent float64
}

// NodeCPUAverage is one node's windowed mean CPU usage.
type NodeCPUAverage struct {
	NodeName string
	Mean     float64
}

// CPUQuerier is the read-side interface used only by the redline
// controller's CPU probe: it aggregates node-stats documents
// for the current test-execution id over the last window, grouped by
// node name, and returns only the nodes whose mean exceeds maxCPUPercent.
type CPUQuerier interface {
	NodesExceedingCPU(ctx context.Context, testExecutionID string, window time.Duration, maxCPUPercent float64) ([]NodeCPUAverage, error)
}
