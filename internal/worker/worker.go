// Package worker implements the per-host, per-core worker actor: it owns
// one pool of async executors (one per locally-assigned client), drives
// them to the end of a parallel group, reports the join point to the
// coordinator, and waits to be driven into the next one.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gkamat/opensearch-benchmark/internal/executor"
	"github.com/gkamat/opensearch-benchmark/internal/sampler"
	"github.com/gkamat/opensearch-benchmark/internal/sharedstate"
)

// SampleDrainInterval is the normal-mode sample-drain cadence.
const SampleDrainInterval = 5 * time.Second

// TestModeSampleDrainInterval is used when the run is in accelerated test
// mode.
const TestModeSampleDrainInterval = 500 * time.Millisecond

// ClientAllocation pairs one executor with its local client id.
type ClientAllocation struct {
	ClientID int
	Executor *executor.Executor
}

// JoinPointReached is sent by the worker to the coordinator once every
// locally-assigned executor has stopped at a group boundary.
type JoinPointReached struct {
	WorkerID      string
	MonotonicNow  time.Time
	TaskAllocKeys []string
}

// UpdateSamples is sent by the worker to the coordinator on its periodic
// drain cadence.
type UpdateSamples struct {
	WorkerID       string
	Samples        []sampler.Sample
	ProfileSamples []sampler.ProfileSample
}

// Coordinator is the subset of coordinator behavior a Worker talks to.
// Modeling it as an interface keeps this package testable without a real
// coordinator actor.
type Coordinator interface {
	JoinPointReached(ctx context.Context, msg JoinPointReached) (driveAt time.Time, err error)
	UpdateSamples(ctx context.Context, msg UpdateSamples)
}

// Worker drives one cooperative pool of executors through however many
// parallel-group steps the coordinator assigns it.
type Worker struct {
	ID          string
	Coordinator Coordinator
	TestMode    bool

	Sampler        *sampler.Queue[sampler.Sample]
	ProfileSampler *sampler.Queue[sampler.ProfileSample]

	Log zerolog.Logger

	cancel     atomicFlag
	completing atomicFlag

	drainInterval time.Duration
}

// atomicFlag is a tiny bool flag, deliberately simpler than sync/atomic's
// Bool wrapper since the worker only ever has one writer per flag.
type atomicFlag struct {
	mu  sync.Mutex
	set bool
}

func (f *atomicFlag) Set()     { f.mu.Lock(); f.set = true; f.mu.Unlock() }
func (f *atomicFlag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// NewWorker builds a Worker ready to drive StartWorker.
func NewWorker(id string, coord Coordinator, log zerolog.Logger, testMode bool) *Worker {
	interval := SampleDrainInterval
	if testMode {
		interval = TestModeSampleDrainInterval
	}
	return &Worker{
		ID:             id,
		Coordinator:    coord,
		TestMode:       testMode,
		Sampler:        sampler.NewQueue[sampler.Sample](sampler.DefaultCapacity, log),
		ProfileSampler: sampler.NewQueue[sampler.ProfileSample](sampler.DefaultCapacity, log),
		Log:            log,
		drainInterval:  interval,
	}
}

// CompleteCurrentTask sets the shared completion flag observed by every
// executor at its next request boundary.
func (w *Worker) CompleteCurrentTask() { w.completing.Set() }

// ActorExitRequest signals the hard cancellation flag and tears down the
// pool.
func (w *Worker) ActorExitRequest() { w.cancel.Set() }

// StartWorker runs every assigned executor concurrently to the end of the
// current parallel group, periodically draining samples to the
// coordinator, then reports the join point and blocks for a Drive
// decision before looping into the next group. It returns when
// ActorExitRequest has been called or ctx is done.
func (w *Worker) StartWorker(ctx context.Context, allocs []ClientAllocation, pauseMap sharedstate.PauseMap, errorQueue sharedstate.ErrorQueue) error {
	for {
		if w.cancel.IsSet() {
			return nil
		}

		if err := w.runStep(ctx, allocs, pauseMap, errorQueue); err != nil {
			return err
		}

		if w.cancel.IsSet() {
			return nil
		}

		keys := make([]string, len(allocs))
		for i, a := range allocs {
			keys[i] = fmt.Sprintf("%s/%d", a.Executor.Allocation.Task.Name, a.Executor.Allocation.GlobalClientIndex)
		}

		driveAt, err := w.Coordinator.JoinPointReached(ctx, JoinPointReached{
			WorkerID:      w.ID,
			MonotonicNow:  time.Now(),
			TaskAllocKeys: keys,
		})
		if err != nil {
			return fmt.Errorf("report join point: %w", err)
		}

		if d := time.Until(driveAt); d > 0 {
			time.Sleep(d)
		}

		w.completing = atomicFlag{}
	}
}

// runStep drives every executor in allocs to completion, draining samples
// to the coordinator on drainInterval until they have all returned.
func (w *Worker) runStep(ctx context.Context, allocs []ClientAllocation, pauseMap sharedstate.PauseMap, errorQueue sharedstate.ErrorQueue) error {
	if len(allocs) == 0 {
		return nil
	}

	stepCtx, cancelStep := context.WithCancel(ctx)
	defer cancelStep()

	done := make(chan error, len(allocs))
	for _, a := range allocs {
		a := a
		a.Executor.Sampler = w.Sampler
		a.Executor.ProfileSampler = w.ProfileSampler
		a.Executor.PauseMap = pauseMap
		a.Executor.ErrorQueue = errorQueue
		a.Executor.WorkerID = w.ID
		a.Executor.Cancel = func() bool { return w.cancel.IsSet() || w.completing.IsSet() }

		go func() {
			done <- a.Executor.Run(stepCtx)
		}()
	}

	ticker := time.NewTicker(w.drainInterval)
	defer ticker.Stop()

	remaining := len(allocs)
	var firstErr error
	for remaining > 0 {
		select {
		case err := <-done:
			remaining--
			if err != nil && firstErr == nil {
				firstErr = err
				cancelStep()
			}
		case <-ticker.C:
			w.drainAndReport(ctx)
		case <-ctx.Done():
			cancelStep()
			for remaining > 0 {
				<-done
				remaining--
			}
			return ctx.Err()
		}
	}

	w.drainAndReport(ctx)
	return firstErr
}

func (w *Worker) drainAndReport(ctx context.Context) {
	samples := w.Sampler.Drain()
	profiles := w.ProfileSampler.Drain()
	if len(samples) == 0 && len(profiles) == 0 {
		return
	}
	w.Coordinator.UpdateSamples(ctx, UpdateSamples{WorkerID: w.ID, Samples: samples, ProfileSamples: profiles})
}
