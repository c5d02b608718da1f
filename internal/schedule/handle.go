// Package schedule implements the per-client ScheduleHandle described in
// a lazy sequence of (delay, sample_type, progress, runner,
// params) tuples driving one client's requests.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/gkamat/opensearch-benchmark/internal/runner"
	"github.com/gkamat/opensearch-benchmark/internal/scheduler"
	"github.com/gkamat/opensearch-benchmark/internal/taskmodel"
)

// Tick is one entry of the lazy schedule sequence.
type Tick struct {
	ScheduledOffsetSeconds float64
	SampleType             scheduler.SampleType
	PercentCompleted       *float64
	Runner                 runner.Runner
	Params                 map[string]interface{}
}

// Handle produces the lazy tick sequence for one (TaskAllocation, pacer,
// controller, runner, parameter source) tuple.
type Handle struct {
	Allocation *taskmodel.TaskAllocation
	Pacer      scheduler.Pacer
	Controller scheduler.ProgressController
	Runner     runner.Runner
	Params     runner.ParameterSource

	// Now returns the current monotonic-ish instant used to advance the
	// progress controller; tests can substitute a synthetic clock.
	Now func() time.Time

	prevOffset float64
	started    bool
}

// NewHandle returns a ready-to-use Handle. Picking the right controller
// for a task is the caller's responsibility (see ControllerFor).
func NewHandle(alloc *taskmodel.TaskAllocation, pacer scheduler.Pacer, controller scheduler.ProgressController, rnr runner.Runner, params runner.ParameterSource) *Handle {
	return &Handle{Allocation: alloc, Pacer: pacer, Controller: controller, Runner: rnr, Params: params, Now: time.Now}
}

// RampUpWaitTimeSeconds staggers clients in a group uniformly: the i-th
// client (0-indexed) waits ramp_up_period * i / total_clients before its
// first request.
func RampUpWaitTimeSeconds(rampUpSeconds float64, globalClientIndexInGroup, totalClients int) float64 {
	if totalClients <= 0 {
		return 0
	}
	return rampUpSeconds * float64(globalClientIndexInGroup) / float64(totalClients)
}

// Next produces the following tick, or (Tick{}, false, nil) when the
// controller reports completion or the parameter source is exhausted.
func (h *Handle) Next(ctx context.Context) (Tick, bool, error) {
	if !h.started {
		h.Controller.Start(h.Now())
		h.started = true
	}

	if h.Controller.Completed() {
		return Tick{}, false, nil
	}

	params, err := h.Params.Params(ctx)
	if err != nil {
		if errors.Is(err, runner.ErrEndOfInput) {
			return Tick{}, false, nil
		}
		return Tick{}, false, err
	}

	offset := h.Pacer.Next(h.prevOffset)
	h.prevOffset = offset

	sampleType := h.Controller.SampleType() // must be read before Advance

	h.Controller.Advance(h.Now())

	var pct *float64
	if p, ok := h.Controller.PercentCompleted(); ok {
		pct = &p
	} else {
		pct = h.Params.PercentCompleted()
	}

	tick := Tick{
		ScheduledOffsetSeconds: offset,
		SampleType:             sampleType,
		PercentCompleted:       pct,
		Runner:                 h.Runner,
		Params:                 params,
	}

	return tick, true, nil
}

// ControllerFor selects the progress controller per this rule:
//  1. time period specified -> TimePeriodBased
//  2. else iterations specified -> IterationBased
//  3. else runner exposes a Completed signal -> TimePeriodBased, unbounded
//  4. else -> IterationBased, unbounded if the parameter source is
//     infinite, else exactly one iteration.
func ControllerFor(task *taskmodel.Task, rnr runner.Runner, params runner.ParameterSource) (scheduler.ProgressController, error) {
	switch {
	case task.UsesTimePeriodPolicy():
		var warmup time.Duration
		if task.WarmupTimePeriod != nil {
			warmup = *task.WarmupTimePeriod
		}
		return scheduler.NewTimePeriodBased(warmup, task.TimePeriod), nil

	case task.UsesIterationPolicy():
		var warmup int64
		if task.WarmupIterations != nil {
			warmup = *task.WarmupIterations
		}
		return scheduler.NewIterationBased(warmup, task.Iterations)

	case rnr.Completed() != nil:
		return scheduler.NewTimePeriodBased(0, nil), nil

	default:
		if params.Infinite() {
			return scheduler.NewIterationBased(0, nil)
		}
		one := int64(1)
		return scheduler.NewIterationBased(0, &one)
	}
}
