// Package executor implements the async executor: one cooperative loop
// per (client_id, task_allocation), driving requests against the runner
// interface, classifying errors, and emitting samples.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gkamat/opensearch-benchmark/internal/runner"
	"github.com/gkamat/opensearch-benchmark/internal/sampler"
	"github.com/gkamat/opensearch-benchmark/internal/schedule"
	"github.com/gkamat/opensearch-benchmark/internal/scheduler"
	"github.com/gkamat/opensearch-benchmark/internal/sharedstate"
	"github.com/gkamat/opensearch-benchmark/internal/taskmodel"
)

// DefaultBaseTimeout is the default per-request timeout.
const DefaultBaseTimeout = 10 * time.Second

// ParentCompleteFlag is shared by every executor within one parallel
// group; it is set once by a completes_parent task on exit and observed
// by its siblings at their next request boundary.
type ParentCompleteFlag struct {
	flag atomic.Bool
}

func (f *ParentCompleteFlag) Set()        { f.flag.Store(true) }
func (f *ParentCompleteFlag) IsSet() bool { return f.flag.Load() }

// Executor drives one client through its ScheduleHandle.
type Executor struct {
	ClientID   int
	WorkerID   string
	Allocation *taskmodel.TaskAllocation
	Handle     *schedule.Handle
	Client     interface{}

	Sampler        *sampler.Queue[sampler.Sample]
	ProfileSampler *sampler.Queue[sampler.ProfileSample]
	ProfileSampleSize int // emit into the profile sampler while below this limit
	profileEmitted    int

	PauseMap   sharedstate.PauseMap
	ErrorQueue sharedstate.ErrorQueue

	BaseTimeout time.Duration

	// Cancel is the hard-stop flag: checked before each
	// request; when true the executor breaks immediately.
	Cancel func() bool

	// Complete is the soft-stop flag for completes_parent semantics.
	Complete *ParentCompleteFlag

	OnErrorAbort bool // worker_coordinator.on.error == "abort"
	Redline      bool

	RampUpWaitSeconds float64
	TaskStart         time.Time

	Log zerolog.Logger

	// sleeper is overridable for tests.
	sleeper func(d time.Duration)
}

func (e *Executor) sleep(d time.Duration) {
	if e.sleeper != nil {
		e.sleeper(d)
		return
	}
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

// abortErr signals that the run must fail the whole benchmark
// (on_error == "abort" and redline not enabled).
type abortErr struct{ cause error }

func (e *abortErr) Error() string { return e.cause.Error() }
func (e *abortErr) Unwrap() error { return e.cause }

// Run drives the client to completion or until ctx is done / the cancel
// flag fires. A non-nil error means the run must fail the whole benchmark
// (an abort-classified error).
func (e *Executor) Run(ctx context.Context) error {
	if e.BaseTimeout <= 0 {
		e.BaseTimeout = DefaultBaseTimeout
	}
	if e.TaskStart.IsZero() {
		e.TaskStart = time.Now()
	}
	if e.Allocation.Task.CompletesParent && e.Complete != nil {
		defer e.Complete.Set()
	}

	e.sleep(time.Duration(e.RampUpWaitSeconds * float64(time.Second)))

	for {
		if e.Cancel != nil && e.Cancel() {
			return nil
		}

		tick, ok, err := e.Handle.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if e.Cancel != nil && e.Cancel() {
			return nil
		}

		active := true
		if e.PauseMap != nil {
			active, _ = e.PauseMap.IsActive(ctx, e.WorkerID, e.ClientID)
		}

		scheduledAt := e.TaskStart.Add(time.Duration(tick.ScheduledOffsetSeconds * float64(time.Second)))
		if d := time.Until(scheduledAt); d > 0 {
			e.sleep(d)
		}

		absoluteProcessingStart := time.Now()
		processingStart := time.Now()

		e.Handle.Pacer.BeforeRequest(timeSeconds(processingStart))

		var (
			result       runner.Result
			runErr       error
			requestStart = processingStart
			requestEnd   time.Time
		)

		if !active {
			// Step 7: short-circuit, emit a skipped sample, no timing.
			e.emitSkippedSample(tick)
			if e.maybeExit(tick) {
				return nil
			}
			continue
		}

		reqCtx, cancel := context.WithTimeout(ctx, e.BaseTimeout)
		result, runErr = tick.Runner.Run(reqCtx, e.Client, tick.Params)
		cancel()
		requestEnd = time.Now()
		processingEnd := time.Now()

		meta := map[string]interface{}{}

		if runErr != nil {
			classified := e.classifyTransportError(runErr, reqCtx)
			meta["error-type"] = classified.errorType
			meta["error-description"] = classified.description

			e.reportError(ctx, classified.errorType, classified.description)

			if classified.fatal && e.OnErrorAbort && !e.Redline {
				return &abortErr{cause: fmt.Errorf("%s: %s", classified.errorType, classified.description)}
			}

			s := e.buildSample(tick, absoluteProcessingStart, requestStart, requestEnd, processingStart, processingEnd, 0, "", meta, false)
			e.Sampler.Add(s)
			if e.maybeExit(tick) {
				return nil
			}
			continue
		}

		if !result.Success {
			meta["error-type"] = nonEmpty(result.ErrorType, "runner")
			meta["error-description"] = result.ErrorDescription
			meta["http-status"] = result.HTTPStatus

			e.reportError(ctx, meta["error-type"].(string), result.ErrorDescription)

			if e.OnErrorAbort && !e.Redline {
				return &abortErr{cause: fmt.Errorf("runner failure: %s", result.ErrorDescription)}
			}

			s := e.buildSample(tick, absoluteProcessingStart, requestStart, requestEnd, processingStart, processingEnd, 0, "", meta, false)
			e.Sampler.Add(s)
			if e.maybeExit(tick) {
				return nil
			}
			continue
		}

		if result.Throughput != nil {
			meta["throughput"] = *result.Throughput
		}
		if result.RecallAtK != nil {
			meta["recall@k"] = *result.RecallAtK
		}
		if result.RecallAt1 != nil {
			meta["recall@1"] = *result.RecallAt1
		}
		if len(result.ProfileMetrics) > 0 {
			meta["profile-metrics"] = result.ProfileMetrics
		}
		if len(result.DependentTiming) > 0 {
			meta["dependent_timing"] = result.DependentTiming
		}

		e.Handle.Pacer.AfterRequest(timeSeconds(requestEnd), result.Weight, result.Unit, meta)

		s := e.buildSample(tick, absoluteProcessingStart, requestStart, requestEnd, processingStart, processingEnd, result.Weight, result.Unit, meta, false)
		s.DependentTimings = toSampleDependentTimings(result.DependentTiming)

		if e.ProfileSampler != nil && len(result.ProfileMetrics) > 0 && e.profileEmitted < e.ProfileSampleSize {
			e.profileEmitted++
			e.ProfileSampler.Add(sampler.ProfileSample{
				ClientID:         e.ClientID,
				AbsoluteTime:     s.AbsoluteTime,
				TaskName:         e.Allocation.Task.Name,
				SampleType:       tick.SampleType,
				ProcessingTimeS:  s.ProcessingTimeSeconds,
				PercentCompleted: tick.PercentCompleted,
				ProfileMetrics:   result.ProfileMetrics,
			})
		} else {
			e.Sampler.Add(s)
		}

		if e.maybeExit(tick) {
			return nil
		}
	}
}

func toSampleDependentTimings(in []runner.DependentTiming) []sampler.DependentTimingSample {
	if len(in) == 0 {
		return nil
	}
	out := make([]sampler.DependentTimingSample, len(in))
	for i, d := range in {
		out[i] = sampler.DependentTimingSample{Operation: d.Operation, ServiceTimeSeconds: d.ServiceTime}
	}
	return out
}

// maybeExit implements the completion rule and reports whether the
// executor should stop: a completes_parent task uses only runner.Completed
// to decide completion (Run sets the shared flag on exit); a
// non-completing task also stops early if the flag has been set by a
// sibling.
func (e *Executor) maybeExit(tick schedule.Tick) bool {
	runnerDone := tick.Runner.Completed() != nil && *tick.Runner.Completed()
	if e.Allocation.Task.CompletesParent {
		return runnerDone
	}
	return runnerDone || (e.Complete != nil && e.Complete.IsSet())
}

func (e *Executor) emitSkippedSample(tick schedule.Tick) {
	now := time.Now()
	meta := map[string]interface{}{"success": true, "skipped_request": true}
	s := e.buildSample(tick, now, now, now, now, now, 0, "", meta, true)
	e.Sampler.Add(s)
}

func (e *Executor) buildSample(tick schedule.Tick, absStart, reqStart, reqEnd, procStart, procEnd time.Time, weight float64, unit string, meta map[string]interface{}, skipped bool) sampler.Sample {
	serviceTime := reqEnd.Sub(reqStart).Seconds()
	processingTime := procEnd.Sub(procStart).Seconds()
	latency := serviceTime
	if !skipped && e.Allocation.Task.TargetThroughput != nil {
		// Throttled: latency runs from the scheduled instant, so it includes
		// any time the request spent waiting behind its schedule.
		scheduledAt := e.TaskStart.Add(time.Duration(tick.ScheduledOffsetSeconds * float64(time.Second)))
		latency = reqEnd.Sub(scheduledAt).Seconds()
	}

	return sampler.Sample{
		ClientID:             e.ClientID,
		AbsoluteTime:         absStart,
		RequestStart:         reqStart,
		TaskStart:            e.TaskStart,
		TaskName:             e.Allocation.Task.Name,
		SampleType:           tick.SampleType,
		RequestMetaData:      meta,
		LatencySeconds:       latency,
		ServiceTimeSeconds:   serviceTime,
		// ClientProcessingTimeS needs a client-side request/response pair
		// distinct from the runner's own service-time measurement; the
		// Runner interface does not expose that finer split, so
		// it collapses to 0 here rather than double-counting service time.
		ClientProcessingTimeS: 0,
		ProcessingTimeSeconds: processingTime,
		TotalOps:             weight,
		TotalOpsUnit:         unit,
		PercentCompleted:     tick.PercentCompleted,
	}
}

func timeSeconds(t time.Time) float64 { return float64(t.UnixNano()) / float64(time.Second) }

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

type classifiedError struct {
	errorType   string
	description string
	fatal       bool
}

// classifyTransportError implements the transport error taxonomy:
// connection-refused is fatal, timeout is recoverable.
func (e *Executor) classifyTransportError(err error, reqCtx context.Context) classifiedError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return classifiedError{errorType: "timeout", description: err.Error(), fatal: false}
	}
	if isConnectionRefused(err) {
		return classifiedError{errorType: "connection-refused", description: err.Error(), fatal: true}
	}
	if err != nil {
		return classifiedError{errorType: "transport", description: err.Error(), fatal: false}
	}
	return classifiedError{errorType: "unknown", description: "unknown transport error", fatal: false}
}

func (e *Executor) reportError(ctx context.Context, errType, details string) {
	if e.ErrorQueue == nil {
		return
	}
	rec := sharedstate.ErrorRecord{
		Type:      errType,
		ClientID:  fmt.Sprintf("%s/%d", e.WorkerID, e.ClientID),
		Task:      e.Allocation.Task.Name,
		Details:   details,
		Timestamp: time.Now(),
	}
	_, _ = e.ErrorQueue.Push(ctx, rec) // non-blocking; dropped silently on full
}

// isConnectionRefused is a best-effort syscall-agnostic check; concrete
// transport implementations are an out-of-scope external collaborator
// so this only matches the error text of common dial failures
// ("connection refused", "no such host", "connect: "), not error types.
func isConnectionRefused(err error) bool {
	return err != nil && (containsAny(err.Error(), "connection refused", "no such host", "connect: "))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) <= len(s) && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

