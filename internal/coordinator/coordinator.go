// Package coordinator drives the top-level benchmark state machine:
// prepare -> start -> running -> {step_barrier -> running}* -> finished.
// It aggregates join-point reports from every worker, re-aligns each
// worker's next step-start instant onto a common global boundary, applies
// the completes-parent early-exit rule, and runs the post-processor over
// the raw samples accumulated since the last pass at step boundaries (once
// the post-process interval has elapsed) and at Finalize.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gkamat/opensearch-benchmark/internal/allocator"
	"github.com/gkamat/opensearch-benchmark/internal/executor"
	"github.com/gkamat/opensearch-benchmark/internal/metricsstore"
	"github.com/gkamat/opensearch-benchmark/internal/postprocess"
	"github.com/gkamat/opensearch-benchmark/internal/runner"
	"github.com/gkamat/opensearch-benchmark/internal/sampler"
	"github.com/gkamat/opensearch-benchmark/internal/schedule"
	"github.com/gkamat/opensearch-benchmark/internal/scheduler"
	"github.com/gkamat/opensearch-benchmark/internal/taskmodel"
	"github.com/gkamat/opensearch-benchmark/internal/worker"
)

// State is one phase of the coordinator's top-level state machine.
type State string

const (
	Prepare  State = "prepare"
	Start    State = "start"
	Running  State = "running"
	Finished State = "finished"
)

// DefaultWaitingPeriod is the default inter-step alignment pause; it is 0
// in test mode.
const DefaultWaitingPeriod = time.Second

// DefaultPostProcessInterval is the minimum time between post-processing
// passes at step boundaries; it is 0 in test mode.
const DefaultPostProcessInterval = 30 * time.Second

// FeedbackActor is the subset of the redline controller the coordinator
// drives around join points.
type FeedbackActor interface {
	DisableFeedbackScaling()
	EnableFeedbackScaling()
}

// Coordinator owns the benchmark's top-level state and the per-step
// join-point barrier. It implements worker.Coordinator so Worker actors
// can be driven directly in-process.
type Coordinator struct {
	NumWorkers    int
	TotalSteps    int
	WaitingPeriod time.Duration
	TestMode      bool

	// TestExecutionID uniquely identifies this benchmark run. The
	// coordinator does not pass it to the feedback actor; the CPU probe
	// filters by feedback.Controller's own TestExecutionID field.
	TestExecutionID string

	Store     metricsstore.Store
	Processor *postprocess.Processor
	Feedback  FeedbackActor

	// CompletingTaskExpected maps a task name to the number of distinct
	// client keys that must report before the completes-parent broadcast
	// fires for the current step. Plan derives it once from the rewritten
	// procedure (each completes_parent task with its Clients count).
	CompletingTaskExpected map[string]int

	Log zerolog.Logger

	postProcessInterval time.Duration

	mu           sync.Mutex
	state        State
	currentStep  int
	workers      map[string]*worker.Worker
	barrier      *stepBarrier
	rawSamples   []sampler.Sample
	rawProfiles  []sampler.ProfileSample
	lastPostProc time.Time
	resetDone    bool
}

type joinReport struct {
	workerTS time.Time
	recvTS   time.Time
}

// stepBarrier coordinates one step's join-point reports across workers.
type stepBarrier struct {
	mu                sync.Mutex
	reports           map[string]joinReport
	driveAt           map[string]time.Time
	done              chan struct{}
	completingReports map[string]map[string]bool // task -> set of client keys seen
	completingFired   bool
}

func newStepBarrier() *stepBarrier {
	return &stepBarrier{
		reports:           map[string]joinReport{},
		driveAt:           map[string]time.Time{},
		done:              make(chan struct{}),
		completingReports: map[string]map[string]bool{},
	}
}

// NewCoordinator builds a Coordinator ready to accept worker registration
// and drive the run via RunStep / JoinPointReached / UpdateSamples.
func NewCoordinator(numWorkers, totalSteps int, store metricsstore.Store, proc *postprocess.Processor, feedback FeedbackActor, testMode bool, log zerolog.Logger) *Coordinator {
	waitingPeriod := DefaultWaitingPeriod
	postProcInterval := DefaultPostProcessInterval
	if testMode {
		waitingPeriod = 0
		postProcInterval = 0
	}
	return &Coordinator{
		NumWorkers:          numWorkers,
		TotalSteps:          totalSteps,
		WaitingPeriod:       waitingPeriod,
		TestMode:            testMode,
		TestExecutionID:     uuid.NewString(),
		Store:               store,
		Processor:           proc,
		Feedback:            feedback,
		Log:                 log,
		postProcessInterval: postProcInterval,
		state:               Prepare,
		workers:             map[string]*worker.Worker{},
	}
}

// RunnerFactory builds the runner and parameter source for one task
// allocation. Concrete runner/parameter-source construction (the actual
// request protocol, parameter generation) is an out-of-scope external
// collaborator; the caller assembling a run supplies this.
type RunnerFactory func(alloc *taskmodel.TaskAllocation) (runner.Runner, runner.ParameterSource, error)

// Plan implements the start state's workload-distribution algorithm: it
// rewrites per-task clients/target-throughput for a fixed max_clients
// ceiling or a load-test client-count broadcast, builds the allocation
// matrix, and splits the matrix's rows across hosts (ceil division) and,
// within a host, round-robins them across cores, producing one
// executor-backed client list per worker. It also derives TotalSteps (one
// per parallel group) and CompletingTaskExpected from the rewritten
// procedure. Workers with no assigned rows are omitted from the result.
func (c *Coordinator) Plan(procedure *taskmodel.TestProcedure, hosts, coresPerHost int, maxClients *int, loadTestMode bool, loadTestClients int, build RunnerFactory) (map[string][]worker.ClientAllocation, *allocator.Matrix, error) {
	allocator.RewriteForStart(procedure, maxClients, loadTestMode, loadTestClients)

	matrix, err := allocator.Allocate(procedure)
	if err != nil {
		return nil, nil, fmt.Errorf("build allocation matrix: %w", err)
	}

	completing := map[string]int{}
	for _, g := range procedure.Groups {
		for _, t := range g.Tasks {
			if t.CompletesParent {
				completing[t.Name] = t.Clients
			}
		}
	}

	c.mu.Lock()
	c.TotalSteps = len(procedure.Groups)
	c.CompletingTaskExpected = completing
	c.mu.Unlock()

	rowsByWorker := allocator.DistributeRows(matrix.MaxClients, hosts, coresPerHost)

	// Complete is shared by every executor in the (single) parallel group
	// this plan covers: whichever completes_parent task's clients finish
	// first sets it, and every other executor observes it at its next
	// request boundary.
	complete := &executor.ParentCompleteFlag{}

	out := map[string][]worker.ClientAllocation{}
	for workerID, rows := range rowsByWorker {
		var allocs []worker.ClientAllocation
		for _, row := range rows {
			tas := matrix.TaskAllocationsForRow(row)
			if len(tas) == 0 {
				continue
			}
			ta := tas[0]

			rnr, params, err := build(ta)
			if err != nil {
				return nil, nil, fmt.Errorf("build runner for row %d: %w", row, err)
			}
			controller, err := schedule.ControllerFor(ta.Task, rnr, params)
			if err != nil {
				return nil, nil, fmt.Errorf("select progress controller for row %d: %w", row, err)
			}
			handle := schedule.NewHandle(ta, pacerFor(ta.Task), controller, rnr, params)

			allocs = append(allocs, worker.ClientAllocation{
				ClientID: ta.GlobalClientIndex,
				Executor: &executor.Executor{
					ClientID:          ta.GlobalClientIndex,
					Allocation:        ta,
					Handle:            handle,
					RampUpWaitSeconds: rampUpWaitSeconds(ta),
					Complete:          complete,
				},
			})
		}
		if len(allocs) > 0 {
			out[workerID] = allocs
		}
	}

	c.mu.Lock()
	c.NumWorkers = len(out)
	c.mu.Unlock()

	return out, matrix, nil
}

// pacerFor builds the pacer named by the task's scheduler, converting its
// total TargetThroughput (across all of the task's clients) into a
// per-client rate.
func pacerFor(t *taskmodel.Task) scheduler.Pacer {
	perClient := 0.0
	if t.TargetThroughput != nil && t.Clients > 0 {
		perClient = *t.TargetThroughput / float64(t.Clients)
	}
	switch t.Scheduler {
	case taskmodel.SchedulerPoisson:
		return scheduler.NewPoissonPacer(perClient, time.Now().UnixNano())
	case taskmodel.SchedulerUnitRate:
		return scheduler.NewUnitRatePacer(perClient, 1)
	default:
		return scheduler.NewDeterministicPacer(perClient)
	}
}

func rampUpWaitSeconds(ta *taskmodel.TaskAllocation) float64 {
	if ta.Task.RampUpTimePeriod == nil {
		return 0
	}
	return schedule.RampUpWaitTimeSeconds(ta.Task.RampUpTimePeriod.Seconds(), ta.GlobalClientIndex, ta.TotalClientsInParallelGroup)
}

// RegisterWorker records a worker so the completes-parent rule can
// broadcast CompleteCurrentTask to it directly.
func (c *Coordinator) RegisterWorker(w *worker.Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[w.ID] = w
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin transitions prepare -> start -> running and resets the metrics
// store's relative-time origin exactly once, at the first step.
func (c *Coordinator) Begin(ctx context.Context) error {
	c.mu.Lock()
	c.state = Start
	c.mu.Unlock()

	if c.Feedback != nil {
		c.Feedback.EnableFeedbackScaling()
	}

	if !c.resetDone {
		if err := c.Store.ResetRelativeTime(ctx); err != nil {
			return fmt.Errorf("reset metrics store relative time: %w", err)
		}
		c.resetDone = true
	}

	c.mu.Lock()
	c.state = Running
	c.barrier = newStepBarrier()
	c.lastPostProc = time.Now()
	c.mu.Unlock()
	return nil
}

// JoinPointReached implements worker.Coordinator. It blocks the caller
// until NumWorkers workers have reported for the current step, then
// returns that worker's realigned local drive instant.
func (c *Coordinator) JoinPointReached(ctx context.Context, msg worker.JoinPointReached) (time.Time, error) {
	if c.Feedback != nil {
		c.Feedback.DisableFeedbackScaling()
	}

	c.mu.Lock()
	barrier := c.barrier
	c.mu.Unlock()

	barrier.mu.Lock()
	barrier.reports[msg.WorkerID] = joinReport{workerTS: msg.MonotonicNow, recvTS: time.Now()}
	c.noteCompletingProgress(barrier, msg.TaskAllocKeys)
	complete := len(barrier.reports) >= c.NumWorkers
	barrier.mu.Unlock()

	if complete {
		if err := c.completeStep(ctx, barrier); err != nil {
			return time.Time{}, err
		}
	}

	<-barrier.done

	barrier.mu.Lock()
	at := barrier.driveAt[msg.WorkerID]
	barrier.mu.Unlock()
	return at, nil
}

// noteCompletingProgress implements the completing-parent rule: once
// every client executing a completes_parent task has reached the join
// point, broadcast CompleteCurrentTask to every registered worker,
// exactly once per step.
func (c *Coordinator) noteCompletingProgress(barrier *stepBarrier, keys []string) {
	if len(c.CompletingTaskExpected) == 0 || barrier.completingFired {
		return
	}
	for _, key := range keys {
		task := taskNameFromKey(key)
		expected, ok := c.CompletingTaskExpected[task]
		if !ok {
			continue
		}
		seen, ok := barrier.completingReports[task]
		if !ok {
			seen = map[string]bool{}
			barrier.completingReports[task] = seen
		}
		seen[key] = true
		if len(seen) >= expected {
			barrier.completingFired = true
			c.broadcastCompleteCurrentTask()
			return
		}
	}
}

func (c *Coordinator) broadcastCompleteCurrentTask() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workers {
		w.CompleteCurrentTask()
	}
}

func taskNameFromKey(key string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		return key[:i]
	}
	return key
}

// completeStep runs once all workers have reported: it post-processes the
// raw samples accumulated so far if postProcessInterval has elapsed since
// the last pass (otherwise they stay buffered for a later pass), computes
// the next global step-start
// instant, and derives each worker's locally-aligned drive instant before
// releasing the barrier.
func (c *Coordinator) completeStep(ctx context.Context, barrier *stepBarrier) error {
	if err := c.runPostProcess(ctx); err != nil {
		return err
	}

	nextGlobalStart := time.Now().Add(c.WaitingPeriod)

	barrier.mu.Lock()
	for workerID, rep := range barrier.reports {
		barrier.driveAt[workerID] = rep.workerTS.Add(nextGlobalStart.Sub(rep.recvTS))
	}
	barrier.mu.Unlock()

	c.mu.Lock()
	c.currentStep++
	finished := c.currentStep >= c.TotalSteps
	if finished {
		c.state = Finished
	} else {
		c.barrier = newStepBarrier()
	}
	c.mu.Unlock()

	if c.Feedback != nil && !finished {
		c.Feedback.EnableFeedbackScaling()
	}
	if finished {
		c.broadcastActorExitRequest()
	}

	close(barrier.done)
	return nil
}

// broadcastActorExitRequest implements the finished state's "signal
// completion" step: every registered worker is told to tear down its pool
// once it has received its final drive instant.
func (c *Coordinator) broadcastActorExitRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.workers {
		w.ActorExitRequest()
	}
}

// UpdateSamples implements worker.Coordinator: it only appends to the
// raw-sample buffer and never post-processes itself; the buffer is drained
// by completeStep and Finalize.
func (c *Coordinator) UpdateSamples(_ context.Context, msg worker.UpdateSamples) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rawSamples = append(c.rawSamples, msg.Samples...)
	c.rawProfiles = append(c.rawProfiles, msg.ProfileSamples...)
}

// runPostProcess drains the raw-sample buffer through the post-processor
// if postProcessInterval has elapsed (always, in test mode where the
// interval is 0).
func (c *Coordinator) runPostProcess(ctx context.Context) error {
	c.mu.Lock()
	elapsed := time.Since(c.lastPostProc) >= c.postProcessInterval
	if !elapsed || c.Processor == nil {
		c.mu.Unlock()
		return nil
	}
	samples := c.rawSamples
	profiles := c.rawProfiles
	c.rawSamples = nil
	c.rawProfiles = nil
	c.lastPostProc = time.Now()
	c.mu.Unlock()

	if len(samples) == 0 && len(profiles) == 0 {
		return nil
	}
	return c.Processor.Process(ctx, samples, profiles)
}

// Finalize runs a last post-processing pass over every sample still
// buffered, regardless of postProcessInterval, then externalizes and
// clears the metrics store. It does not stop any telemetry device.
func (c *Coordinator) Finalize(ctx context.Context) (metricsstore.Externalized, error) {
	c.mu.Lock()
	c.lastPostProc = time.Time{} // zero time: runPostProcess's interval check always passes
	c.mu.Unlock()
	if err := c.runPostProcess(ctx); err != nil {
		return nil, err
	}
	return c.Store.ToExternalizable(ctx, true)
}
