package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkamat/opensearch-benchmark/internal/executor"
	"github.com/gkamat/opensearch-benchmark/internal/metricsstore"
	"github.com/gkamat/opensearch-benchmark/internal/postprocess"
	"github.com/gkamat/opensearch-benchmark/internal/runner"
	"github.com/gkamat/opensearch-benchmark/internal/schedule"
	"github.com/gkamat/opensearch-benchmark/internal/scheduler"
	"github.com/gkamat/opensearch-benchmark/internal/taskmodel"
	"github.com/gkamat/opensearch-benchmark/internal/throughput"
	"github.com/gkamat/opensearch-benchmark/internal/worker"
)

type finiteParams struct {
	mu        sync.Mutex
	remaining int
}

func (p *finiteParams) Partition(int, int) runner.ParameterSource { return p }
func (p *finiteParams) Params(context.Context) (map[string]interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remaining <= 0 {
		return nil, runner.ErrEndOfInput
	}
	p.remaining--
	return map[string]interface{}{}, nil
}
func (p *finiteParams) PercentCompleted() *float64 { return nil }
func (p *finiteParams) Infinite() bool             { return false }

type okRunner struct{}

func (okRunner) Run(context.Context, interface{}, map[string]interface{}) (runner.Result, error) {
	return runner.Result{Success: true, Weight: 1, Unit: "ops"}, nil
}
func (okRunner) Completed() *bool           { return nil }
func (okRunner) PercentCompleted() *float64 { return nil }

func newExec(task *taskmodel.Task, idx, iterations int) *executor.Executor {
	alloc := &taskmodel.TaskAllocation{Task: task, ClientIndexInTask: idx, GlobalClientIndex: idx, TotalClientsInParallelGroup: 1}
	one := int64(iterations)
	controller, _ := scheduler.NewIterationBased(0, &one)
	handle := schedule.NewHandle(alloc, scheduler.NewDeterministicPacer(1000), controller, okRunner{}, &finiteParams{remaining: iterations})
	return &executor.Executor{ClientID: idx, Allocation: alloc, Handle: handle, Complete: &executor.ParentCompleteFlag{}}
}

// Exercises two single-client workers through one full step each; the
// coordinator's join-point barrier must release both with no error and
// must have post-processed every emitted sample by the time it finishes.
func TestCoordinatorSingleStepRun(t *testing.T) {
	ctx := context.Background()
	store := metricsstore.NewMemoryStore()
	calc := throughput.NewCalculator(1)
	proc := postprocess.NewProcessor(store, calc, postprocess.MetaChain{}, 1)

	coord := NewCoordinator(2, 1, store, proc, nil, true, zerolog.Nop())
	require.NoError(t, coord.Begin(ctx))

	task := &taskmodel.Task{Name: "index-append", Clients: 1, Scheduler: taskmodel.SchedulerDeterministic}

	w0 := worker.NewWorker("w0", coord, zerolog.Nop(), true)
	w1 := worker.NewWorker("w1", coord, zerolog.Nop(), true)
	coord.RegisterWorker(w0)
	coord.RegisterWorker(w1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		allocs := []worker.ClientAllocation{{ClientID: 0, Executor: newExec(task, 0, 10)}}
		_ = w0.StartWorker(ctx, allocs, nil, nil)
	}()
	go func() {
		defer wg.Done()
		allocs := []worker.ClientAllocation{{ClientID: 0, Executor: newExec(task, 1, 10)}}
		_ = w1.StartWorker(ctx, allocs, nil, nil)
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not reach a stable state in time")
	}

	assert.Equal(t, Finished, coord.State())
	assert.Greater(t, len(store.ClusterLevel), 0)

	_, err := coord.Finalize(ctx)
	require.NoError(t, err)
}

// Plan's client/host/core distribution: 6 clients over 2 hosts with 3
// cores each must produce exactly 6 single-client worker allocations (one
// row per core, no core idle, no row dropped), and must reset TotalSteps
// and NumWorkers to the values derived from the plan rather than whatever
// NewCoordinator was constructed with.
func TestCoordinatorPlanDistributesClientsAcrossHostsAndCores(t *testing.T) {
	store := metricsstore.NewMemoryStore()
	calc := throughput.NewCalculator(1)
	proc := postprocess.NewProcessor(store, calc, postprocess.MetaChain{}, 1)
	coord := NewCoordinator(0, 0, store, proc, nil, true, zerolog.Nop())

	iters := int64(5)
	task := &taskmodel.Task{
		Name:       "index-append",
		Clients:    6,
		Scheduler:  taskmodel.SchedulerDeterministic,
		Iterations: &iters,
	}
	procedure := &taskmodel.TestProcedure{
		Groups: []taskmodel.ParallelGroup{{Tasks: []*taskmodel.Task{task}}},
	}

	build := func(alloc *taskmodel.TaskAllocation) (runner.Runner, runner.ParameterSource, error) {
		return okRunner{}, &finiteParams{remaining: 5}, nil
	}

	plan, matrix, err := coord.Plan(procedure, 2, 3, nil, false, 0, build)
	require.NoError(t, err)
	assert.Equal(t, 6, matrix.MaxClients)
	assert.Equal(t, 1, coord.TotalSteps)
	assert.Equal(t, len(plan), coord.NumWorkers)

	var totalClients int
	for _, allocs := range plan {
		assert.Len(t, allocs, 1)
		totalClients += len(allocs)
	}
	assert.Equal(t, 6, totalClients)
	assert.Contains(t, plan, "host-0/core-0")
	assert.Contains(t, plan, "host-1/core-0")
}

// Plan rewrites a task's clients when the caller is in load-test mode,
// broadcasting the configured client count before the matrix is built.
func TestCoordinatorPlanAppliesLoadTestClientBroadcast(t *testing.T) {
	store := metricsstore.NewMemoryStore()
	calc := throughput.NewCalculator(1)
	proc := postprocess.NewProcessor(store, calc, postprocess.MetaChain{}, 1)
	coord := NewCoordinator(0, 0, store, proc, nil, true, zerolog.Nop())

	iters := int64(1)
	task := &taskmodel.Task{Name: "t", Clients: 2, Scheduler: taskmodel.SchedulerDeterministic, Iterations: &iters}
	procedure := &taskmodel.TestProcedure{Groups: []taskmodel.ParallelGroup{{Tasks: []*taskmodel.Task{task}}}}

	build := func(alloc *taskmodel.TaskAllocation) (runner.Runner, runner.ParameterSource, error) {
		return okRunner{}, &finiteParams{remaining: 1}, nil
	}

	_, matrix, err := coord.Plan(procedure, 1, 1, nil, true, 4, build)
	require.NoError(t, err)
	assert.Equal(t, 4, task.Clients)
	assert.Equal(t, 4, matrix.MaxClients)
}
