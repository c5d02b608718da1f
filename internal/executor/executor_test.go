package executor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkamat/opensearch-benchmark/internal/runner"
	"github.com/gkamat/opensearch-benchmark/internal/sampler"
	"github.com/gkamat/opensearch-benchmark/internal/schedule"
	"github.com/gkamat/opensearch-benchmark/internal/scheduler"
	"github.com/gkamat/opensearch-benchmark/internal/sharedstate"
	"github.com/gkamat/opensearch-benchmark/internal/taskmodel"
)

type infiniteParams struct{}

func (infiniteParams) Partition(int, int) runner.ParameterSource { return infiniteParams{} }
func (infiniteParams) Params(context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}
func (infiniteParams) PercentCompleted() *float64 { return nil }
func (infiniteParams) Infinite() bool             { return true }

type successRunner struct{}

func (successRunner) Run(context.Context, interface{}, map[string]interface{}) (runner.Result, error) {
	return runner.Result{Success: true, Weight: 1, Unit: "ops"}, nil
}
func (successRunner) Completed() *bool           { return nil }
func (successRunner) PercentCompleted() *float64 { return nil }

// T(iterations=100, warmup_iterations=10, clients=1) yields exactly 110
// samples: 10 warmup then 100 normal.
func TestExecutorIterationBudget(t *testing.T) {
	warmup := int64(10)
	total := int64(100)
	task := &taskmodel.Task{
		Name:             "T",
		Operation:        taskmodel.OperationRef{Type: "search", Name: "T"},
		Clients:          1,
		Scheduler:        taskmodel.SchedulerDeterministic,
		WarmupIterations: &warmup,
		Iterations:       &total,
	}
	alloc := &taskmodel.TaskAllocation{Task: task, ClientIndexInTask: 0, GlobalClientIndex: 0, TotalClientsInParallelGroup: 1}

	controller, err := schedule.ControllerFor(task, successRunner{}, infiniteParams{})
	require.NoError(t, err)

	handle := schedule.NewHandle(alloc, scheduler.NewDeterministicPacer(1000), controller, successRunner{}, infiniteParams{})

	q := sampler.NewQueue[sampler.Sample](0, zerolog.Nop())

	ex := &Executor{
		ClientID:    0,
		WorkerID:    "w0",
		Allocation:  alloc,
		Handle:      handle,
		Sampler:     q,
		PauseMap:    sharedstate.NewInMemoryPauseMap(),
		ErrorQueue:  sharedstate.NewInMemoryErrorQueue(0),
		BaseTimeout: time.Second,
		Complete:    &ParentCompleteFlag{},
		Log:         zerolog.Nop(),
	}
	ex.sleeper = func(time.Duration) {} // no real sleeping in tests

	require.NoError(t, ex.Run(context.Background()))

	samples := q.Drain()
	require.Len(t, samples, 110)

	warmupCount, normalCount := 0, 0
	for i, s := range samples {
		if i < 10 {
			assert.Equal(t, scheduler.Warmup, s.SampleType)
			warmupCount++
		} else {
			assert.Equal(t, scheduler.Normal, s.SampleType)
			normalCount++
		}
	}
	assert.Equal(t, 10, warmupCount)
	assert.Equal(t, 100, normalCount)

	last := samples[len(samples)-1]
	require.NotNil(t, last.PercentCompleted)
	assert.InDelta(t, 1.0, *last.PercentCompleted, 1e-9)
}

type timeoutRunner struct{}

func (timeoutRunner) Run(ctx context.Context, _ interface{}, _ map[string]interface{}) (runner.Result, error) {
	<-ctx.Done()
	return runner.Result{}, ctx.Err()
}
func (timeoutRunner) Completed() *bool           { return nil }
func (timeoutRunner) PercentCompleted() *float64 { return nil }

func TestExecutorTimeoutClassification(t *testing.T) {
	one := int64(1)
	task := &taskmodel.Task{
		Name:       "T",
		Operation:  taskmodel.OperationRef{Type: "search", Name: "T"},
		Clients:    1,
		Scheduler:  taskmodel.SchedulerDeterministic,
		Iterations: &one,
	}
	alloc := &taskmodel.TaskAllocation{Task: task, ClientIndexInTask: 0, GlobalClientIndex: 0, TotalClientsInParallelGroup: 1}
	controller, err := schedule.ControllerFor(task, timeoutRunner{}, infiniteParams{})
	require.NoError(t, err)
	handle := schedule.NewHandle(alloc, scheduler.NewDeterministicPacer(1000), controller, timeoutRunner{}, infiniteParams{})

	q := sampler.NewQueue[sampler.Sample](0, zerolog.Nop())
	errQ := sharedstate.NewInMemoryErrorQueue(0)

	ex := &Executor{
		ClientID:    0,
		WorkerID:    "w0",
		Allocation:  alloc,
		Handle:      handle,
		Sampler:     q,
		PauseMap:    sharedstate.NewInMemoryPauseMap(),
		ErrorQueue:  errQ,
		BaseTimeout: 10 * time.Millisecond,
		Complete:    &ParentCompleteFlag{},
		Log:         zerolog.Nop(),
	}
	ex.sleeper = func(time.Duration) {}

	require.NoError(t, ex.Run(context.Background()))

	samples := q.Drain()
	require.Len(t, samples, 1)
	assert.Equal(t, "timeout", samples[0].RequestMetaData["error-type"])

	recs, err := errQ.Drain(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "timeout", recs[0].Type)
}
