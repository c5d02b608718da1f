package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkamat/opensearch-benchmark/internal/taskmodel"
)

func mustTask(name string, clients int, completesParent bool) *taskmodel.Task {
	iters := int64(10)
	return &taskmodel.Task{
		Name:       name,
		Operation:  taskmodel.OperationRef{Type: "search", Name: name},
		Clients:    clients,
		Scheduler:  taskmodel.SchedulerDeterministic,
		Iterations: &iters,
		CompletesParent: completesParent,
	}
}

// Two parallel tasks T1(clients=2), T2(clients=1) in one group produce a
// 3 rows x 3 columns matrix: JP(0) | T1/T1/T2 | JP(1).
func TestAllocateJoinPointBarrier(t *testing.T) {
	t1 := mustTask("T1", 2, false)
	t2 := mustTask("T2", 1, false)

	procedure := &taskmodel.TestProcedure{
		Groups: []taskmodel.ParallelGroup{{Tasks: []*taskmodel.Task{t1, t2}}},
	}

	m, err := Allocate(procedure)
	require.NoError(t, err)

	assert.Equal(t, 3, m.MaxClients)
	require.Len(t, m.Rows, 3)
	for _, row := range m.Rows {
		require.Len(t, row, 3)
	}

	for _, row := range m.Rows {
		jp0, ok := row[0].(*taskmodel.JoinPoint)
		require.True(t, ok)
		assert.Equal(t, 0, jp0.Id)

		jp1, ok := row[2].(*taskmodel.JoinPoint)
		require.True(t, ok)
		assert.Equal(t, 1, jp1.Id)
		assert.Empty(t, jp1.ClientsExecutingCompletingTask)
	}

	ta0 := m.Rows[0][1].(*taskmodel.TaskAllocation)
	ta1 := m.Rows[1][1].(*taskmodel.TaskAllocation)
	ta2 := m.Rows[2][1].(*taskmodel.TaskAllocation)
	assert.Equal(t, t1, ta0.Task)
	assert.Equal(t, t1, ta1.Task)
	assert.Equal(t, t2, ta2.Task)
}

// Scenario 2: T1(clients=4) and T2(clients=2, completes_parent=true) in
// the same group. JP(1)'s ClientsExecutingCompletingTask must name the two
// rows running T2.
func TestAllocateCompletesParent(t *testing.T) {
	t1 := mustTask("T1", 4, false)
	t2 := mustTask("T2", 2, true)

	procedure := &taskmodel.TestProcedure{
		Groups: []taskmodel.ParallelGroup{{Tasks: []*taskmodel.Task{t1, t2}}},
	}

	m, err := Allocate(procedure)
	require.NoError(t, err)
	assert.Equal(t, 6, m.MaxClients)

	jp1 := m.Rows[0][2].(*taskmodel.JoinPoint)
	assert.Equal(t, 1, jp1.Id)
	assert.ElementsMatch(t, []int{4, 5}, jp1.ClientsExecutingCompletingTask)
}

func TestAllocateRejectsEmptyProcedure(t *testing.T) {
	_, err := Allocate(&taskmodel.TestProcedure{Groups: []taskmodel.ParallelGroup{{Tasks: []*taskmodel.Task{mustTask("T", 0, false)}}}})
	assert.Error(t, err)
}

// maxClients caps an oversized task's Clients and scales TargetThroughput
// proportionally, keeping the per-client rate unchanged.
func TestRewriteForStartCapsClientsAndScalesThroughput(t *testing.T) {
	throughput := 100.0
	task := mustTask("T", 20, false)
	task.TargetThroughput = &throughput

	procedure := &taskmodel.TestProcedure{Groups: []taskmodel.ParallelGroup{{Tasks: []*taskmodel.Task{task}}}}
	max := 5
	RewriteForStart(procedure, &max, false, 0)

	assert.Equal(t, 5, task.Clients)
	require.NotNil(t, task.TargetThroughput)
	assert.InDelta(t, 25.0, *task.TargetThroughput, 1e-9)
}

// Load-test mode broadcasts the configured client count to every task,
// regardless of maxClients or the task's own declared Clients.
func TestRewriteForStartBroadcastsLoadTestClients(t *testing.T) {
	t1 := mustTask("T1", 2, false)
	t2 := mustTask("T2", 8, false)
	procedure := &taskmodel.TestProcedure{Groups: []taskmodel.ParallelGroup{{Tasks: []*taskmodel.Task{t1, t2}}}}

	RewriteForStart(procedure, nil, true, 50)

	assert.Equal(t, 50, t1.Clients)
	assert.Equal(t, 50, t2.Clients)
}

// 7 clients over 2 hosts: ceil(7/2)=4 on host 0 (rows 0-3), 3 on host 1
// (rows 4-6); within each host, rows round-robin across 2 cores.
func TestDistributeRowsCeilsAcrossHostsAndRoundRobinsCores(t *testing.T) {
	assignment := DistributeRows(7, 2, 2)

	assert.ElementsMatch(t, []int{0, 2}, assignment["host-0/core-0"])
	assert.ElementsMatch(t, []int{1, 3}, assignment["host-0/core-1"])
	assert.ElementsMatch(t, []int{4, 6}, assignment["host-1/core-0"])
	assert.ElementsMatch(t, []int{5}, assignment["host-1/core-1"])

	total := 0
	for _, rows := range assignment {
		total += len(rows)
	}
	assert.Equal(t, 7, total)
}

func TestDistributeRowsDefaultsToOneHostOneCore(t *testing.T) {
	assignment := DistributeRows(3, 0, 0)
	assert.ElementsMatch(t, []int{0, 1, 2}, assignment["host-0/core-0"])
}
