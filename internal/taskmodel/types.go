// Package taskmodel holds the declarative data model shared across the
// core: tasks, test procedures, join points and task allocations.
package taskmodel

import "time"

// OperationRef identifies the operation a task exercises. The operation
// registry itself (runner lookup, parameter source construction) is an
// external collaborator consumed via the Runner and ParameterSource
// interfaces in package runner.
type OperationRef struct {
	Type string                 `validate:"required"`
	Name string                 `validate:"required"`
	Meta map[string]interface{}
}

// SchedulerName selects the pacer implementation a task's clients use to
// space their requests.
type SchedulerName string

const (
	SchedulerDeterministic SchedulerName = "deterministic"
	SchedulerPoisson       SchedulerName = "poisson"
	SchedulerUnitRate      SchedulerName = "unit-rate"
)

// Task is a named unit of work distributed over a number of clients.
//
// Timing policy is mutually exclusive: either (WarmupIterations,
// Iterations) or (WarmupTimePeriod, TimePeriod) may be set, never both.
// Validate enforces this and the "warmup+iterations == 0" configuration
// error when neither timing policy leaves any work scheduled.
type Task struct {
	Name             string       `validate:"required"`
	Operation        OperationRef `validate:"required"`
	Clients          int          `validate:"required,min=1"`
	CompletesParent  bool
	Scheduler        SchedulerName `validate:"required"`

	WarmupIterations *int64
	Iterations       *int64

	WarmupTimePeriod *time.Duration
	TimePeriod       *time.Duration

	RampUpTimePeriod *time.Duration

	// TargetThroughput is the task's total target throughput across all of
	// its clients combined (ops/s); nil means unthrottled. The start
	// state's client/target-throughput rewrite scales this proportionally
	// when Clients changes, so the per-client rate stays constant.
	TargetThroughput *float64 `validate:"omitempty,gt=0"`
}

// UsesIterationPolicy reports whether the task's timing policy is
// iteration-based (as opposed to time-period-based).
func (t *Task) UsesIterationPolicy() bool {
	return t.Iterations != nil || t.WarmupIterations != nil
}

// UsesTimePeriodPolicy reports whether the task's timing policy is
// time-period-based.
func (t *Task) UsesTimePeriodPolicy() bool {
	return t.TimePeriod != nil || t.WarmupTimePeriod != nil
}

// ParallelGroup is a set of tasks executed concurrently; between
// consecutive groups the Allocator inserts an implicit join point.
type ParallelGroup struct {
	Tasks []*Task `validate:"required,min=1,dive,required"`
}

// ClientsSum is the total number of clients requested across the group's
// tasks.
func (g ParallelGroup) ClientsSum() int {
	sum := 0
	for _, t := range g.Tasks {
		sum += t.Clients
	}
	return sum
}

// TestProcedure is an ordered sequence of parallel groups.
type TestProcedure struct {
	Groups []ParallelGroup `validate:"required,min=1,dive"`
}

// JoinPoint is a global barrier synchronizing all clients at the end of a
// parallel group. Equality is by Id.
type JoinPoint struct {
	Id int

	// ClientsExecutingCompletingTask is the subset of (physical row)
	// client indices whose task, when finished, can prematurely complete
	// the parent parallel group.
	ClientsExecutingCompletingTask []int
}

// Equal compares two join points by id.
func (j JoinPoint) Equal(other JoinPoint) bool { return j.Id == other.Id }

// TaskAllocation assigns one client within a task to a physical client row
// in the global allocation matrix. Identity is (Task, GlobalClientIndex).
type TaskAllocation struct {
	Task                        *Task
	ClientIndexInTask           int
	GlobalClientIndex           int
	TotalClientsInParallelGroup int
}

// Key returns a comparable identity for use as a map key: a task
// allocation is uniquely identified by its task together with its
// global client index.
func (a TaskAllocation) Key() AllocationKey {
	return AllocationKey{Task: a.Task, GlobalClientIndex: a.GlobalClientIndex}
}

// AllocationKey is the comparable identity of a TaskAllocation.
type AllocationKey struct {
	Task              *Task
	GlobalClientIndex int
}

// Cell is one entry of the allocation matrix: either a *TaskAllocation, a
// *JoinPoint, or NoneCell (padding for a client not participating in a
// group; the allocator always pads with NoneCell, never nil).
type Cell interface {
	isCell()
}

func (*TaskAllocation) isCell() {}
func (*JoinPoint) isCell()      {}

// NoneCell is the explicit "none" padding cell. A nil Cell
// interface value is equivalent but NoneCell lets callers type-switch
// explicitly rather than check for nil.
type NoneCell struct{}

func (NoneCell) isCell() {}
