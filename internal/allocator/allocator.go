// Package allocator builds the 2-D client x step allocation matrix with
// embedded join points.
package allocator

import (
	"fmt"
	"math"

	"github.com/gkamat/opensearch-benchmark/internal/errtype"
	"github.com/gkamat/opensearch-benchmark/internal/taskmodel"
)

// Matrix is the rectangular allocation matrix: shape
// [MaxClients x (2*len(groups)+1)]. Rows begin and end with a JoinPoint;
// groups are separated by JoinPoints; a row is padded with a NoneCell for
// clients not participating in a given group.
type Matrix struct {
	MaxClients int
	Rows       [][]taskmodel.Cell // Rows[row][column]
}

// TaskAllocationsForRow returns, in column order, every TaskAllocation a
// physical row participates in.
func (m *Matrix) TaskAllocationsForRow(row int) []*taskmodel.TaskAllocation {
	var out []*taskmodel.TaskAllocation
	for _, cell := range m.Rows[row] {
		if ta, ok := cell.(*taskmodel.TaskAllocation); ok {
			out = append(out, ta)
		}
	}
	return out
}

// JoinPointColumns returns the column indices holding join points, which
// by construction are identical for every row.
func (m *Matrix) JoinPointColumns() []int {
	if len(m.Rows) == 0 {
		return nil
	}
	var cols []int
	for col, cell := range m.Rows[0] {
		if _, ok := cell.(*taskmodel.JoinPoint); ok {
			cols = append(cols, col)
		}
	}
	return cols
}

// Allocate builds the allocation matrix for an ordered list of parallel
// groups.
func Allocate(procedure *taskmodel.TestProcedure) (*Matrix, error) {
	maxClients := 0
	for _, g := range procedure.Groups {
		if c := g.ClientsSum(); c > maxClients {
			maxClients = c
		}
	}
	if maxClients == 0 {
		return nil, errtype.New(errtype.Configuration, "test procedure allocates zero clients")
	}

	rows := make([][]taskmodel.Cell, maxClients)
	for r := range rows {
		rows[r] = []taskmodel.Cell{}
	}

	joinID := 0
	appendJoinPoint := func(completing []int) {
		jp := &taskmodel.JoinPoint{Id: joinID, ClientsExecutingCompletingTask: completing}
		joinID++
		for r := range rows {
			rows[r] = append(rows[r], jp)
		}
	}

	appendJoinPoint(nil) // JoinPoint(0) prepended to every row

	for _, group := range procedure.Groups {
		totalInGroup := group.ClientsSum()
		filled := make([]bool, maxClients)
		completingRows := map[int]struct{}{}

		cursor := 0
		for _, task := range group.Tasks {
			for i := 0; i < task.Clients; i++ {
				globalIdx := cursor
				cursor++
				row := globalIdx % maxClients
				if filled[row] {
					return nil, errtype.New(errtype.Configuration,
						fmt.Sprintf("allocator: row %d assigned twice within the same group (task %q)", row, task.Name))
				}
				filled[row] = true
				rows[row] = append(rows[row], &taskmodel.TaskAllocation{
					Task:                        task,
					ClientIndexInTask:           i,
					GlobalClientIndex:           globalIdx,
					TotalClientsInParallelGroup: totalInGroup,
				})
				if task.CompletesParent {
					completingRows[row] = struct{}{}
				}
			}
		}

		for row := 0; row < maxClients; row++ {
			if !filled[row] {
				rows[row] = append(rows[row], taskmodel.NoneCell{})
			}
		}

		var completing []int
		for r := range completingRows {
			completing = append(completing, r)
		}
		appendJoinPoint(completing)
	}

	m := &Matrix{MaxClients: maxClients, Rows: rows}
	if err := m.validateShape(); err != nil {
		return nil, err
	}
	return m, nil
}

// RewriteForStart applies the start state's per-task client/target-throughput
// rewrite, in place, before the matrix is built:
//   - in load-test mode, every task's Clients is overwritten with
//     loadTestClients (the load-test client count is broadcast uniformly
//     regardless of what the workload itself declared);
//   - otherwise, when the user fixed maxClients, any task whose Clients
//     exceeds it is capped to maxClients, and TargetThroughput (if set) is
//     scaled down proportionally so the per-client rate is unchanged.
func RewriteForStart(procedure *taskmodel.TestProcedure, maxClients *int, loadTestMode bool, loadTestClients int) {
	for _, g := range procedure.Groups {
		for _, t := range g.Tasks {
			switch {
			case loadTestMode && loadTestClients > 0:
				t.Clients = loadTestClients
			case maxClients != nil && t.Clients > *maxClients:
				if t.TargetThroughput != nil {
					scaled := *t.TargetThroughput * float64(*maxClients) / float64(t.Clients)
					t.TargetThroughput = &scaled
				}
				t.Clients = *maxClients
			}
		}
	}
}

// DistributeRows implements the start state's client distribution rule:
// clients (physical matrix rows) are split across hosts by ceil division
// (each host gets at most ceil(maxClients/hosts) rows) and, within a host,
// round-robined across that host's cores. The result maps a worker key
// "host-<h>/core-<c>" to the physical row indices assigned to it; workers
// with no assigned rows are omitted so callers only launch workers that
// have at least one client.
func DistributeRows(maxClients, hosts, coresPerHost int) map[string][]int {
	if hosts <= 0 {
		hosts = 1
	}
	if coresPerHost <= 0 {
		coresPerHost = 1
	}
	perHost := int(math.Ceil(float64(maxClients) / float64(hosts)))

	out := map[string][]int{}
	for row := 0; row < maxClients; row++ {
		host := row / perHost
		withinHost := row % perHost
		core := withinHost % coresPerHost
		key := fmt.Sprintf("host-%d/core-%d", host, core)
		out[key] = append(out[key], row)
	}
	return out
}

// validateShape checks that every row has equal length and identical
// join-point ids at identical column positions. Construction should
// always satisfy this; making it an explicit check lets callers treat a
// broken invariant as a Configuration error rather than a panic
// downstream.
func (m *Matrix) validateShape() error {
	if len(m.Rows) == 0 {
		return nil
	}
	width := len(m.Rows[0])
	var refIds []int
	for _, c := range m.Rows[0] {
		if jp, ok := c.(*taskmodel.JoinPoint); ok {
			refIds = append(refIds, jp.Id)
		}
	}
	for r := 1; r < len(m.Rows); r++ {
		if len(m.Rows[r]) != width {
			return errtype.New(errtype.Configuration, fmt.Sprintf("allocator: row %d has width %d, want %d", r, len(m.Rows[r]), width))
		}
		var ids []int
		for _, c := range m.Rows[r] {
			if jp, ok := c.(*taskmodel.JoinPoint); ok {
				ids = append(ids, jp.Id)
			}
		}
		if len(ids) != len(refIds) {
			return errtype.New(errtype.Configuration, fmt.Sprintf("allocator: row %d has mismatched join-point count", r))
		}
		for i := range ids {
			if ids[i] != refIds[i] {
				return errtype.New(errtype.Configuration, fmt.Sprintf("allocator: row %d join-point %d at position %d, want %d", r, ids[i], i, refIds[i]))
			}
		}
	}
	return nil
}
