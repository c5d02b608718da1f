package taskmodel

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/gkamat/opensearch-benchmark/internal/errtype"
)

var v = validator.New()

// Validate runs struct-tag validation plus the taxonomy-specific checks:
// mutually exclusive timing policy, warmup+iterations != 0, and that a
// task declares at most one of the two timing policies (declaring
// neither falls back to runner/parameter-source driven completion, which
// the ScheduleHandle factory resolves separately).
func (t *Task) Validate() error {
	if err := v.Struct(t); err != nil {
		return errtype.Wrap(errtype.Configuration, fmt.Sprintf("task %q failed validation", t.Name), err)
	}

	if t.UsesIterationPolicy() && t.UsesTimePeriodPolicy() {
		return errtype.New(errtype.Configuration,
			fmt.Sprintf("task %q specifies both an iteration-based and a time-period-based timing policy", t.Name))
	}

	if t.UsesIterationPolicy() {
		var warmup, iterations int64
		if t.WarmupIterations != nil {
			warmup = *t.WarmupIterations
		}
		if t.Iterations != nil {
			iterations = *t.Iterations
		}
		if warmup+iterations == 0 {
			return errtype.New(errtype.Configuration,
				fmt.Sprintf("task %q: warmup_iterations + iterations must not be 0", t.Name))
		}
	}

	return nil
}

// Validate validates every task in every group of the test procedure.
func (p *TestProcedure) Validate() error {
	if err := v.Struct(p); err != nil {
		return errtype.Wrap(errtype.Configuration, "test procedure failed validation", err)
	}
	for _, g := range p.Groups {
		for _, t := range g.Tasks {
			if err := t.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}
