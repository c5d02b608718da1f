// Package scheduler implements the per-task pacing and progress-control
// primitives: TimePeriodBased / IterationBased
// progress controllers, and the Pacer plug-in interface.
package scheduler

import (
	"time"

	"github.com/gkamat/opensearch-benchmark/internal/errtype"
)

// SampleType labels a sample as produced during warmup or normal
// execution.
type SampleType string

const (
	Warmup SampleType = "warmup"
	Normal SampleType = "normal"
)

// ProgressController advances a task's progress and decides the current
// sample type.
type ProgressController interface {
	// Start begins the controller's clock/counter.
	Start(now time.Time)
	// Advance records that one more unit of progress (one iteration, or
	// the given elapsed wall-clock tick) has occurred.
	Advance(now time.Time)
	SampleType() SampleType
	Infinite() bool
	Completed() bool
	PercentCompleted() (float64, bool) // ok=false means "none"
}

// TimePeriodBased starts a monotonic clock on Start; SampleType is Warmup
// while elapsed < Warmup, else Normal. Infinite reports whether Period is
// unbounded (nil).
type TimePeriodBased struct {
	WarmupPeriod time.Duration
	Period       *time.Duration // nil means infinite

	start   time.Time
	elapsed time.Duration
}

func NewTimePeriodBased(warmup time.Duration, period *time.Duration) *TimePeriodBased {
	return &TimePeriodBased{WarmupPeriod: warmup, Period: period}
}

func (c *TimePeriodBased) Start(now time.Time) { c.start = now }

func (c *TimePeriodBased) Advance(now time.Time) { c.elapsed = now.Sub(c.start) }

func (c *TimePeriodBased) Infinite() bool { return c.Period == nil }

func (c *TimePeriodBased) SampleType() SampleType {
	if c.elapsed < c.WarmupPeriod {
		return Warmup
	}
	return Normal
}

func (c *TimePeriodBased) Completed() bool {
	if c.Infinite() {
		return false
	}
	return c.elapsed >= c.WarmupPeriod+*c.Period
}

func (c *TimePeriodBased) PercentCompleted() (float64, bool) {
	if c.Infinite() {
		return 0, false
	}
	total := c.WarmupPeriod + *c.Period
	if total <= 0 {
		return 1, true
	}
	pct := float64(c.elapsed) / float64(total)
	if pct > 1 {
		pct = 1
	}
	return pct, true
}

// IterationBased is an integer-counter progress controller.
type IterationBased struct {
	WarmupIterations int64
	TotalIterations  *int64 // nil means infinite

	count int64
}

// NewIterationBased rejects warmup+total == 0: a controller with no
// work scheduled at all is a configuration error, not an empty run. A nil
// total (infinite) is always accepted.
func NewIterationBased(warmup int64, total *int64) (*IterationBased, error) {
	if total != nil && warmup+*total == 0 {
		return nil, errtype.New(errtype.Configuration, "iteration-based controller: warmup_iterations + iterations must not be 0")
	}
	return &IterationBased{WarmupIterations: warmup, TotalIterations: total}, nil
}

func (c *IterationBased) Start(time.Time) {}

func (c *IterationBased) Advance(time.Time) { c.count++ }

func (c *IterationBased) Infinite() bool { return c.TotalIterations == nil }

func (c *IterationBased) SampleType() SampleType {
	if c.count < c.WarmupIterations {
		return Warmup
	}
	return Normal
}

func (c *IterationBased) Completed() bool {
	if c.Infinite() {
		return false
	}
	return c.count >= c.WarmupIterations+*c.TotalIterations
}

func (c *IterationBased) PercentCompleted() (float64, bool) {
	if c.Infinite() {
		return 0, false
	}
	total := c.WarmupIterations + *c.TotalIterations
	if total <= 0 {
		return 1, true
	}
	pct := float64(c.count) / float64(total)
	if pct > 1 {
		pct = 1
	}
	return pct, true
}

// Count returns the current iteration counter (used by tests and by the
// schedule handle to report progress).
func (c *IterationBased) Count() int64 { return c.count }
