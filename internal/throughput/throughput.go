// Package throughput implements the per-task throughput calculator
// a stateful accumulator converting time-ordered
// samples into per-task throughput buckets.
package throughput

import (
	"math"
	"sort"
	"time"

	"github.com/gkamat/opensearch-benchmark/internal/sampler"
	"github.com/gkamat/opensearch-benchmark/internal/scheduler"
)

// Datum is one emitted throughput value.
type Datum struct {
	TaskName         string
	AbsoluteTime     time.Time
	RelativeTime     time.Duration
	SampleType       scheduler.SampleType
	ValuePerSecond   float64
	Unit             string // e.g. "ops/s"
}

// accumulator is the per-task state.
type accumulator struct {
	unprocessed      []sampler.Sample
	totalCount       float64
	interval         float64 // seconds
	bucket           float64 // seconds
	sampleType       scheduler.SampleType
	hasSamplesInType bool
	startTime        time.Time
	haveStartTime    bool
}

// Calculator accumulates samples per task and emits throughput buckets.
type Calculator struct {
	BucketIntervalSeconds float64
	tasks                 map[string]*accumulator
}

func NewCalculator(bucketIntervalSeconds float64) *Calculator {
	if bucketIntervalSeconds <= 0 {
		bucketIntervalSeconds = 1
	}
	return &Calculator{BucketIntervalSeconds: bucketIntervalSeconds, tasks: map[string]*accumulator{}}
}

// Calculate processes a new batch of samples (possibly spanning several
// tasks) and returns every throughput datum produced.
func (c *Calculator) Calculate(samples []sampler.Sample) []Datum {
	byTask := map[string][]sampler.Sample{}
	for _, s := range samples {
		byTask[s.TaskName] = append(byTask[s.TaskName], s)
	}

	var out []Datum
	for task, batch := range byTask {
		acc, ok := c.tasks[task]
		if !ok {
			acc = &accumulator{bucket: c.BucketIntervalSeconds}
			c.tasks[task] = acc
		}
		out = append(out, c.calculateForTask(task, acc, batch)...)
	}
	return out
}

func (c *Calculator) calculateForTask(task string, acc *accumulator, batch []sampler.Sample) []Datum {
	all := append(acc.unprocessed, batch...)
	sort.Slice(all, func(i, j int) bool { return all[i].AbsoluteTime.Before(all[j].AbsoluteTime) })
	acc.unprocessed = nil

	if len(all) == 0 {
		return nil
	}

	// Step 2: explicit runner-reported throughput short-circuits bucketing.
	if _, ok := explicitThroughput(all[0]); ok {
		var out []Datum
		for _, s := range all {
			if ev, ok := explicitThroughput(s); ok {
				out = append(out, Datum{
					TaskName:       task,
					AbsoluteTime:   s.AbsoluteTime,
					RelativeTime:   relativeTime(s),
					SampleType:     s.SampleType,
					ValuePerSecond: ev,
					Unit:           s.TotalOpsUnit + "/s",
				})
			}
		}
		return out
	}

	if !acc.haveStartTime {
		acc.startTime = all[0].AbsoluteTime.Add(-time.Duration(all[0].TimePeriodSeconds * float64(time.Second)))
		acc.haveStartTime = true
	}

	var out []Datum
	for _, s := range all {
		if sampleTypeRank(s.SampleType) > sampleTypeRank(acc.sampleType) {
			acc.sampleType = s.SampleType
			acc.hasSamplesInType = false
		}

		acc.totalCount += s.TotalOps
		elapsed := s.AbsoluteTime.Sub(acc.startTime).Seconds()
		if elapsed > acc.interval {
			acc.interval = elapsed
		}

		if acc.interval >= acc.bucket {
			out = append(out, Datum{
				TaskName:       task,
				AbsoluteTime:   s.AbsoluteTime,
				RelativeTime:   relativeTime(s),
				SampleType:     acc.sampleType,
				ValuePerSecond: acc.totalCount / acc.interval,
				Unit:           unitOrDefault(s.TotalOpsUnit) + "/s",
			})
			acc.bucket = math.Floor(acc.interval) + c.BucketIntervalSeconds
			acc.unprocessed = nil
			acc.hasSamplesInType = true
		} else {
			acc.unprocessed = append(acc.unprocessed, s)
		}
	}

	// Step 4: ensure at least one datum for the current sample type in
	// short runs.
	if !acc.hasSamplesInType && acc.interval > 0 {
		last := all[len(all)-1]
		out = append(out, Datum{
			TaskName:       task,
			AbsoluteTime:   last.AbsoluteTime,
			RelativeTime:   relativeTime(last),
			SampleType:     acc.sampleType,
			ValuePerSecond: acc.totalCount / acc.interval,
			Unit:           unitOrDefault(last.TotalOpsUnit) + "/s",
		})
		acc.hasSamplesInType = true
	}

	return out
}

func explicitThroughput(s sampler.Sample) (float64, bool) {
	if s.OptionalThroughput != nil {
		return *s.OptionalThroughput, true
	}
	return 0, false
}

// relativeTime is per-sample: request_start - task_start. Distinct clients
// feeding the same task accumulator have distinct task starts (ramp-up
// staggers them), so this must not be derived from any accumulator-wide
// reference.
func relativeTime(s sampler.Sample) time.Duration {
	return s.RequestStart.Sub(s.TaskStart)
}

func unitOrDefault(u string) string {
	if u == "" {
		return "ops"
	}
	return u
}

func sampleTypeRank(t scheduler.SampleType) int {
	if t == scheduler.Normal {
		return 1
	}
	return 0
}
