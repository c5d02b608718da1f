package scheduler

import (
	"context"
	"math"
	"math/rand"

	"golang.org/x/time/rate"
)

// Pacer is the pluggable scheduling policy. Next
// computes the offset (from task start) of the following request, given
// the previously scheduled offset; it must be monotonically
// non-decreasing. BeforeRequest/AfterRequest are optional rate-adaptive
// hooks invoked by the executor around each request.
type Pacer interface {
	Next(prevScheduledSeconds float64) (nextScheduledSeconds float64)
	BeforeRequest(now float64)
	AfterRequest(now float64, weight float64, unit string, meta map[string]interface{})
}

// basePacer supplies no-op hooks so concrete pacers only implement Next.
type basePacer struct{}

func (basePacer) BeforeRequest(float64) {}
func (basePacer) AfterRequest(float64, float64, string, map[string]interface{}) {}

// DeterministicPacer schedules requests at a fixed target rate with no
// jitter: requests land exactly 1/targetThroughput seconds apart.
type DeterministicPacer struct {
	basePacer
	IntervalSeconds float64
}

func NewDeterministicPacer(targetThroughput float64) *DeterministicPacer {
	interval := 0.0
	if targetThroughput > 0 {
		interval = 1.0 / targetThroughput
	}
	return &DeterministicPacer{IntervalSeconds: interval}
}

func (p *DeterministicPacer) Next(prev float64) float64 { return prev + p.IntervalSeconds }

// PoissonPacer schedules requests with exponentially distributed
// inter-arrival times around a mean target rate, matching a Poisson
// arrival process.
type PoissonPacer struct {
	basePacer
	MeanIntervalSeconds float64
	rnd                 *rand.Rand
}

func NewPoissonPacer(targetThroughput float64, seed int64) *PoissonPacer {
	mean := 0.0
	if targetThroughput > 0 {
		mean = 1.0 / targetThroughput
	}
	return &PoissonPacer{MeanIntervalSeconds: mean, rnd: rand.New(rand.NewSource(seed))}
}

func (p *PoissonPacer) Next(prev float64) float64 {
	if p.MeanIntervalSeconds <= 0 {
		return prev
	}
	// Exponential(1/mean) inter-arrival, inverse-CDF sampling.
	u := p.rnd.Float64()
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	interval := -p.MeanIntervalSeconds * math.Log(u)
	return prev + interval
}

// UnitRatePacer wraps golang.org/x/time/rate.Limiter as a pacer, used as
// the "unit-rate" scheduler. Unlike the offset-returning pacers above, it
// blocks the caller directly via Wait, so Next degenerates to returning
// the previous offset unchanged and callers needing back-pressure should
// call Wait explicitly.
type UnitRatePacer struct {
	basePacer
	limiter *rate.Limiter
}

func NewUnitRatePacer(ratePerSecond float64, burst int) *UnitRatePacer {
	if burst < 1 {
		burst = 1
	}
	return &UnitRatePacer{limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

func (p *UnitRatePacer) Next(prev float64) float64 { return prev }

// Wait blocks until the rate limiter admits the next request.
func (p *UnitRatePacer) Wait(ctx context.Context) error { return p.limiter.Wait(ctx) }
