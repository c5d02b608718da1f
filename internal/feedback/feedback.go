// Package feedback implements the redline controller: a finite state
// machine that watches the shared error queue and, optionally, CPU
// telemetry, and scales the set of active clients up or down to find the
// largest stable client count a cluster can sustain.
package feedback

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/gkamat/opensearch-benchmark/internal/errtype"
	"github.com/gkamat/opensearch-benchmark/internal/metricsstore"
	"github.com/gkamat/opensearch-benchmark/internal/sharedstate"
)

// State is one of the controller's five states.
type State string

const (
	Disabled    State = "disabled"
	Neutral     State = "neutral"
	ScalingUp   State = "scaling_up"
	ScalingDown State = "scaling_down"
	Sleep       State = "sleep"
)

// Config holds the controller's tunables.
type Config struct {
	ScaleStep         int
	ScaleDownPct      float64
	PostScaledownSleep time.Duration
	CPUWindow         time.Duration
	CPUCheckInterval  time.Duration
	CPUMaxPercent     *float64
	MaxClients        *int
	WakeupInterval    time.Duration

	ProbeProbability float64
	ProbeInterval    int // cycles
}

// DefaultConfig returns the redline controller's default tuning.
func DefaultConfig() Config {
	return Config{
		ScaleStep:          5,
		ScaleDownPct:       0.10,
		PostScaledownSleep: 30 * time.Second,
		CPUWindow:          30 * time.Second,
		CPUCheckInterval:   30 * time.Second,
		WakeupInterval:     time.Second,
		ProbeProbability:   0.05,
		ProbeInterval:      10,
	}
}

// Controller is the redline feedback actor.
type Controller struct {
	Config Config

	PauseMap   sharedstate.PauseMap
	ErrorQueue sharedstate.ErrorQueue
	CPU        metricsstore.CPUQuerier
	TestExecutionID string

	Log zerolog.Logger
	Now func() time.Time
	Rand *rand.Rand

	state              State
	totalClientCount   int
	maxErrorThreshold  *int // nil means +Inf
	maxStableClients   int
	lastErrorTime      time.Time
	lastScaleupTime    time.Time
	sleepStart         time.Time
	lastCPUCheck       time.Time
	cyclesSinceLastScaleup int
	probeCyclesSinceLast   int
}

// NewController constructs a Controller in the neutral state, ready for
// periodic Tick calls.
func NewController(cfg Config, pauseMap sharedstate.PauseMap, errQueue sharedstate.ErrorQueue, cpu metricsstore.CPUQuerier, totalClients int, log zerolog.Logger) *Controller {
	return &Controller{
		Config:           cfg,
		PauseMap:         pauseMap,
		ErrorQueue:       errQueue,
		CPU:              cpu,
		Log:              log,
		Now:              time.Now,
		Rand:             rand.New(rand.NewSource(1)),
		state:            Neutral,
		totalClientCount: totalClients,
	}
}

func (c *Controller) State() State { return c.state }

// MaxStableClients reports the redline result: the largest active client
// count observed while in the neutral state.
func (c *Controller) MaxStableClients() int { return c.maxStableClients }

// DisableFeedbackScaling is sent by the coordinator at join-point
// boundaries; no further scaling decisions happen until re-enabled.
func (c *Controller) DisableFeedbackScaling() { c.state = Disabled }

// EnableFeedbackScaling is sent by the coordinator before the next step
// begins.
func (c *Controller) EnableFeedbackScaling() {
	if c.state == Disabled {
		c.state = Neutral
	}
}

// ConfigureFeedbackScaling carries an optional error-threshold reset. The
// conditions that should trigger this are left to an external caller; the
// controller only applies the override when asked.
type ConfigureFeedbackScaling struct {
	ResetErrorThreshold bool
}

func (c *Controller) Configure(msg ConfigureFeedbackScaling) {
	if msg.ResetErrorThreshold {
		c.maxErrorThreshold = nil
	}
}

// Tick runs one wakeup cycle of the state machine.
func (c *Controller) Tick(ctx context.Context) error {
	if c.state == Disabled {
		return nil
	}

	now := c.Now()

	if c.Config.CPUMaxPercent != nil && c.CPU != nil && now.Sub(c.lastCPUCheck) >= c.Config.CPUCheckInterval {
		c.lastCPUCheck = now
		if err := c.checkCPU(ctx); err != nil {
			return fmt.Errorf("cpu telemetry probe: %w", err)
		}
	}

	n, err := c.ErrorQueue.Len(ctx)
	if err != nil {
		return fmt.Errorf("read error queue length: %w", err)
	}
	if n > 0 {
		return c.scaleDown(ctx)
	}

	switch c.state {
	case Sleep:
		if now.Sub(c.sleepStart) >= c.Config.PostScaledownSleep {
			c.state = Neutral
		}
	case Neutral:
		active, err := c.PauseMap.ActiveCount(ctx)
		if err != nil {
			return fmt.Errorf("read active client count: %w", err)
		}
		if active > c.maxStableClients {
			c.maxStableClients = active
		}
		c.cyclesSinceLastScaleup++
		if now.Sub(c.lastErrorTime) >= c.Config.PostScaledownSleep && c.cyclesSinceLastScaleup >= 1 {
			c.state = ScalingUp
			return c.scaleUp(ctx)
		}
	case ScalingUp, ScalingDown:
		// Transient states resolved synchronously within scaleDown/scaleUp;
		// a Tick should never observe them persisted across calls.
		c.state = Neutral
	}

	return nil
}

// scaleDown implements transition 2: drain the error queue, deactivate a
// random scale_down_pct fraction of active clients, tighten
// max_error_threshold to the post-decrement active count, and sleep.
func (c *Controller) scaleDown(ctx context.Context) error {
	c.state = ScalingDown
	c.lastErrorTime = c.Now()

	if _, err := c.ErrorQueue.Drain(ctx); err != nil {
		return fmt.Errorf("drain error queue: %w", err)
	}

	active, err := c.PauseMap.ActiveCount(ctx)
	if err != nil {
		return fmt.Errorf("read active client count: %w", err)
	}

	toDeactivate := ceilInt(float64(active) * c.Config.ScaleDownPct)
	candidates, err := c.activeCandidates(ctx)
	if err != nil {
		return err
	}
	c.shuffle(candidates)

	deactivated := 0
	for _, cand := range candidates {
		if deactivated >= toDeactivate {
			break
		}
		if err := c.PauseMap.SetActive(ctx, cand.WorkerID, cand.ClientID, false); err != nil {
			return fmt.Errorf("deactivate client: %w", err)
		}
		deactivated++
	}

	remaining := active - deactivated
	c.maxErrorThreshold = &remaining

	c.state = Sleep
	c.sleepStart = c.Now()
	return nil
}

// scaleUp implements transition 5: activate up to scale_step inactive
// clients toward max_error_threshold, with a probabilistic or periodic
// probe above the ceiling once the gap has closed.
func (c *Controller) scaleUp(ctx context.Context) error {
	defer func() { c.state = Neutral; c.cyclesSinceLastScaleup = 0 }()

	active, err := c.PauseMap.ActiveCount(ctx)
	if err != nil {
		return fmt.Errorf("read active client count: %w", err)
	}

	gap := c.totalClientCount
	if c.maxErrorThreshold != nil {
		gap = *c.maxErrorThreshold - active
	} else if c.Config.MaxClients != nil {
		gap = *c.Config.MaxClients - active
	} else {
		gap = c.totalClientCount - active
	}

	c.probeCyclesSinceLast++

	if gap <= 0 {
		probe := c.Rand.Float64() < c.Config.ProbeProbability || c.probeCyclesSinceLast >= c.Config.ProbeInterval
		if !probe {
			return nil
		}
		c.probeCyclesSinceLast = 0
		return c.activateN(ctx, 1)
	}

	toActivate := c.Config.ScaleStep
	if gap < toActivate {
		toActivate = gap
	}
	c.lastScaleupTime = c.Now()
	return c.activateN(ctx, toActivate)
}

func (c *Controller) activateN(ctx context.Context, n int) error {
	candidates, err := c.inactiveCandidates(ctx)
	if err != nil {
		return err
	}
	c.shuffle(candidates)
	for i := 0; i < n && i < len(candidates); i++ {
		if err := c.PauseMap.SetActive(ctx, candidates[i].WorkerID, candidates[i].ClientID, true); err != nil {
			return fmt.Errorf("activate client: %w", err)
		}
	}
	return nil
}

// checkCPU implements transition 1: any node whose mean process CPU
// exceeds the configured ceiling over the telemetry window produces one
// cpu_threshold_exceeded error record.
func (c *Controller) checkCPU(ctx context.Context) error {
	nodes, err := c.CPU.NodesExceedingCPU(ctx, c.TestExecutionID, c.Config.CPUWindow, *c.Config.CPUMaxPercent)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}
	_, err = c.ErrorQueue.Push(ctx, sharedstate.ErrorRecord{
		Type:      string(errtype.CPUThresholdExceeded),
		Details:   fmt.Sprintf("node %s mean cpu %.1f%% exceeds ceiling", nodes[0].NodeName, nodes[0].Mean),
		Timestamp: c.Now(),
	})
	return err
}

// candidate is a (worker, client) pair; PauseMap implementations that
// support random-candidate selection expose AllKeys in this shape.
type candidate struct {
	WorkerID string
	ClientID int
}

type keyLister interface {
	AllKeys() []struct {
		WorkerID string
		ClientID int
	}
}

func (c *Controller) activeCandidates(ctx context.Context) ([]candidate, error) {
	return c.filterCandidates(ctx, true)
}

func (c *Controller) inactiveCandidates(ctx context.Context) ([]candidate, error) {
	return c.filterCandidates(ctx, false)
}

func (c *Controller) filterCandidates(ctx context.Context, active bool) ([]candidate, error) {
	lister, ok := c.PauseMap.(keyLister)
	if !ok {
		return nil, nil
	}
	var out []candidate
	for _, k := range lister.AllKeys() {
		isActive, err := c.PauseMap.IsActive(ctx, k.WorkerID, k.ClientID)
		if err != nil {
			return nil, err
		}
		if isActive == active {
			out = append(out, candidate{WorkerID: k.WorkerID, ClientID: k.ClientID})
		}
	}
	return out, nil
}

func (c *Controller) shuffle(candidates []candidate) {
	c.Rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
}

func ceilInt(f float64) int {
	i := int(f)
	if float64(i) < f {
		i++
	}
	return i
}
