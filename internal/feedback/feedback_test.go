package feedback

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkamat/opensearch-benchmark/internal/metricsstore"
	"github.com/gkamat/opensearch-benchmark/internal/sharedstate"
)

func activateClients(t *testing.T, pm *sharedstate.InMemoryPauseMap, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, pm.SetActive(context.Background(), "worker-0", i, true))
	}
}

// Scenario 5: 100 active clients, one error arrives. scale_down_pct=0.10
// deactivates ceil(100*0.10)=10 clients, leaving max_error_threshold=90.
func TestScaleDownSetsErrorThreshold(t *testing.T) {
	ctx := context.Background()
	pm := sharedstate.NewInMemoryPauseMap()
	activateClients(t, pm, 100)
	eq := sharedstate.NewInMemoryErrorQueue(0)
	_, err := eq.Push(ctx, sharedstate.ErrorRecord{Type: "transport", Timestamp: time.Now()})
	require.NoError(t, err)

	cfg := DefaultConfig()
	ctrl := NewController(cfg, pm, eq, nil, 100, zerolog.Nop())

	require.NoError(t, ctrl.Tick(ctx))

	assert.Equal(t, Sleep, ctrl.State())
	require.NotNil(t, ctrl.maxErrorThreshold)
	assert.Equal(t, 90, *ctrl.maxErrorThreshold)

	active, err := pm.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 90, active)

	n, err := eq.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type fakeCPU struct {
	mean float64
}

func (f fakeCPU) NodesExceedingCPU(context.Context, string, time.Duration, float64) ([]metricsstore.NodeCPUAverage, error) {
	return []metricsstore.NodeCPUAverage{{NodeName: "node-1", Mean: f.mean}}, nil
}

// Scenario 6: after a scale-down to 90 (max_error_threshold=90), once
// sleep elapses and no further errors arrive, scale-up activates toward
// 90; once the gap closes, a probe can push exactly one client above the
// ceiling (91), after which scaling down again drops to 81.
func TestProbeAboveCeilingThenScaleDownAgain(t *testing.T) {
	ctx := context.Background()
	pm := sharedstate.NewInMemoryPauseMap()
	activateClients(t, pm, 90)
	// The 10 clients the earlier scale-down paused stay in the map as inactive.
	for i := 90; i < 100; i++ {
		require.NoError(t, pm.SetActive(ctx, "worker-0", i, false))
	}
	eq := sharedstate.NewInMemoryErrorQueue(0)

	cfg := DefaultConfig()
	cfg.ProbeProbability = 1.0 // force the probe branch deterministically
	ctrl := NewController(cfg, pm, eq, fakeCPU{}, 100, zerolog.Nop())
	threshold := 90
	ctrl.maxErrorThreshold = &threshold
	ctrl.state = Neutral
	ctrl.lastErrorTime = time.Now().Add(-time.Hour)

	require.NoError(t, ctrl.scaleUp(ctx))

	active, err := pm.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 91, active, "probe above ceiling activates exactly one extra client")

	_, err = eq.Push(ctx, sharedstate.ErrorRecord{Type: "transport", Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, ctrl.Tick(ctx))

	active, err = pm.ActiveCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 81, active)
	require.NotNil(t, ctrl.maxErrorThreshold)
	assert.Equal(t, 81, *ctrl.maxErrorThreshold)
}
