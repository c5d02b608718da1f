package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, OnErrorContinue, cfg.OnError)
	assert.Equal(t, 1<<20, cfg.SampleQueueSize)
	assert.Equal(t, 1, cfg.DownsampleFactor)
	assert.False(t, cfg.Redline.Enabled)
	assert.Equal(t, 5, cfg.Redline.ScaleStep)
	assert.Equal(t, 30*time.Second, cfg.Redline.PostScaledownSleep)
}

func TestLoadRejectsUnknownOnError(t *testing.T) {
	t.Setenv("OSB_WORKER_COORDINATOR_ON_ERROR", "explode")
	_, err := Load("")
	require.Error(t, err)
}
