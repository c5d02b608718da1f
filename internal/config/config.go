// Package config loads the core's runtime knobs via viper:
// environment-variable overrides layered on top of an optional config
// file, validated and converted into typed Go values the rest of the
// module consumes directly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/gkamat/opensearch-benchmark/internal/errtype"
)

// OnError selects the executor's behavior on a request failure.
type OnError string

const (
	OnErrorContinue OnError = "continue"
	OnErrorAbort    OnError = "abort"
)

// Redline holds the workload.redline.* knobs.
type Redline struct {
	Enabled           bool
	MaxCPUUsagePct    *float64
	MaxClients        *int
	ScaleStep         int
	ScaleDownPct      float64
	PostScaledownSleep time.Duration
	CPUWindow         time.Duration
	CPUCheckInterval  time.Duration
}

// Config is the resolved set of knobs the core consumes at startup.
type Config struct {
	OnError             OnError
	Profiling           bool
	Assertions          bool
	SampleQueueSize     int
	DownsampleFactor    int
	TestModeEnabled     bool
	Redline             Redline
	LoadTestClients     int
	AvailableCores      int
}

// Load builds a viper instance with the core's defaults, binds the
// matching environment variables, merges an optional config file, and
// returns the validated, typed Config.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("osb")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("worker_coordinator.on.error", string(OnErrorContinue))
	v.SetDefault("worker_coordinator.profiling", false)
	v.SetDefault("worker_coordinator.assertions", false)
	v.SetDefault("results_publishing.sample.queue.size", 1<<20)
	v.SetDefault("results_publishing.metrics.request.downsample.factor", 1)
	v.SetDefault("workload.test.mode.enabled", false)
	v.SetDefault("workload.redline.enabled", false)
	v.SetDefault("workload.redline.scale_step", 5)
	v.SetDefault("workload.redline.scale_down_pct", 0.10)
	v.SetDefault("workload.redline.post_scaledown_sleep_s", 30)
	v.SetDefault("workload.redline.cpu_window_s", 30)
	v.SetDefault("workload.redline.cpu_check_interval_s", 30)
	v.SetDefault("workload.load.test.clients", 0)
	v.SetDefault("system.available.cores", 0)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	onErr := OnError(v.GetString("worker_coordinator.on.error"))
	if onErr != OnErrorContinue && onErr != OnErrorAbort {
		return nil, errtype.New(errtype.Configuration, fmt.Sprintf("worker_coordinator.on.error: unknown value %q", onErr))
	}

	cfg := &Config{
		OnError:          onErr,
		Profiling:        v.GetBool("worker_coordinator.profiling"),
		Assertions:       v.GetBool("worker_coordinator.assertions"),
		SampleQueueSize:  v.GetInt("results_publishing.sample.queue.size"),
		DownsampleFactor: v.GetInt("results_publishing.metrics.request.downsample.factor"),
		TestModeEnabled:  v.GetBool("workload.test.mode.enabled"),
		LoadTestClients:  v.GetInt("workload.load.test.clients"),
		AvailableCores:   v.GetInt("system.available.cores"),
		Redline: Redline{
			Enabled:            v.GetBool("workload.redline.enabled"),
			ScaleStep:          v.GetInt("workload.redline.scale_step"),
			ScaleDownPct:       v.GetFloat64("workload.redline.scale_down_pct"),
			PostScaledownSleep: time.Duration(v.GetInt("workload.redline.post_scaledown_sleep_s")) * time.Second,
			CPUWindow:          time.Duration(v.GetInt("workload.redline.cpu_window_s")) * time.Second,
			CPUCheckInterval:   time.Duration(v.GetInt("workload.redline.cpu_check_interval_s")) * time.Second,
		},
	}

	if v.IsSet("workload.redline.max_cpu_usage") {
		pct := v.GetFloat64("workload.redline.max_cpu_usage")
		cfg.Redline.MaxCPUUsagePct = &pct
	}
	if v.IsSet("workload.redline.max_clients") {
		n := v.GetInt("workload.redline.max_clients")
		cfg.Redline.MaxClients = &n
	}

	if cfg.DownsampleFactor <= 0 {
		return nil, errtype.New(errtype.Configuration, "results_publishing.metrics.request.downsample.factor must be >= 1")
	}
	if cfg.SampleQueueSize <= 0 {
		return nil, errtype.New(errtype.Configuration, "results_publishing.sample.queue.size must be >= 1")
	}

	return cfg, nil
}
