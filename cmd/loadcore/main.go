// Command loadcore is a thin bootstrap binary. The real CLI (workload
// selection, result publication, cluster telemetry attachment) is an
// out-of-scope external collaborator; this binary only wires
// configuration and logging so the core packages can be smoke-tested in
// isolation.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/gkamat/opensearch-benchmark/internal/config"
	"github.com/gkamat/opensearch-benchmark/internal/coordinator"
	"github.com/gkamat/opensearch-benchmark/internal/metricsstore"
	"github.com/gkamat/opensearch-benchmark/internal/postprocess"
	"github.com/gkamat/opensearch-benchmark/internal/runner"
	"github.com/gkamat/opensearch-benchmark/internal/taskmodel"
	"github.com/gkamat/opensearch-benchmark/internal/throughput"
)

func main() {
	var configFile string

	root := &cobra.Command{
		Use:   "loadcore",
		Short: "Load generation and redline feedback core bootstrap",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
				With().Timestamp().Logger()

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			log.Info().
				Str("on_error", string(cfg.OnError)).
				Bool("redline_enabled", cfg.Redline.Enabled).
				Int("sample_queue_size", cfg.SampleQueueSize).
				Int("downsample_factor", cfg.DownsampleFactor).
				Msg("configuration loaded; core packages ready")

			return smokeTestPlan(cfg, log)
		},
	}
	root.Flags().StringVar(&configFile, "config", "", "path to a config file (optional; env vars under OSB_ take precedence)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// smokeTestPlan exercises the start state's client-distribution algorithm
// against a single-task demo procedure sized from the resolved config, so
// this binary proves the coordinator's allocation wiring works end to end
// even before a real workload/runner is plugged in. The real CLI (workload
// selection, result publication, cluster telemetry attachment) is an
// out-of-scope external collaborator.
func smokeTestPlan(cfg *config.Config, log zerolog.Logger) error {
	clients := cfg.LoadTestClients
	if clients <= 0 {
		clients = 1
	}
	cores := cfg.AvailableCores
	if cores <= 0 {
		cores = 1
	}

	iterations := int64(1)
	demoTask := &taskmodel.Task{
		Name:       "smoke-test",
		Clients:    clients,
		Scheduler:  taskmodel.SchedulerDeterministic,
		Iterations: &iterations,
	}
	procedure := &taskmodel.TestProcedure{
		Groups: []taskmodel.ParallelGroup{{Tasks: []*taskmodel.Task{demoTask}}},
	}

	store := metricsstore.NewMemoryStore()
	proc := postprocess.NewProcessor(store, throughput.NewCalculator(1), postprocess.MetaChain{}, cfg.DownsampleFactor)
	coord := coordinator.NewCoordinator(0, 0, store, proc, nil, cfg.TestModeEnabled, log)

	plan, matrix, err := coord.Plan(procedure, 1, cores, cfg.Redline.MaxClients, cfg.LoadTestClients > 0, cfg.LoadTestClients, noopRunnerFactory)
	if err != nil {
		return fmt.Errorf("plan client distribution: %w", err)
	}

	log.Info().
		Int("clients", matrix.MaxClients).
		Int("workers", len(plan)).
		Msg("client distribution planned")
	return nil
}

// noopRunnerFactory stands in for the real runner/parameter-source
// construction this binary does not yet wire (no workload or target
// cluster is configured here); it exists only so smokeTestPlan can drive
// Plan's distribution logic without a real operation.
func noopRunnerFactory(*taskmodel.TaskAllocation) (runner.Runner, runner.ParameterSource, error) {
	return noopRunner{}, noopParams{}, nil
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, client interface{}, params map[string]interface{}) (runner.Result, error) {
	return runner.Result{Success: true, Weight: 1, Unit: "ops"}, nil
}
func (noopRunner) Completed() *bool           { return nil }
func (noopRunner) PercentCompleted() *float64 { return nil }

type noopParams struct{}

func (noopParams) Partition(int, int) runner.ParameterSource { return noopParams{} }
func (noopParams) Params(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}
func (noopParams) PercentCompleted() *float64 { return nil }
func (noopParams) Infinite() bool             { return false }
