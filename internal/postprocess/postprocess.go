// Package postprocess implements the periodic sample post-processor: it
// walks the raw samples a coordinator has accumulated since the last
// pass, merges their meta-data chain, and writes derived records into
// the metrics store and the throughput calculator.
package postprocess

import (
	"context"
	"fmt"

	"github.com/gkamat/opensearch-benchmark/internal/metricsstore"
	"github.com/gkamat/opensearch-benchmark/internal/sampler"
	"github.com/gkamat/opensearch-benchmark/internal/throughput"
)

// MetaChain is the ordered meta-data merge: workload, test-procedure,
// operation, task, then request, each overriding keys from the one
// before it.
type MetaChain struct {
	Workload      map[string]interface{}
	TestProcedure map[string]interface{}
	Operation     map[string]interface{}
	Task          map[string]interface{}
}

func (c MetaChain) merge(request map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for _, layer := range []map[string]interface{}{c.Workload, c.TestProcedure, c.Operation, c.Task, request} {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// Processor converts raw samples into cluster-level metric records,
// throughput records and profile-metrics records, every `DownsampleFactor`-
// th sample contributing latency/service-time writes and every sample
// contributing correctness metrics.
type Processor struct {
	Store            metricsstore.Store
	Throughput       *throughput.Calculator
	DownsampleFactor int
	Meta             MetaChain

	seen int
}

func NewProcessor(store metricsstore.Store, calc *throughput.Calculator, meta MetaChain, downsampleFactor int) *Processor {
	if downsampleFactor <= 0 {
		downsampleFactor = 1
	}
	return &Processor{Store: store, Throughput: calc, DownsampleFactor: downsampleFactor, Meta: meta}
}

// Process runs one post-processing pass over samples accumulated since
// the previous call, then flushes the metrics store without forcing a
// refresh.
func (p *Processor) Process(ctx context.Context, samples []sampler.Sample, profileSamples []sampler.ProfileSample) error {
	for _, s := range samples {
		if err := p.processSample(ctx, s); err != nil {
			return err
		}
	}
	for _, ps := range profileSamples {
		if err := p.processProfileSample(ctx, ps); err != nil {
			return err
		}
	}

	for _, d := range p.Throughput.Calculate(samples) {
		if err := p.Store.PutValueClusterLevel(ctx, metricsstore.ClusterLevelMetric{
			Name:         "throughput",
			Value:        d.ValuePerSecond,
			Unit:         d.Unit,
			Task:         d.TaskName,
			SampleType:   d.SampleType,
			AbsoluteTime: d.AbsoluteTime,
			RelativeTime: d.RelativeTime,
		}); err != nil {
			return fmt.Errorf("write throughput metric: %w", err)
		}
	}

	return p.Store.Flush(ctx, false)
}

func (p *Processor) processSample(ctx context.Context, s sampler.Sample) error {
	meta := p.Meta.merge(s.RequestMetaData)
	p.seen++
	contributesTiming := p.seen%p.DownsampleFactor == 0

	if contributesTiming {
		for _, m := range []struct {
			name  string
			value float64
		}{
			{"latency", s.LatencySeconds * 1000},
			{"service_time", s.ServiceTimeSeconds * 1000},
			{"client_processing_time", s.ClientProcessingTimeS * 1000},
			{"processing_time", s.ProcessingTimeSeconds * 1000},
		} {
			if err := p.putClusterMetric(ctx, m.name, m.value, "ms", s, meta); err != nil {
				return err
			}
		}

		for _, dt := range s.DependentTimings {
			if err := p.putClusterMetric(ctx, "service_time", dt.ServiceTimeSeconds*1000, "ms", s, mergeOp(meta, dt.Operation)); err != nil {
				return err
			}
		}
	}

	// Correctness metrics always contribute, regardless of down-sampling.
	if v, ok := meta["recall@k"]; ok {
		if err := p.putClusterMetric(ctx, "recall@k", toFloat(v), "", s, meta); err != nil {
			return err
		}
	}
	if v, ok := meta["recall@1"]; ok {
		if err := p.putClusterMetric(ctx, "recall@1", toFloat(v), "", s, meta); err != nil {
			return err
		}
	}
	if raw, ok := meta["profile-metrics"]; ok {
		if profileMetrics, ok := raw.(map[string]float64); ok {
			for name, value := range profileMetrics {
				if err := p.putClusterMetric(ctx, name, value, "", s, meta); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (p *Processor) processProfileSample(ctx context.Context, ps sampler.ProfileSample) error {
	for name, value := range ps.ProfileMetrics {
		if err := p.Store.PutValueClusterLevel(ctx, metricsstore.ClusterLevelMetric{
			Name:         name,
			Value:        value,
			Task:         ps.TaskName,
			SampleType:   ps.SampleType,
			AbsoluteTime: ps.AbsoluteTime,
		}); err != nil {
			return fmt.Errorf("write profile metric %s: %w", name, err)
		}
	}
	return nil
}

func (p *Processor) putClusterMetric(ctx context.Context, name string, value float64, unit string, s sampler.Sample, meta map[string]interface{}) error {
	if err := p.Store.PutValueClusterLevel(ctx, metricsstore.ClusterLevelMetric{
		Name:         name,
		Value:        value,
		Unit:         unit,
		Task:         s.TaskName,
		SampleType:   s.SampleType,
		AbsoluteTime: s.AbsoluteTime,
		RelativeTime: s.RequestStart.Sub(s.TaskStart),
		Meta:         meta,
	}); err != nil {
		return fmt.Errorf("write cluster-level metric %s: %w", name, err)
	}
	return nil
}

func mergeOp(base map[string]interface{}, operation string) map[string]interface{} {
	out := map[string]interface{}{}
	for k, v := range base {
		out[k] = v
	}
	out["operation"] = operation
	return out
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}
