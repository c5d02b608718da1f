package metricsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/klauspost/compress/zstd"
)

// RedisStore is a minimal metrics-store stand-in used by tests and
// single-node demos. Cluster-level metrics and docs are buffered
// in-process; ToExternalizable/BulkAdd hand off a zstd-compressed JSON
// snapshot, and CPU telemetry is stored in a per-node Redis sorted set
// keyed by unix-nano timestamp so NodesExceedingCPU can do a windowed
// ZRANGEBYSCORE + mean.
type RedisStore struct {
	client *redis.Client
	prefix string

	mu            sync.Mutex
	clusterLevel  []ClusterLevelMetric
	docs          []Doc
	relativeStart time.Time
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, relativeStart: time.Now()}
}

func (s *RedisStore) PutValueClusterLevel(_ context.Context, m ClusterLevelMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusterLevel = append(s.clusterLevel, m)
	return nil
}

func (s *RedisStore) PutDoc(ctx context.Context, d Doc) error {
	s.mu.Lock()
	s.docs = append(s.docs, d)
	s.mu.Unlock()

	if d.Level == "node-stats" {
		cpu, ok := d.Body["process_cpu_percent"].(float64)
		if !ok {
			return nil
		}
		key := fmt.Sprintf("%s:cpu:%s", s.prefix, d.Node)
		return s.client.ZAdd(ctx, key, &redis.Z{
			Score:  float64(time.Now().UnixNano()),
			Member: fmt.Sprintf("%f", cpu),
		}).Err()
	}
	return nil
}

func (s *RedisStore) Flush(context.Context, bool) error { return nil }

func (s *RedisStore) ToExternalizable(_ context.Context, clear bool) (Externalized, error) {
	s.mu.Lock()
	snapshot := struct {
		ClusterLevel []ClusterLevelMetric
		Docs         []Doc
	}{ClusterLevel: s.clusterLevel, Docs: s.docs}
	if clear {
		s.clusterLevel = nil
		s.docs = nil
	}
	s.mu.Unlock()

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("externalize metrics store snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func (s *RedisStore) BulkAdd(_ context.Context, data Externalized) error {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("decode externalized snapshot: %w", err)
	}

	var snapshot struct {
		ClusterLevel []ClusterLevelMetric
		Docs         []Doc
	}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("unmarshal externalized snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusterLevel = append(s.clusterLevel, snapshot.ClusterLevel...)
	s.docs = append(s.docs, snapshot.Docs...)
	return nil
}

func (s *RedisStore) ResetRelativeTime(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relativeStart = time.Now()
	return nil
}

// NodesExceedingCPU implements the CPUQuerier interface against the
// per-node sorted sets populated by PutDoc. The sorted sets are not
// partitioned by test execution, so testExecutionID is ignored: every
// sample in the window counts, whichever run wrote it.
func (s *RedisStore) NodesExceedingCPU(ctx context.Context, _ string, window time.Duration, maxCPUPercent float64) ([]NodeCPUAverage, error) {
	pattern := fmt.Sprintf("%s:cpu:*", s.prefix)
	keys, err := s.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("cpu telemetry key scan: %w", err)
	}

	minScore := fmt.Sprintf("%d", time.Now().Add(-window).UnixNano())
	var out []NodeCPUAverage
	for _, key := range keys {
		vals, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: minScore, Max: "+inf"}).Result()
		if err != nil {
			return nil, fmt.Errorf("cpu telemetry window read for %s: %w", key, err)
		}
		if len(vals) == 0 {
			continue
		}
		var sum float64
		for _, v := range vals {
			var f float64
			fmt.Sscanf(v, "%f", &f)
			sum += f
		}
		mean := sum / float64(len(vals))
		if mean > maxCPUPercent {
			node := key[len(s.prefix)+len(":cpu:"):]
			out = append(out, NodeCPUAverage{NodeName: node, Mean: mean})
		}
	}
	return out, nil
}
