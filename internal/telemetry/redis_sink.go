package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"seeit/internal/domain"
)

// RedisSink stores telemetry as Redis hashes: one per trace for live stage
// counters, one per run for the flushed waterfall.
type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisSink wraps the given client. Entries expire after ttl so the sink
// never grows without bound.
func NewRedisSink(client *redis.Client, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisSink{client: client, ttl: ttl}
}

func traceKey(traceID string) string { return "telemetry:trace:" + traceID }
func runKey(runID string) string     { return "telemetry:run:" + runID }

// RecordStage increments the stage counter on the trace hash.
func (s *RedisSink) RecordStage(ctx context.Context, traceID, stage string, ms int64) error {
	if s == nil || s.client == nil {
		return domain.ErrTelemetryUnavailable
	}
	key := traceKey(traceID)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, stage, ms)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("telemetry: record stage: %w", err)
	}
	return nil
}

// Flush persists the final waterfall under the run's key.
func (s *RedisSink) Flush(ctx context.Context, runID string, waterfall domain.Waterfall) error {
	if s == nil || s.client == nil {
		return domain.ErrTelemetryUnavailable
	}
	if len(waterfall) == 0 {
		return nil
	}
	fields := make(map[string]any, len(waterfall))
	for stage, ms := range waterfall {
		fields[stage] = ms
	}
	key := runKey(runID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("telemetry: flush run: %w", err)
	}
	return nil
}
