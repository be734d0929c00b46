// Package telemetry records per-stage timings for render runs. The recorder
// degrades rather than fails: a broken sink marks the run's telemetry as
// dropped and never interferes with rendering.
package telemetry

import (
	"context"
	"time"

	"seeit/internal/domain"
	"seeit/internal/infra"
)

// Sink is where stage durations and run summaries land.
type Sink interface {
	RecordStage(ctx context.Context, traceID, stage string, ms int64) error
	Flush(ctx context.Context, runID string, waterfall domain.Waterfall) error
}

// Recorder accumulates the waterfall for exactly one run. It is constructed
// at run start and flushed at run end; nothing outlives the run, which keeps
// runs decoupled from each other. Only the controller goroutine calls it, so
// it carries no locking.
type Recorder struct {
	sink      Sink
	traceID   string
	waterfall domain.Waterfall
	dropped   bool
	logger    infra.Logger
}

// NewRecorder builds a recorder for the run identified by traceID. A nil
// sink is accepted; every write then counts as dropped.
func NewRecorder(sink Sink, traceID string, logger infra.Logger) *Recorder {
	return &Recorder{
		sink:      sink,
		traceID:   traceID,
		waterfall: domain.Waterfall{},
		logger:    logger,
	}
}

// Record folds one stage duration into the waterfall and forwards it to the
// sink. Sink failures flip the dropped flag and are otherwise swallowed.
func (r *Recorder) Record(ctx context.Context, stage string, d time.Duration) {
	ms := d.Milliseconds()
	r.waterfall.Add(stage, ms)

	if r.sink == nil {
		r.dropped = true
		return
	}
	if err := r.sink.RecordStage(ctx, r.traceID, stage, ms); err != nil {
		if !r.dropped {
			r.logger.Warn().
				Err(err).
				Str("trace_id", r.traceID).
				Msg("telemetry: sink unreachable, dropping run telemetry")
		}
		r.dropped = true
	}
}

// Flush writes the run's final waterfall to the sink.
func (r *Recorder) Flush(ctx context.Context, runID string) {
	if r.sink == nil {
		r.dropped = true
		return
	}
	if err := r.sink.Flush(ctx, runID, r.waterfall); err != nil {
		r.logger.Warn().
			Err(err).
			Str("run_id", runID).
			Str("trace_id", r.traceID).
			Msg("telemetry: flush failed")
		r.dropped = true
	}
}

// Dropped reports whether any telemetry write failed during the run.
func (r *Recorder) Dropped() bool {
	return r.dropped
}

// Waterfall returns the accumulated stage durations.
func (r *Recorder) Waterfall() domain.Waterfall {
	out := domain.Waterfall{}
	out.Merge(r.waterfall)
	return out
}
