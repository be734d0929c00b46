package domain

import (
	"encoding/json"
	"time"
)

// RunStatus enumerates render run lifecycle states.
type RunStatus string

const (
	RunStatusCreated         RunStatus = "created"
	RunStatusRunning         RunStatus = "running"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
)

// JobStatus enumerates terminal placement outcomes. A job stays pending
// until its placement resolves.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusSuccess JobStatus = "success"
	JobStatusFail    JobStatus = "fail"
	JobStatusTimeout JobStatus = "timeout"
)

// Waterfall stage names. Durations for each stage sum into StageTotal.
const (
	StageDownload    = "download"
	StagePromptBuild = "prompt_build"
	StageInference   = "inference"
	StageUpload      = "upload"
	StageTotal       = "total"
)

// Waterfall maps stage name to accumulated duration in milliseconds.
type Waterfall map[string]int64

// Add folds a stage duration into the waterfall and the running total.
func (w Waterfall) Add(stage string, ms int64) {
	w[stage] += ms
	if stage != StageTotal {
		w[StageTotal] += ms
	}
}

// Merge folds another waterfall into this one.
func (w Waterfall) Merge(other Waterfall) {
	for stage, ms := range other {
		w[stage] += ms
	}
}

// RunTotals aggregates usage across every external call a run made.
type RunTotals struct {
	TokensIn     int64   `json:"tokens_in"`
	TokensOut    int64   `json:"tokens_out"`
	CostEstimate float64 `json:"cost_estimate"`
	CallsTotal   int     `json:"calls_total"`
	CallsFailed  int     `json:"calls_failed"`
}

// Add accumulates another set of totals.
func (t *RunTotals) Add(other RunTotals) {
	t.TokensIn += other.TokensIn
	t.TokensOut += other.TokensOut
	t.CostEstimate += other.CostEstimate
	t.CallsTotal += other.CallsTotal
	t.CallsFailed += other.CallsFailed
}

// RenderRun is one orchestration invocation covering one or more placements.
// The run exclusively owns its jobs and telemetry aggregates; assets and
// rooms are referenced by key, never copied.
type RenderRun struct {
	ID      string
	ShopID  string
	TraceID string
	Status  RunStatus

	PromptName      string
	PromptOverrides map[string]string

	// ResolvedConfig is an immutable snapshot of the configuration the run
	// resolved at start, kept for audit and replay. It is captured exactly
	// once and never rewritten by later placements.
	ResolvedConfig json.RawMessage

	SuccessCount     int
	FailCount        int
	TimeoutCount     int
	TelemetryDropped bool

	Waterfall Waterfall
	Totals    RunTotals

	StartedAt   time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Terminal reports whether every placement has reached a terminal outcome.
func (r *RenderRun) Terminal() bool {
	return r.Status == RunStatusCompleted || r.Status == RunStatusPartiallyFailed
}

// RenderJob is one placement attempt within a run.
type RenderJob struct {
	ID      string
	RunID   string
	AssetID string
	RoomID  string
	// Overrides replace the run's prompt templates for this placement only.
	Overrides  map[string]string
	ImageKey   string
	RetryCount int
	Status     JobStatus
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
