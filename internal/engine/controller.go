// Package engine orchestrates render runs: it drives each placement through
// preparation, prompt resolution, and generation, enforces retry policy, and
// folds per-placement outcomes into the run's aggregates.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"seeit/internal/assetkey"
	"seeit/internal/domain"
	"seeit/internal/genimage"
	"seeit/internal/infra"
	"seeit/internal/promptres"
	"seeit/internal/storage"
	"seeit/internal/telemetry"
)

// Placement is one request to compose a product into a room photo.
type Placement struct {
	Job       domain.RenderJob
	Asset     domain.ProductAsset
	Room      domain.SavedRoom
	Overrides map[string]string
	Index     int
}

// Cleaner removes a masked object from an image. The controller owns retry
// policy; the cleaner must not retry internally.
type Cleaner interface {
	Clean(ctx context.Context, image, mask []byte, requestID string) ([]byte, error)
}

// Generator is the generation-service surface the controller needs.
type Generator interface {
	Upload(ctx context.Context, name, mime string, data []byte) (genimage.FileHandle, error)
	Generate(ctx context.Context, req genimage.Request) (*genimage.Result, error)
}

// Store reads input images and persists composites.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// CleanedCache remembers cleaned room images across retries and runs.
type CleanedCache interface {
	Get(ctx context.Context, imageKey string) ([]byte, bool)
	Set(ctx context.Context, imageKey string, cleaned []byte)
}

// PromptResolver resolves instruction text plus its audit snapshot.
type PromptResolver interface {
	Resolve(ctx context.Context, shopID, name string, overrides, variables map[string]string) (*promptres.Resolved, error)
}

// Policy holds the tunable orchestration constants.
type Policy struct {
	// RetryLimit bounds retries per failed stage, not per placement.
	RetryLimit int
	// FanOut caps concurrent placements within one run.
	FanOut int
	// StageTimeout is the deadline for any single external call.
	StageTimeout time.Duration
	// Token prices in USD per 1k tokens.
	TokenPriceIn  float64
	TokenPriceOut float64
}

// Controller executes render runs. Aggregate run fields are mutated only by
// the Execute goroutine; placement workers communicate results back over a
// channel and never touch shared state.
type Controller struct {
	policy    Policy
	prompts   PromptResolver
	cleaner   Cleaner
	generator Generator
	store     Store
	cache     CleanedCache
	runs      domain.RenderRunRepository
	assets    domain.ProductAssetRepository
	sink      telemetry.Sink
	logger    infra.Logger
	now       func() time.Time
}

// Options wires a controller's collaborators.
type Options struct {
	Policy    Policy
	Prompts   PromptResolver
	Cleaner   Cleaner
	Generator Generator
	Store     Store
	Cache     CleanedCache
	Runs      domain.RenderRunRepository
	Assets    domain.ProductAssetRepository
	Sink      telemetry.Sink
	Logger    infra.Logger
	Now       func() time.Time
}

// NewController validates the wiring and returns a controller.
func NewController(opts Options) (*Controller, error) {
	if opts.Prompts == nil || opts.Generator == nil || opts.Store == nil || opts.Runs == nil {
		return nil, errors.New("engine: prompts, generator, store, and runs are required")
	}
	if opts.Policy.FanOut < 1 {
		opts.Policy.FanOut = 1
	}
	if opts.Policy.StageTimeout <= 0 {
		opts.Policy.StageTimeout = 120 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		policy:    opts.Policy,
		prompts:   opts.Prompts,
		cleaner:   opts.Cleaner,
		generator: opts.Generator,
		store:     opts.Store,
		cache:     opts.Cache,
		runs:      opts.Runs,
		assets:    opts.Assets,
		sink:      opts.Sink,
		logger:    opts.Logger,
		now:       now,
	}, nil
}

type stageTiming struct {
	stage string
	d     time.Duration
}

type placementResult struct {
	job     domain.RenderJob
	outcome domain.JobStatus
	timings []stageTiming
	totals  domain.RunTotals
	err     error
}

// Execute runs every placement and drives the run to a terminal state. The
// returned error reports orchestration failures (prompt resolution, config);
// individual placement failures are reflected in the run counts instead.
func (c *Controller) Execute(ctx context.Context, run *domain.RenderRun, placements []Placement) error {
	recorder := telemetry.NewRecorder(c.sink, run.TraceID, c.logger)

	if run.StartedAt.IsZero() {
		run.StartedAt = c.now()
	}
	run.Status = domain.RunStatusRunning
	if run.Waterfall == nil {
		run.Waterfall = domain.Waterfall{}
	}

	c.logger.Info().
		Str("run_id", run.ID).
		Str("trace_id", run.TraceID).
		Int("placements", len(placements)).
		Msg("engine: run started")

	// The run-level prompt is resolved exactly once; its snapshot is the
	// faithful record of what this run intended to use and is never
	// rewritten, even when placements apply their own overrides.
	promptStart := c.now()
	resolved, err := c.resolveRunPrompt(ctx, run, placements)
	recorder.Record(ctx, domain.StagePromptBuild, c.now().Sub(promptStart))
	if err != nil {
		return c.abortRun(ctx, run, placements, recorder, err)
	}
	if run.ResolvedConfig == nil {
		snap, merr := json.Marshal(resolved.Snapshot)
		if merr != nil {
			return c.abortRun(ctx, run, placements, recorder, fmt.Errorf("engine: marshal snapshot: %w", merr))
		}
		run.ResolvedConfig = snap
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	sem := make(chan struct{}, c.policy.FanOut)
	// Buffered so a finished worker never blocks handing back its result.
	results := make(chan placementResult, len(placements))

	// The launcher feeds exactly one result per placement into the channel:
	// a worker outcome for launched placements, a cancellation failure for
	// the rest. A cancelled run stops launching new placements; workers
	// already in flight finish or hit their own stage timeout.
	go func() {
		for _, placement := range placements {
			select {
			case <-runCtx.Done():
				job := placement.Job
				job.Status = domain.JobStatusFail
				job.Error = domain.ErrRunCancelled.Error()
				results <- placementResult{job: job, outcome: domain.JobStatusFail, err: domain.ErrRunCancelled}
				continue
			case sem <- struct{}{}:
			}
			go func(p Placement) {
				defer func() { <-sem }()
				results <- c.processPlacement(runCtx, run, p, resolved.Text)
			}(placement)
		}
	}()

	// Single aggregator: the only writer of the run's counts, totals, and
	// waterfall. Config errors doom every remaining placement, so the first
	// one stops further launches.
	var fatal error
	for range placements {
		res := <-results
		c.foldResult(ctx, run, recorder, res)
		if res.err != nil && isFatal(res.err) && fatal == nil {
			fatal = res.err
			cancelRun()
		}
	}

	c.finishRun(ctx, run, recorder)
	return fatal
}

// resolveRunPrompt picks variables from the first placement's asset; all
// placements in a run target the same product archetype.
func (c *Controller) resolveRunPrompt(ctx context.Context, run *domain.RenderRun, placements []Placement) (*promptres.Resolved, error) {
	var vars map[string]string
	if len(placements) > 0 {
		vars = promptVariables(placements[0].Asset)
	}
	resolved, err := c.prompts.Resolve(ctx, run.ShopID, run.PromptName, run.PromptOverrides, vars)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve run prompt: %w", err)
	}
	return resolved, nil
}

func promptVariables(asset domain.ProductAsset) map[string]string {
	vars := map[string]string{
		"product":   asset.ProductType,
		"archetype": asset.DetectedArchetype,
	}
	if p := asset.PlacementPrompt(); p != "" {
		vars["product_prompt"] = p
	}
	return vars
}

// abortRun fails every placement without attempting external calls. Config
// and resolution errors are fatal for the whole run: no placement can
// succeed without them.
func (c *Controller) abortRun(ctx context.Context, run *domain.RenderRun, placements []Placement, recorder *telemetry.Recorder, cause error) error {
	c.logger.Error().Err(cause).Str("run_id", run.ID).Msg("engine: run aborted")
	for _, placement := range placements {
		job := placement.Job
		job.Status = domain.JobStatusFail
		job.Error = cause.Error()
		c.foldResult(ctx, run, recorder, placementResult{job: job, outcome: domain.JobStatusFail, err: cause})
	}
	c.finishRun(ctx, run, recorder)
	return cause
}

// foldResult is the single writer for run aggregates.
func (c *Controller) foldResult(ctx context.Context, run *domain.RenderRun, recorder *telemetry.Recorder, res placementResult) {
	switch res.outcome {
	case domain.JobStatusSuccess:
		run.SuccessCount++
	case domain.JobStatusTimeout:
		run.TimeoutCount++
	default:
		run.FailCount++
	}
	run.Totals.Add(res.totals)
	for _, timing := range res.timings {
		recorder.Record(ctx, timing.stage, timing.d)
	}
	if res.err != nil {
		c.logger.Warn().
			Err(res.err).
			Str("run_id", run.ID).
			Str("job_id", res.job.ID).
			Str("outcome", string(res.outcome)).
			Int("retries", res.job.RetryCount).
			Msg("engine: placement did not succeed")
	}
	// Persist on a detached context so a caller disconnect cannot lose the
	// outcome of a placement that already finished.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.runs.UpdateJob(persistCtx, &res.job); err != nil {
		c.logger.Error().Err(err).Str("job_id", res.job.ID).Msg("engine: persist job failed")
	}
}

func (c *Controller) finishRun(ctx context.Context, run *domain.RenderRun, recorder *telemetry.Recorder) {
	// Flush on a detached context so a caller disconnect cannot lose the
	// telemetry of already-completed placements.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	recorder.Flush(flushCtx, run.ID)

	run.Waterfall = recorder.Waterfall()
	run.TelemetryDropped = recorder.Dropped()
	if run.FailCount == 0 && run.TimeoutCount == 0 {
		run.Status = domain.RunStatusCompleted
	} else {
		run.Status = domain.RunStatusPartiallyFailed
	}
	completed := c.now()
	run.CompletedAt = &completed

	if err := c.runs.Complete(flushCtx, run); err != nil {
		c.logger.Error().Err(err).Str("run_id", run.ID).Msg("engine: persist run failed")
	}

	c.logger.Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("success", run.SuccessCount).
		Int("fail", run.FailCount).
		Int("timeout", run.TimeoutCount).
		Bool("telemetry_dropped", run.TelemetryDropped).
		Int64("waterfall_total_ms", run.Waterfall[domain.StageTotal]).
		Msg("engine: run finished")
}

func (c *Controller) processPlacement(ctx context.Context, run *domain.RenderRun, placement Placement, runPrompt string) placementResult {
	res := placementResult{job: placement.Job, outcome: domain.JobStatusFail}

	resolved := assetkey.Resolve(placement.Asset)
	if resolved == nil {
		// No usable prepared image: terminal failure, no external calls.
		res.err = domain.ErrNoPreparedImage
		res.job.Status = domain.JobStatusFail
		res.job.Error = res.err.Error()
		return res
	}

	prompt := runPrompt
	if len(placement.Overrides) > 0 {
		start := c.now()
		override, err := c.prompts.Resolve(ctx, run.ShopID, run.PromptName, placement.Overrides, promptVariables(placement.Asset))
		res.timings = append(res.timings, stageTiming{domain.StagePromptBuild, c.now().Sub(start)})
		if err != nil {
			return res.fail(err)
		}
		prompt = override.Text
	}

	// Download bucket: input fetches plus cleanup of the room photo.
	start := c.now()
	product, room, err := c.prepareInputs(ctx, placement, &res)
	res.timings = append(res.timings, stageTiming{domain.StageDownload, c.now().Sub(start)})
	if err != nil {
		return res.terminal(err)
	}

	fileURI, uploadDur, err := c.ensureFileHandle(ctx, placement, product, &res)
	if uploadDur > 0 {
		res.timings = append(res.timings, stageTiming{domain.StageUpload, uploadDur})
	}
	if err != nil {
		return res.terminal(err)
	}

	start = c.now()
	var generated *genimage.Result
	err = c.retryStage(ctx, domain.StageInference, &res, func(stageCtx context.Context) error {
		result, genErr := c.generator.Generate(stageCtx, genimage.Request{
			Prompt:    prompt,
			FileURI:   fileURI,
			RoomImage: room,
			RequestID: res.job.ID,
		})
		if genErr != nil {
			return genErr
		}
		generated = result
		res.totals.TokensIn += result.Usage.TokensIn
		res.totals.TokensOut += result.Usage.TokensOut
		res.totals.CostEstimate += c.costOf(result.Usage)
		return nil
	})
	res.timings = append(res.timings, stageTiming{domain.StageInference, c.now().Sub(start)})
	if err != nil {
		return res.terminal(err)
	}

	start = c.now()
	key, err := c.store.Write(ctx, storage.CompositeKey(run.ID, placement.Index), generated.Data)
	res.timings = append(res.timings, stageTiming{domain.StageUpload, c.now().Sub(start)})
	if err != nil {
		return res.terminal(fmt.Errorf("engine: persist composite: %w", err))
	}

	res.job.ImageKey = key
	res.job.Status = domain.JobStatusSuccess
	res.outcome = domain.JobStatusSuccess
	return res
}

// prepareInputs loads the prepared product image and the cleaned room photo,
// invoking the cleanup service only when no cleaned derivative exists yet.
func (c *Controller) prepareInputs(ctx context.Context, placement Placement, res *placementResult) (product, room []byte, err error) {
	resolved := assetkey.Resolve(placement.Asset)
	product, err = c.store.Read(ctx, resolved.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: read prepared image: %w", err)
	}

	if placement.Room.CleanedKey != "" {
		room, err = c.store.Read(ctx, placement.Room.CleanedKey)
		if err != nil {
			return nil, nil, fmt.Errorf("engine: read cleaned room: %w", err)
		}
		return product, room, nil
	}

	if cached, ok := c.cacheGet(ctx, placement.Room.ImageKey); ok {
		return product, cached, nil
	}

	raw, err := c.store.Read(ctx, placement.Room.ImageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: read room: %w", err)
	}
	if placement.Room.MaskKey == "" || c.cleaner == nil {
		return product, raw, nil
	}
	mask, err := c.store.Read(ctx, placement.Room.MaskKey)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: read mask: %w", err)
	}

	var cleaned []byte
	err = c.retryStage(ctx, domain.StageDownload, res, func(stageCtx context.Context) error {
		out, cleanErr := c.cleaner.Clean(stageCtx, raw, mask, res.job.ID)
		if cleanErr != nil {
			return cleanErr
		}
		cleaned = out
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	c.cacheSet(ctx, placement.Room.ImageKey, cleaned)
	return product, cleaned, nil
}

// ensureFileHandle reuses the asset's stored generation-service handle when
// it is still valid and re-uploads exactly once when it is missing or
// expired. Expiry is an expected condition, not an error.
func (c *Controller) ensureFileHandle(ctx context.Context, placement Placement, product []byte, res *placementResult) (string, time.Duration, error) {
	if placement.Asset.FileHandleValid(c.now()) {
		return placement.Asset.GeminiFileURI, 0, nil
	}

	start := c.now()
	var handle genimage.FileHandle
	err := c.retryStage(ctx, domain.StageUpload, res, func(stageCtx context.Context) error {
		h, upErr := c.generator.Upload(stageCtx, placement.Asset.ID+".png", "image/png", product)
		if upErr != nil {
			return upErr
		}
		handle = h
		return nil
	})
	dur := c.now().Sub(start)
	if err != nil {
		return "", dur, err
	}

	if c.assets != nil {
		if saveErr := c.assets.SaveFileHandle(ctx, placement.Asset.ID, handle.URI, handle.ExpiresAt); saveErr != nil {
			c.logger.Warn().Err(saveErr).Str("asset_id", placement.Asset.ID).Msg("engine: persist file handle failed")
		}
	}
	return handle.URI, dur, nil
}

// retryStage runs fn with the stage deadline, retrying only transient
// failures up to the policy bound. Timeouts are surfaced as TimeoutError and
// never retried. Each attempt counts toward the run's call totals.
func (c *Controller) retryStage(ctx context.Context, stage string, res *placementResult, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		// Detach from run cancellation so an in-flight call may finish or
		// hit its own timeout, per the cancellation contract.
		stageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.policy.StageTimeout)
		res.totals.CallsTotal++
		err := fn(stageCtx)
		cancel()
		if err == nil {
			return nil
		}
		res.totals.CallsFailed++
		if domain.IsTimeout(err) {
			return &domain.TimeoutError{Stage: stage}
		}
		if !domain.IsRetryable(err) || attempt >= c.policy.RetryLimit {
			return err
		}
		res.job.RetryCount++
		c.logger.Debug().
			Str("job_id", res.job.ID).
			Str("stage", stage).
			Int("attempt", attempt+1).
			Msg("engine: retrying stage")
	}
}

func (c *Controller) costOf(usage genimage.Usage) float64 {
	return float64(usage.TokensIn)/1000*c.policy.TokenPriceIn +
		float64(usage.TokensOut)/1000*c.policy.TokenPriceOut
}

func (c *Controller) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(ctx, key)
}

func (c *Controller) cacheSet(ctx context.Context, key string, cleaned []byte) {
	if c.cache == nil {
		return
	}
	c.cache.Set(ctx, key, cleaned)
}

func isFatal(err error) bool {
	var ce *domain.ConfigError
	return errors.As(err, &ce)
}

func (r placementResult) fail(err error) placementResult {
	r.err = err
	r.outcome = domain.JobStatusFail
	r.job.Status = domain.JobStatusFail
	r.job.Error = err.Error()
	return r
}

func (r placementResult) terminal(err error) placementResult {
	if domain.IsTimeout(err) {
		r.err = err
		r.outcome = domain.JobStatusTimeout
		r.job.Status = domain.JobStatusTimeout
		r.job.Error = err.Error()
		return r
	}
	return r.fail(err)
}
