package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"seeit/internal/adapter/repo"
	"seeit/internal/cleanup"
	"seeit/internal/domain"
	"seeit/internal/engine"
	"seeit/internal/genimage"
	"seeit/internal/infra"
	"seeit/internal/middleware"
	"seeit/internal/promptres"
	"seeit/internal/storage"
	"seeit/internal/telemetry"
)

const runPollInterval = 2 * time.Second

type runWorker struct {
	logger     infra.Logger
	runs       domain.RenderRunRepository
	assets     domain.ProductAssetRepository
	rooms      domain.SavedRoomRepository
	controller *engine.Controller
}

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	// Redis backs telemetry and the cleaned-image cache. Both degrade when it
	// is down, so an unreachable instance is not fatal.
	redisClient, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Msg("worker: redis unreachable, telemetry and cache degraded")
		redisClient = nil
	}

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	httpClient := &http.Client{Timeout: cfg.StageTimeout}
	generator, err := genimage.NewClient(genimage.Options{
		APIKey:     cfg.GeminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure generation client")
	}

	cleaner := cleanup.NewClient(cleanup.Options{
		APIKey:     cfg.CleanupAPIKey,
		BaseURL:    cfg.CleanupBaseURL,
		HTTPClient: httpClient,
		Logger:     &logger,
	})

	runRepo := repo.NewRenderRunRepository(pool)
	assetRepo := repo.NewProductAssetRepository(pool)
	promptRepo := repo.NewPromptRepository(pool)

	controller, err := engine.NewController(engine.Options{
		Policy: engine.Policy{
			RetryLimit:    cfg.RenderRetryLimit,
			FanOut:        cfg.RenderFanOut,
			StageTimeout:  cfg.StageTimeout,
			TokenPriceIn:  cfg.TokenPriceIn,
			TokenPriceOut: cfg.TokenPriceOut,
		},
		Prompts:   promptres.NewResolver(promptRepo, logger),
		Cleaner:   cleaner,
		Generator: generator,
		Store:     fileStore,
		Cache:     cleanup.NewCache(redisClient, cfg.TelemetryTTL, logger),
		Runs:      runRepo,
		Assets:    assetRepo,
		Sink:      telemetry.NewRedisSink(redisClient, cfg.TelemetryTTL),
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure engine")
	}

	worker := &runWorker{
		logger:     logger,
		runs:       runRepo,
		assets:     assetRepo,
		rooms:      repo.NewSavedRoomRepository(pool),
		controller: controller,
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func (w *runWorker) Run(ctx context.Context) error {
	w.logger.Info().Msg("worker: started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		run, err := w.runs.ClaimQueued(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				w.logger.Error().Err(err).Msg("worker: failed to claim run")
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(runPollInterval):
			}
			continue
		}

		if err := w.handleRun(ctx, run); err != nil {
			// Back off before the next claim so a flaky database does not
			// turn into a claim/release spin.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(runPollInterval):
			}
		}
	}
}

// handleRun drives one claimed run. A non-nil error means the run was handed
// back to the queue without any placement work.
func (w *runWorker) handleRun(ctx context.Context, run *domain.RenderRun) error {
	runCtx := middleware.ContextWithRequestID(ctx, run.TraceID)
	w.logger.Info().Str("run_id", run.ID).Str("trace_id", run.TraceID).Msg("worker: claimed run")

	placements, err := w.loadPlacements(runCtx, run)
	if err != nil {
		// The claim flipped the run to running; put it back so it is not
		// stranded in a non-terminal state. Detached context so a shutdown
		// signal cannot abort the hand-back.
		w.logger.Error().Err(err).Str("run_id", run.ID).Msg("worker: failed to load placements, releasing run")
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if relErr := w.runs.Release(relCtx, run.ID); relErr != nil {
			w.logger.Error().Err(relErr).Str("run_id", run.ID).Msg("worker: release failed")
		}
		return err
	}

	if err := w.controller.Execute(runCtx, run, placements); err != nil {
		w.logger.Error().Err(err).Str("run_id", run.ID).Msg("worker: run failed")
	}
	return nil
}

// loadPlacements hydrates a run's pending jobs. Jobs whose asset or room no
// longer exists fail immediately and count against the run before the engine
// starts.
func (w *runWorker) loadPlacements(ctx context.Context, run *domain.RenderRun) ([]engine.Placement, error) {
	jobs, err := w.runs.ListJobs(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	placements := make([]engine.Placement, 0, len(jobs))
	for i, job := range jobs {
		if job.Status != domain.JobStatusPending {
			continue
		}

		asset, err := w.assets.GetByID(ctx, job.AssetID)
		if err != nil {
			w.failJob(ctx, run, job, err)
			continue
		}
		room, err := w.rooms.GetByID(ctx, job.RoomID)
		if err != nil {
			w.failJob(ctx, run, job, err)
			continue
		}

		placements = append(placements, engine.Placement{
			Index:     i,
			Job:       job,
			Asset:     *asset,
			Room:      *room,
			Overrides: job.Overrides,
		})
	}
	return placements, nil
}

func (w *runWorker) failJob(ctx context.Context, run *domain.RenderRun, job domain.RenderJob, cause error) {
	w.logger.Warn().Err(cause).Str("run_id", run.ID).Str("job_id", job.ID).Msg("worker: placement input missing")
	job.Status = domain.JobStatusFail
	job.Error = cause.Error()
	if err := w.runs.UpdateJob(ctx, &job); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.ID).Msg("worker: persist job failed")
	}
	run.FailCount++
}
