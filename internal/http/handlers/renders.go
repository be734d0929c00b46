package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"seeit/internal/domain"
	"seeit/internal/middleware"
)

type createRenderRequest struct {
	ShopID          string                   `json:"shop_id"`
	PromptName      string                   `json:"prompt_name"`
	PromptOverrides map[string]string        `json:"prompt_overrides,omitempty"`
	Placements      []createPlacementRequest `json:"placements"`
}

type createPlacementRequest struct {
	AssetID string `json:"asset_id"`
	RoomID  string `json:"room_id"`
	// PromptOverrides replace the run's prompts for this placement only.
	PromptOverrides map[string]string `json:"prompt_overrides,omitempty"`
}

// CreateRender enqueues a render run. The run is picked up by a worker; the
// response carries the ids a client needs to poll for the outcome.
func (a *App) CreateRender(w http.ResponseWriter, r *http.Request) {
	var req createRenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if strings.TrimSpace(req.ShopID) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "shop_id is required")
		return
	}
	if len(req.Placements) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "at least one placement is required")
		return
	}
	if len(req.Placements) > a.MaxPlacements {
		a.error(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("too many placements, limit is %d", a.MaxPlacements))
		return
	}
	for i, p := range req.Placements {
		if p.AssetID == "" || p.RoomID == "" {
			a.error(w, http.StatusBadRequest, "bad_request",
				fmt.Sprintf("placement %d is missing asset_id or room_id", i))
			return
		}
	}

	promptName := req.PromptName
	if promptName == "" {
		promptName = "placement"
	}
	traceID := middleware.RequestIDFromContext(r.Context())
	if traceID == "" {
		traceID = uuid.NewString()
	}

	run := &domain.RenderRun{
		ID:              uuid.NewString(),
		ShopID:          req.ShopID,
		TraceID:         traceID,
		Status:          domain.RunStatusCreated,
		PromptName:      promptName,
		PromptOverrides: req.PromptOverrides,
	}
	jobs := make([]domain.RenderJob, 0, len(req.Placements))
	for _, p := range req.Placements {
		jobs = append(jobs, domain.RenderJob{
			ID:        uuid.NewString(),
			RunID:     run.ID,
			AssetID:   p.AssetID,
			RoomID:    p.RoomID,
			Overrides: p.PromptOverrides,
			Status:    domain.JobStatusPending,
		})
	}

	if err := a.Runs.Create(r.Context(), run, jobs); err != nil {
		a.Logger.Error().Err(err).Str("shop_id", req.ShopID).Msg("enqueue render failed")
		a.errorFor(w, err)
		return
	}

	a.json(w, http.StatusAccepted, map[string]any{
		"run_id":     run.ID,
		"trace_id":   run.TraceID,
		"status":     run.Status,
		"placements": len(jobs),
	})
}

type renderJobResponse struct {
	ID         string    `json:"id"`
	AssetID    string    `json:"asset_id"`
	RoomID     string    `json:"room_id"`
	Status     string    `json:"status"`
	ImageKey   string    `json:"image_key,omitempty"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GetRender returns a run's status, per-placement outcomes, waterfall
// timings, and usage totals.
func (a *App) GetRender(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := a.Runs.GetByID(r.Context(), id)
	if err != nil {
		a.errorFor(w, err)
		return
	}
	jobs, err := a.Runs.ListJobs(r.Context(), id)
	if err != nil {
		a.errorFor(w, err)
		return
	}

	jobItems := make([]renderJobResponse, 0, len(jobs))
	for _, job := range jobs {
		jobItems = append(jobItems, renderJobResponse{
			ID:         job.ID,
			AssetID:    job.AssetID,
			RoomID:     job.RoomID,
			Status:     string(job.Status),
			ImageKey:   job.ImageKey,
			RetryCount: job.RetryCount,
			Error:      job.Error,
			UpdatedAt:  job.UpdatedAt,
		})
	}

	a.json(w, http.StatusOK, map[string]any{
		"id":                run.ID,
		"shop_id":           run.ShopID,
		"trace_id":          run.TraceID,
		"status":            run.Status,
		"prompt_name":       run.PromptName,
		"resolved_config":   run.ResolvedConfig,
		"success_count":     run.SuccessCount,
		"fail_count":        run.FailCount,
		"timeout_count":     run.TimeoutCount,
		"telemetry_dropped": run.TelemetryDropped,
		"waterfall_ms":      run.Waterfall,
		"totals":            run.Totals,
		"started_at":        nullableTime(run.StartedAt),
		"completed_at":      run.CompletedAt,
		"jobs":              jobItems,
	})
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
