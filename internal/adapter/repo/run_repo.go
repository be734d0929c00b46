package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"seeit/internal/domain"
)

// RenderRunRepositoryPG implements domain.RenderRunRepository.
type RenderRunRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewRenderRunRepository creates a new render run repository backed by PostgreSQL.
func NewRenderRunRepository(pool *pgxpool.Pool) *RenderRunRepositoryPG {
	return &RenderRunRepositoryPG{pool: pool}
}

const runColumns = `id, shop_id, trace_id, status, prompt_name, prompt_overrides,
resolved_config, success_count, fail_count, timeout_count, telemetry_dropped,
waterfall_json, totals_json, started_at, completed_at, created_at`

// Create inserts a run and its placement jobs in one transaction.
func (r *RenderRunRepositoryPG) Create(ctx context.Context, run *domain.RenderRun, jobs []domain.RenderJob) error {
	overrides, err := json.Marshal(run.PromptOverrides)
	if err != nil {
		return fmt.Errorf("marshal overrides: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
INSERT INTO render_runs (id, shop_id, trace_id, status, prompt_name, prompt_overrides)
VALUES ($1, $2, $3, $4, $5, $6);
`
	if _, err := tx.Exec(ctx, query,
		run.ID,
		run.ShopID,
		run.TraceID,
		run.Status,
		run.PromptName,
		overrides,
	); err != nil {
		return err
	}

	jobQuery := `
INSERT INTO render_jobs (id, run_id, asset_id, room_id, prompt_overrides, status)
VALUES ($1, $2, $3, $4, $5, $6);
`
	for _, job := range jobs {
		jobOverrides, err := json.Marshal(job.Overrides)
		if err != nil {
			return fmt.Errorf("marshal job overrides: %w", err)
		}
		if _, err := tx.Exec(ctx, jobQuery, job.ID, job.RunID, job.AssetID, job.RoomID, jobOverrides, job.Status); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ClaimQueued atomically claims the oldest created run. SKIP LOCKED lets
// concurrent workers claim disjoint runs without blocking each other.
func (r *RenderRunRepositoryPG) ClaimQueued(ctx context.Context) (*domain.RenderRun, error) {
	query := `
UPDATE render_runs
SET status = 'running', started_at = NOW()
WHERE id = (
    SELECT id FROM render_runs
    WHERE status = 'created'
    ORDER BY created_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + runColumns + `;
`
	return scanRun(r.pool.QueryRow(ctx, query))
}

// Complete persists the run's terminal state and aggregates.
func (r *RenderRunRepositoryPG) Complete(ctx context.Context, run *domain.RenderRun) error {
	waterfall, err := json.Marshal(run.Waterfall)
	if err != nil {
		return fmt.Errorf("marshal waterfall: %w", err)
	}
	totals, err := json.Marshal(run.Totals)
	if err != nil {
		return fmt.Errorf("marshal totals: %w", err)
	}

	query := `
UPDATE render_runs
SET status = $2,
    resolved_config = COALESCE($3, resolved_config),
    success_count = $4,
    fail_count = $5,
    timeout_count = $6,
    telemetry_dropped = $7,
    waterfall_json = $8,
    totals_json = $9,
    completed_at = $10
WHERE id = $1;
`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.Status,
		nullableBytes(run.ResolvedConfig),
		run.SuccessCount,
		run.FailCount,
		run.TimeoutCount,
		run.TelemetryDropped,
		waterfall,
		totals,
		run.CompletedAt,
	)
	return err
}

// Release puts a claimed run back into the queue so another worker can take
// it. Only running runs move; terminal runs are left untouched.
func (r *RenderRunRepositoryPG) Release(ctx context.Context, id string) error {
	query := `
UPDATE render_runs
SET status = 'created', started_at = NULL
WHERE id = $1 AND status = 'running';
`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// GetByID fetches a run by its identifier.
func (r *RenderRunRepositoryPG) GetByID(ctx context.Context, id string) (*domain.RenderRun, error) {
	query := `SELECT ` + runColumns + ` FROM render_runs WHERE id = $1;`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// ListJobs returns every placement job of a run, oldest first.
func (r *RenderRunRepositoryPG) ListJobs(ctx context.Context, runID string) ([]domain.RenderJob, error) {
	query := `
SELECT id, run_id, asset_id, room_id, prompt_overrides, image_key, retry_count, status, error_message, created_at, updated_at
FROM render_jobs
WHERE run_id = $1
ORDER BY created_at;
`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.RenderJob
	for rows.Next() {
		var (
			job       domain.RenderJob
			overrides []byte
		)
		if err := rows.Scan(
			&job.ID,
			&job.RunID,
			&job.AssetID,
			&job.RoomID,
			&overrides,
			&job.ImageKey,
			&job.RetryCount,
			&job.Status,
			&job.Error,
			&job.CreatedAt,
			&job.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(overrides) > 0 {
			if err := json.Unmarshal(overrides, &job.Overrides); err != nil {
				return nil, fmt.Errorf("unmarshal job overrides: %w", err)
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJob persists a job's outcome.
func (r *RenderRunRepositoryPG) UpdateJob(ctx context.Context, job *domain.RenderJob) error {
	query := `
UPDATE render_jobs
SET status = $2,
    image_key = $3,
    retry_count = $4,
    error_message = $5,
    updated_at = NOW()
WHERE id = $1;
`
	_, err := r.pool.Exec(ctx, query, job.ID, job.Status, job.ImageKey, job.RetryCount, job.Error)
	return err
}

func scanRun(row pgx.Row) (*domain.RenderRun, error) {
	var (
		run       domain.RenderRun
		overrides []byte
		resolved  []byte
		waterfall []byte
		totals    []byte
		startedAt *time.Time
	)
	if err := row.Scan(
		&run.ID,
		&run.ShopID,
		&run.TraceID,
		&run.Status,
		&run.PromptName,
		&overrides,
		&resolved,
		&run.SuccessCount,
		&run.FailCount,
		&run.TimeoutCount,
		&run.TelemetryDropped,
		&waterfall,
		&totals,
		&startedAt,
		&run.CompletedAt,
		&run.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if startedAt != nil {
		run.StartedAt = *startedAt
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &run.PromptOverrides); err != nil {
			return nil, fmt.Errorf("unmarshal overrides: %w", err)
		}
	}
	if len(resolved) > 0 {
		run.ResolvedConfig = json.RawMessage(resolved)
	}
	run.Waterfall = domain.Waterfall{}
	if len(waterfall) > 0 {
		if err := json.Unmarshal(waterfall, &run.Waterfall); err != nil {
			return nil, fmt.Errorf("unmarshal waterfall: %w", err)
		}
	}
	if len(totals) > 0 {
		if err := json.Unmarshal(totals, &run.Totals); err != nil {
			return nil, fmt.Errorf("unmarshal totals: %w", err)
		}
	}
	return &run, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
