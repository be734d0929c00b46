package repo

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"seeit/internal/domain"
)

// PromptRepositoryPG implements domain.PromptRepository using PostgreSQL.
type PromptRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewPromptRepository constructs a new prompt repository instance.
func NewPromptRepository(pool *pgxpool.Pool) *PromptRepositoryPG {
	return &PromptRepositoryPG{pool: pool}
}

// Get returns the current definition for a scope and name.
func (r *PromptRepositoryPG) Get(ctx context.Context, scope, name string) (*domain.PromptDefinition, error) {
	query := `
SELECT id, scope, name, version, template, updated_by, created_at, updated_at
FROM prompt_definitions
WHERE scope = $1 AND name = $2;
`
	row := r.pool.QueryRow(ctx, query, scope, name)

	var def domain.PromptDefinition
	if err := row.Scan(
		&def.ID,
		&def.Scope,
		&def.Name,
		&def.Version,
		&def.Template,
		&def.UpdatedBy,
		&def.CreatedAt,
		&def.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &def, nil
}

// Upsert writes a definition, bumps its version, and appends the audit entry
// in the same transaction so no template change goes unrecorded.
func (r *PromptRepositoryPG) Upsert(ctx context.Context, def *domain.PromptDefinition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
INSERT INTO prompt_definitions (id, scope, name, version, template, updated_by)
VALUES ($1, $2, $3, 1, $4, $5)
ON CONFLICT (scope, name) DO UPDATE
SET version = prompt_definitions.version + 1,
    template = EXCLUDED.template,
    updated_by = EXCLUDED.updated_by,
    updated_at = NOW()
RETURNING id, version;
`
	if err := tx.QueryRow(ctx, query,
		def.ID,
		def.Scope,
		def.Name,
		def.Template,
		def.UpdatedBy,
	).Scan(&def.ID, &def.Version); err != nil {
		return err
	}

	auditQuery := `
INSERT INTO prompt_audit_log (id, prompt_id, version, template, changed_by)
VALUES ($1, $2, $3, $4, $5);
`
	if _, err := tx.Exec(ctx, auditQuery,
		uuid.NewString(),
		def.ID,
		def.Version,
		def.Template,
		def.UpdatedBy,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// ListAudit returns a prompt's change history, newest first.
func (r *PromptRepositoryPG) ListAudit(ctx context.Context, promptID string) ([]domain.PromptAuditLog, error) {
	query := `
SELECT id, prompt_id, version, template, changed_by, recorded_at
FROM prompt_audit_log
WHERE prompt_id = $1
ORDER BY version DESC;
`
	rows, err := r.pool.Query(ctx, query, promptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.PromptAuditLog
	for rows.Next() {
		var entry domain.PromptAuditLog
		if err := rows.Scan(
			&entry.ID,
			&entry.PromptID,
			&entry.Version,
			&entry.Template,
			&entry.ChangedBy,
			&entry.RecordedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
