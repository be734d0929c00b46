package domain

import (
	"context"
	"time"
)

// RenderRunRepository persists runs and their jobs.
type RenderRunRepository interface {
	Create(ctx context.Context, run *RenderRun, jobs []RenderJob) error
	// ClaimQueued atomically claims the oldest created run, marking it
	// running and stamping StartedAt. Returns ErrNotFound when no run is
	// waiting.
	ClaimQueued(ctx context.Context) (*RenderRun, error)
	Complete(ctx context.Context, run *RenderRun) error
	// Release returns a claimed run to the queue so another worker can take
	// it, for failures before any placement work started.
	Release(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*RenderRun, error)
	ListJobs(ctx context.Context, runID string) ([]RenderJob, error)
	UpdateJob(ctx context.Context, job *RenderJob) error
}

// ProductAssetRepository reads merchant product assets.
type ProductAssetRepository interface {
	GetByID(ctx context.Context, id string) (*ProductAsset, error)
	// SaveFileHandle records a fresh generation-service upload handle so
	// later runs can reuse it until expiry.
	SaveFileHandle(ctx context.Context, assetID, uri string, expiresAt time.Time) error
}

// SavedRoomRepository reads shopper room photos.
type SavedRoomRepository interface {
	GetByID(ctx context.Context, id string) (*SavedRoom, error)
	ListByShop(ctx context.Context, shopID string) ([]SavedRoom, error)
	// ListByOwnerEmail narrows to rooms saved by one shopper. Owners are
	// keyed by email, unique per shop.
	ListByOwnerEmail(ctx context.Context, shopID, email string) ([]SavedRoom, error)
}

// PromptRepository resolves and mutates prompt templates. Every mutation
// appends to the audit log.
type PromptRepository interface {
	Get(ctx context.Context, scope, name string) (*PromptDefinition, error)
	Upsert(ctx context.Context, def *PromptDefinition) error
	ListAudit(ctx context.Context, promptID string) ([]PromptAuditLog, error)
}
