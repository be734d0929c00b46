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

// ProductAssetRepositoryPG implements domain.ProductAssetRepository using PostgreSQL.
type ProductAssetRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewProductAssetRepository constructs a new product asset repository instance.
func NewProductAssetRepository(pool *pgxpool.Pool) *ProductAssetRepositoryPG {
	return &ProductAssetRepositoryPG{pool: pool}
}

// GetByID fetches a product asset by its identifier.
func (r *ProductAssetRepositoryPG) GetByID(ctx context.Context, id string) (*domain.ProductAsset, error) {
	query := `
SELECT id, shop_id, product_type, detected_archetype, generated_prompt,
       use_generated_prompt, prompt_variants,
       prepared_image_key, prepared_image_url, prepared_image_version,
       gemini_file_uri, gemini_file_expires_at, created_at, updated_at
FROM product_assets
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, id)

	var (
		asset    domain.ProductAsset
		variants []byte
	)
	if err := row.Scan(
		&asset.ID,
		&asset.ShopID,
		&asset.ProductType,
		&asset.DetectedArchetype,
		&asset.GeneratedPrompt,
		&asset.UseGeneratedPrompt,
		&variants,
		&asset.PreparedImageKey,
		&asset.PreparedImageURL,
		&asset.PreparedImageVersion,
		&asset.GeminiFileURI,
		&asset.GeminiFileExpiresAt,
		&asset.CreatedAt,
		&asset.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(variants) > 0 {
		if err := json.Unmarshal(variants, &asset.PromptVariants); err != nil {
			return nil, fmt.Errorf("unmarshal prompt variants: %w", err)
		}
	}
	return &asset, nil
}

// SaveFileHandle stores a fresh generation-service upload handle on the asset.
func (r *ProductAssetRepositoryPG) SaveFileHandle(ctx context.Context, assetID, uri string, expiresAt time.Time) error {
	query := `
UPDATE product_assets
SET gemini_file_uri = $2,
    gemini_file_expires_at = $3,
    updated_at = NOW()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, query, assetID, uri, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
