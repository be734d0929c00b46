package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"seeit/internal/domain"
)

// SavedRoomRepositoryPG implements domain.SavedRoomRepository using PostgreSQL.
type SavedRoomRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewSavedRoomRepository constructs a new saved room repository instance.
func NewSavedRoomRepository(pool *pgxpool.Pool) *SavedRoomRepositoryPG {
	return &SavedRoomRepositoryPG{pool: pool}
}

// GetByID fetches a saved room by its identifier.
func (r *SavedRoomRepositoryPG) GetByID(ctx context.Context, id string) (*domain.SavedRoom, error) {
	query := `
SELECT id, shop_id, owner_id, image_key, cleaned_key, mask_key, created_at
FROM saved_rooms
WHERE id = $1;
`
	row := r.pool.QueryRow(ctx, query, id)

	var room domain.SavedRoom
	if err := row.Scan(
		&room.ID,
		&room.ShopID,
		&room.OwnerID,
		&room.ImageKey,
		&room.CleanedKey,
		&room.MaskKey,
		&room.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &room, nil
}

// ListByShop returns every saved room of a shop, newest first.
func (r *SavedRoomRepositoryPG) ListByShop(ctx context.Context, shopID string) ([]domain.SavedRoom, error) {
	query := `
SELECT id, shop_id, owner_id, image_key, cleaned_key, mask_key, created_at
FROM saved_rooms
WHERE shop_id = $1
ORDER BY created_at DESC;
`
	rows, err := r.pool.Query(ctx, query, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRooms(rows)
}

// ListByOwnerEmail returns the rooms one shopper saved in a shop, newest
// first. Owner emails are matched case-insensitively.
func (r *SavedRoomRepositoryPG) ListByOwnerEmail(ctx context.Context, shopID, email string) ([]domain.SavedRoom, error) {
	query := `
SELECT sr.id, sr.shop_id, sr.owner_id, sr.image_key, sr.cleaned_key, sr.mask_key, sr.created_at
FROM saved_rooms sr
JOIN saved_room_owners o ON o.id = sr.owner_id
WHERE sr.shop_id = $1 AND LOWER(o.email) = LOWER($2)
ORDER BY sr.created_at DESC;
`
	rows, err := r.pool.Query(ctx, query, shopID, email)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectRooms(rows)
}

func collectRooms(rows pgx.Rows) ([]domain.SavedRoom, error) {
	var rooms []domain.SavedRoom
	for rows.Next() {
		var room domain.SavedRoom
		if err := rows.Scan(
			&room.ID,
			&room.ShopID,
			&room.OwnerID,
			&room.ImageKey,
			&room.CleanedKey,
			&room.MaskKey,
			&room.CreatedAt,
		); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}
