package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"seeit/internal/domain"
)

type roomResponse struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	ImageKey   string    `json:"image_key"`
	CleanedKey string    `json:"cleaned_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListRooms returns a shop's saved room photos, newest first. An
// owner_email query parameter narrows the list to one shopper's rooms.
func (a *App) ListRooms(w http.ResponseWriter, r *http.Request) {
	shop := chi.URLParam(r, "shop")
	if shop == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "shop is required")
		return
	}

	var (
		rooms []domain.SavedRoom
		err   error
	)
	if email := r.URL.Query().Get("owner_email"); email != "" {
		rooms, err = a.Rooms.ListByOwnerEmail(r.Context(), shop, email)
	} else {
		rooms, err = a.Rooms.ListByShop(r.Context(), shop)
	}
	if err != nil {
		a.errorFor(w, err)
		return
	}

	items := make([]roomResponse, 0, len(rooms))
	for _, room := range rooms {
		items = append(items, roomResponse{
			ID:         room.ID,
			OwnerID:    room.OwnerID,
			ImageKey:   room.ImageKey,
			CleanedKey: room.CleanedKey,
			CreatedAt:  room.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
