// Package handlers implements the shop-facing HTTP API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"seeit/internal/domain"
	"seeit/internal/infra"
)

// App bundles the dependencies the HTTP handlers share.
type App struct {
	Runs    domain.RenderRunRepository
	Rooms   domain.SavedRoomRepository
	Prompts domain.PromptRepository
	Logger  infra.Logger

	// MaxPlacements caps how many placements one render request may enqueue.
	MaxPlacements int
}

// NewApp wires an App with the repositories the routes need.
func NewApp(app App) *App {
	if app.MaxPlacements <= 0 {
		app.MaxPlacements = 12
	}
	return &app
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": v})
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   map[string]string{"code": code, "message": message},
	})
}

// errorFor maps a domain error onto the envelope.
func (a *App) errorFor(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	default:
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
