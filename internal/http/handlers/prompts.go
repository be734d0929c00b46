package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"seeit/internal/domain"
)

type promptResponse struct {
	ID             string    `json:"id"`
	Scope          string    `json:"scope"`
	Name           string    `json:"name"`
	Version        int       `json:"version"`
	Template       string    `json:"template"`
	EffectiveScope string    `json:"effective_scope"`
	UpdatedBy      string    `json:"updated_by,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// GetPrompt returns the prompt a render for this shop would use: the shop's
// own definition when one exists, otherwise the SYSTEM one.
func (a *App) GetPrompt(w http.ResponseWriter, r *http.Request) {
	shop := chi.URLParam(r, "shop")
	name := chi.URLParam(r, "name")
	if shop == "" || name == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "shop and name are required")
		return
	}

	effective := shop
	def, err := a.Prompts.Get(r.Context(), shop, name)
	if errors.Is(err, domain.ErrNotFound) && !strings.EqualFold(shop, domain.ScopeSystem) {
		effective = domain.ScopeSystem
		def, err = a.Prompts.Get(r.Context(), domain.ScopeSystem, name)
	}
	if err != nil {
		a.errorFor(w, err)
		return
	}

	a.json(w, http.StatusOK, promptResponse{
		ID:             def.ID,
		Scope:          def.Scope,
		Name:           def.Name,
		Version:        def.Version,
		Template:       def.Template,
		EffectiveScope: effective,
		UpdatedBy:      def.UpdatedBy,
		UpdatedAt:      def.UpdatedAt,
	})
}

type upsertPromptRequest struct {
	Template  string `json:"template"`
	UpdatedBy string `json:"updated_by"`
}

// UpsertPrompt writes a shop-scoped template. Every write bumps the version
// and lands in the audit log.
func (a *App) UpsertPrompt(w http.ResponseWriter, r *http.Request) {
	shop := chi.URLParam(r, "shop")
	name := chi.URLParam(r, "name")

	var req upsertPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if strings.TrimSpace(req.Template) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "template is required")
		return
	}

	def := &domain.PromptDefinition{
		Scope:     shop,
		Name:      name,
		Template:  req.Template,
		UpdatedBy: req.UpdatedBy,
	}
	if err := a.Prompts.Upsert(r.Context(), def); err != nil {
		a.Logger.Error().Err(err).Str("scope", shop).Str("name", name).Msg("prompt upsert failed")
		a.errorFor(w, err)
		return
	}

	a.json(w, http.StatusOK, map[string]any{
		"id":      def.ID,
		"scope":   def.Scope,
		"name":    def.Name,
		"version": def.Version,
	})
}

// PromptAudit returns the change history of a shop's template.
func (a *App) PromptAudit(w http.ResponseWriter, r *http.Request) {
	shop := chi.URLParam(r, "shop")
	name := chi.URLParam(r, "name")

	def, err := a.Prompts.Get(r.Context(), shop, name)
	if err != nil {
		a.errorFor(w, err)
		return
	}
	entries, err := a.Prompts.ListAudit(r.Context(), def.ID)
	if err != nil {
		a.errorFor(w, err)
		return
	}

	items := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		items = append(items, map[string]any{
			"version":     e.Version,
			"template":    e.Template,
			"changed_by":  e.ChangedBy,
			"recorded_at": e.RecordedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"prompt_id": def.ID, "items": items})
}
