// Package httpapi assembles the chi router for the shop API.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"seeit/internal/http/handlers"
	"seeit/internal/infra"
	"seeit/internal/middleware"
)

// Options configures the router's middleware stack.
type Options struct {
	Logger          infra.Logger
	CountryLookup   middleware.CountryLookup
	AllowedOrigins  []string
	RateLimitPerMin int
}

// NewRouter builds the API surface.
func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Country(opts.CountryLookup),
		middleware.Logger(opts.Logger),
	)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(opts.AllowedOrigins))
	}
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1/renders", func(r chi.Router) {
		r.Post("/", app.CreateRender)
		r.Get("/{id}", app.GetRender)
	})

	r.Route("/v1/shops/{shop}", func(r chi.Router) {
		r.Get("/rooms", app.ListRooms)
		r.Route("/prompts/{name}", func(r chi.Router) {
			r.Get("/", app.GetPrompt)
			r.Put("/", app.UpsertPrompt)
			r.Get("/audit", app.PromptAudit)
		})
	})

	return r
}
