package main

import (
	"context"
	"os/signal"
	"syscall"

	"seeit/internal/adapter/repo"
	"seeit/internal/http/handlers"
	"seeit/internal/http/httpapi"
	"seeit/internal/infra"
	"seeit/internal/infra/geoip"
	"seeit/internal/middleware"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer pool.Close()

	var countryLookup middleware.CountryLookup
	if cfg.GeoIPDBPath != "" {
		resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
		if err != nil {
			logger.Warn().Err(err).Msg("geoip database unavailable, country tagging disabled")
		} else {
			defer resolver.Close()
			countryLookup = resolver.CountryCode
		}
	}

	app := handlers.NewApp(handlers.App{
		Runs:    repo.NewRenderRunRepository(pool),
		Rooms:   repo.NewSavedRoomRepository(pool),
		Prompts: repo.NewPromptRepository(pool),
		Logger:  logger,
	})

	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		CountryLookup:   countryLookup,
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	server := infra.NewHTTPServer(cfg, router, logger)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("addr", server.Addr()).Msg("api listening")
	if err := server.Run(runCtx); err != nil {
		logger.Fatal().Err(err).Msg("http server failed")
	}
	logger.Info().Msg("server stopped")
}
