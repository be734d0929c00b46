package infra

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// HTTPServer runs the public API with the timeouts from Config and drains
// connections on shutdown, so in-flight render submissions finish before the
// process exits.
type HTTPServer struct {
	server *http.Server
	grace  time.Duration
	logger Logger
}

// NewHTTPServer builds a server around the given handler.
func NewHTTPServer(cfg *Config, handler http.Handler, logger Logger) *HTTPServer {
	return &HTTPServer{
		server: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           handler,
			ReadTimeout:       cfg.HTTPReadTimeout,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      cfg.HTTPWriteTimeout,
			IdleTimeout:       cfg.HTTPIdleTimeout,
		},
		grace:  cfg.HTTPIdleTimeout,
		logger: logger,
	}
}

// Addr returns the listen address.
func (s *HTTPServer) Addr() string {
	return s.server.Addr
}

// Run serves until ctx is cancelled, then shuts down with a grace period.
// A clean close is not an error.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("http server: shutdown incomplete")
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
