package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes mounts every endpoint on a fresh chi router.
func Routes(h *Handlers, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(Recover())
	r.Use(Logging(logger))
	r.Use(CORS())

	r.Get("/healthz", liveness)
	r.Get("/status", observed("/status", h.handleStatus))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Post("/forecast", observed("/forecast", h.handleForecast))
	r.Get("/forecast/{customerID}", observed("/forecast/{customerID}", h.handleForecastGet))
	r.Post("/refresh/{customerID}", observed("/refresh/{customerID}", h.handleRefresh))
	r.Get("/freshness/{customerID}", observed("/freshness/{customerID}", h.handleFreshness))

	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func Run(ctx context.Context, addr string, logger *slog.Logger, h *Handlers) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Routes(h, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
