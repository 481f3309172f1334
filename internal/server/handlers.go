// Package server exposes the forecasting core over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AsobaCloud/platform-edge/internal/cache/tiered"
	"github.com/AsobaCloud/platform-edge/internal/forecast"
	"github.com/AsobaCloud/platform-edge/internal/freshness"
	"github.com/AsobaCloud/platform-edge/internal/observability"
	"github.com/AsobaCloud/platform-edge/internal/sequence"
)

// Forecaster is the core the HTTP layer serves.
type Forecaster interface {
	Forecast(ctx context.Context, customerID string, horizonHours int) (*forecast.Result, error)
	Refresh(ctx context.Context, customerID string) error
	Freshness(ctx context.Context, customerID string) freshness.Status
	CachedModels() int
}

type Handlers struct {
	svc     Forecaster
	logger  *slog.Logger
	version string
}

func NewHandlers(svc Forecaster, logger *slog.Logger, version string) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger, version: version}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func observed(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusForError maps the core error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, tiered.ErrArtifactUnavailable):
		return http.StatusNotFound
	case errors.Is(err, tiered.ErrColdStoreUnreachable):
		return http.StatusBadGateway
	case errors.Is(err, sequence.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sequence.ErrNoValidSequences):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type forecastRequest struct {
	CustomerID    string `json:"customer_id"`
	ForecastHours int    `json:"forecast_hours"`
}

func (h *Handlers) handleForecast(w http.ResponseWriter, r *http.Request) {
	var req forecastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	h.serveForecast(w, r, req)
}

func (h *Handlers) handleForecastGet(w http.ResponseWriter, r *http.Request) {
	req := forecastRequest{CustomerID: chi.URLParam(r, "customerID")}
	if raw := r.URL.Query().Get("forecast_hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "forecast_hours must be a positive integer")
			return
		}
		req.ForecastHours = n
	}
	h.serveForecast(w, r, req)
}

func (h *Handlers) serveForecast(w http.ResponseWriter, r *http.Request, req forecastRequest) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		writeError(w, http.StatusBadRequest, "customer_id is required")
		return
	}

	res, err := h.svc.Forecast(r.Context(), customerID, req.ForecastHours)
	if err != nil {
		code := statusForError(err)
		h.logger.Error("forecast failed",
			"customer_id", customerID, "status", code, "err", err)
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) handleRefresh(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	if err := h.svc.Refresh(r.Context(), customerID); err != nil {
		code := statusForError(err)
		h.logger.Error("refresh failed",
			"customer_id", customerID, "status", code, "err", err)
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customer_id": customerID,
		"refreshed":   true,
	})
}

func (h *Handlers) handleFreshness(w http.ResponseWriter, r *http.Request) {
	customerID := chi.URLParam(r, "customerID")
	st := h.svc.Freshness(r.Context(), customerID)
	writeJSON(w, http.StatusOK, map[string]any{
		"customer_id":   customerID,
		"needs_refresh": st.Stale,
		"reason":        st.Reason,
	})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "healthy",
		"version":       h.version,
		"models_cached": h.svc.CachedModels(),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

func liveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
