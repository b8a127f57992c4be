package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"line-chat-relay/internal/integrations/line"
	"line-chat-relay/internal/usecase"
)

// maxBodyBytes bounds a webhook delivery on both transports.
const maxBodyBytes = 1 << 20

// Router serves the webhook for the standalone server.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/callback", h.handleCallback)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		h.metrics.Handler().ServeHTTP(w, r)
	})
	return r
}

func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	correlationID := strings.TrimSpace(r.Header.Get(correlationHeader))
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		slog.Warn("webhook body unreadable", "correlation_id", correlationID, "err", err)
		respondJSON(w, status, errorResponse{Error: string(usecase.ErrorInvalidInput), CorrelationID: correlationID})
		return
	}
	if err := h.Process(r.Context(), r.Header.Get(line.SignatureHeader), body); err != nil {
		code := usecase.CodeOf(err)
		slog.Warn("webhook rejected", "code", string(code), "correlation_id", correlationID, "err", err)
		respondJSON(w, statusFor(code), errorResponse{Error: string(code), CorrelationID: correlationID})
		return
	}
	respondJSON(w, http.StatusOK, okResponse{Status: "ok", CorrelationID: correlationID})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
