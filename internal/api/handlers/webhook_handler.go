package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/markdave123-py/drivesync/internal/core/notify"
	"github.com/markdave123-py/drivesync/internal/models"
)

// maxNotificationBody bounds a notification batch.
const maxNotificationBody = 4 << 20

// NotificationRouter validates a batch and dispatches its drives.
type NotificationRouter interface {
	Route(ctx context.Context, batch *models.NotificationBatch) (int, error)
}

type WebhookHandler struct {
	router NotificationRouter
	logger *slog.Logger
}

func NewWebhookHandler(router NotificationRouter, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{router: router, logger: logger.With("component", "webhook")}
}

// Notifications serves both the subscription handshake and notification delivery.
func (h *WebhookHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}

	if r.Method != http.MethodPost {
		writeError(w, http.StatusBadRequest, "missing validation token")
		return
	}

	var batch models.NotificationBatch
	if err := json.NewDecoder(io.LimitReader(r.Body, maxNotificationBody)).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification body")
		return
	}

	processed, err := h.router.Route(r.Context(), &batch)
	switch {
	case errors.Is(err, notify.ErrInvalidBatch):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, notify.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid client state")
		return
	case err != nil:
		// the source redelivers on 5xx
		h.logger.Error("notification dispatch failed", "processed", processed, "err", err)
		writeError(w, http.StatusServiceUnavailable, "sync queue unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "accepted", "processed": processed})
}
