package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	middleware "github.com/markdave123-py/drivesync/internal/api/middlewares"
	"github.com/markdave123-py/drivesync/internal/core/state"
	"github.com/markdave123-py/drivesync/internal/models"
)

type SettingsService interface {
	Settings(ctx context.Context, tenantID string) (models.TenantSettings, error)
	UpdateSettings(ctx context.Context, tenantID string, patch models.TenantSettingsPatch) (models.TenantSettings, error)
}

type SettingsHandler struct {
	svc    SettingsService
	logger *slog.Logger
}

func NewSettingsHandler(svc SettingsService, logger *slog.Logger) *SettingsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsHandler{svc: svc, logger: logger}
}

func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenant, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ts, err := h.svc.Settings(r.Context(), tenant)
	if err != nil {
		h.logger.Error("read tenant settings", "tenant", tenant, "err", err)
		writeError(w, http.StatusInternalServerError, "settings unavailable")
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	tenant, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var patch models.TenantSettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	ts, err := h.svc.UpdateSettings(r.Context(), tenant, patch)
	if errors.Is(err, state.ErrInvalidSettings) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("update tenant settings", "tenant", tenant, "err", err)
		writeError(w, http.StatusInternalServerError, "settings update failed")
		return
	}
	writeJSON(w, http.StatusOK, ts)
}
