package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	middleware "github.com/markdave123-py/drivesync/internal/api/middlewares"
	"github.com/markdave123-py/drivesync/internal/models"
	"github.com/markdave123-py/drivesync/internal/services"
)

type Searcher interface {
	Search(ctx context.Context, tenantID string, req services.SearchRequest) ([]models.SearchHit, error)
}

type SearchHandler struct {
	search Searcher
	logger *slog.Logger
}

func NewSearchHandler(search Searcher, logger *slog.Logger) *SearchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchHandler{search: search, logger: logger}
}

func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	tenant, ok := middleware.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req services.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	hits, err := h.search.Search(r.Context(), tenant, req)
	if errors.Is(err, services.ErrEmptyQuery) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("search failed", "tenant", tenant, "err", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits})
}
