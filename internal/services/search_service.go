package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/models"
)

const (
	defaultTopK = 5
	maxTopK     = 50
)

var ErrEmptyQuery = errors.New("query is empty")

type SearchRequest struct {
	Query   string `json:"query"`
	TopK    int    `json:"top_k"`
	DriveID string `json:"drive_id,omitempty"`
}

type SearchService struct {
	index    core.IndexClient
	embedder core.EmbeddingProvider
	logger   *slog.Logger
}

func NewSearchService(index core.IndexClient, embedder core.EmbeddingProvider, logger *slog.Logger) *SearchService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchService{index: index, embedder: embedder, logger: logger.With("component", "search")}
}

// Search runs hybrid retrieval scoped to one tenant. When the query cannot be
// embedded the search degrades to keywords only.
func (s *SearchService) Search(ctx context.Context, tenantID string, req SearchRequest) ([]models.SearchHit, error) {
	text := strings.TrimSpace(req.Query)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	top := req.TopK
	if top <= 0 {
		top = defaultTopK
	}
	if top > maxTopK {
		top = maxTopK
	}

	q := core.SearchQuery{
		Text:   text,
		Top:    top,
		Filter: core.IndexFilter{TenantID: tenantID, DriveID: req.DriveID},
	}
	if s.embedder != nil {
		vecs, err := s.embedder.EmbedTexts(ctx, []string{text})
		switch {
		case err != nil:
			s.logger.Warn("query embedding failed, keyword search only", "tenant", tenantID, "err", err)
		case len(vecs) == 1:
			q.Vector = vecs[0]
		}
	}

	hits, err := s.index.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	if hits == nil {
		hits = []models.SearchHit{}
	}
	return hits, nil
}
