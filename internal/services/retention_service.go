package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/drivesync/internal/core"
	objectclient "github.com/markdave123-py/drivesync/internal/core/object-client"
	"github.com/markdave123-py/drivesync/internal/core/state"
	"github.com/markdave123-py/drivesync/internal/models"
)

// RetentionReport counts what one sweep removed.
type RetentionReport struct {
	Tenants int
	Items   int
}

// RetentionService drops indexed content older than each tenant's retention window.
// Processed records are kept, so an expired version is not indexed again by a
// later full enumeration. A new modification changes the version and is indexed.
type RetentionService struct {
	tenants *state.TenantStore
	index   core.IndexClient
	archive core.ObjectClient
	now     func() time.Time
	logger  *slog.Logger
}

// NewRetentionService builds the sweeper. archive may be nil.
func NewRetentionService(tenants *state.TenantStore, index core.IndexClient, archive core.ObjectClient, logger *slog.Logger) *RetentionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionService{
		tenants: tenants,
		index:   index,
		archive: archive,
		now:     time.Now,
		logger:  logger.With("component", "retention"),
	}
}

// Sweep runs the retention policy of every known tenant. One tenant failing
// does not stop the others.
func (s *RetentionService) Sweep(ctx context.Context) (RetentionReport, error) {
	var rep RetentionReport
	tenants, err := s.tenants.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list tenants: %w", err)
	}

	var errs []error
	for _, ts := range tenants {
		n, err := s.sweep(ctx, ts)
		rep.Items += n
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", ts.TenantID, err))
			continue
		}
		rep.Tenants++
	}
	s.logger.Info("retention sweep finished", "tenants", rep.Tenants, "items", rep.Items, "failed", len(errs))
	return rep, errors.Join(errs...)
}

// SweepTenant runs the retention policy of a single tenant.
func (s *RetentionService) SweepTenant(ctx context.Context, tenantID string) (int, error) {
	ts, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return s.sweep(ctx, ts)
}

func (s *RetentionService) sweep(ctx context.Context, ts models.TenantSettings) (int, error) {
	if ts.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -ts.RetentionDays)
	log := s.logger.With("tenant", ts.TenantID, "cutoff", cutoff)

	removed, err := s.index.DeleteByFilter(ctx, core.IndexFilter{TenantID: ts.TenantID, ModifiedBefore: cutoff})
	if err != nil {
		return 0, fmt.Errorf("delete expired documents: %w", err)
	}

	if s.archive != nil {
		for _, k := range removed {
			if err := s.archive.DeleteFile(ctx, objectclient.ArchiveKey(k)); err != nil {
				log.Warn("archived text not removed", "drive", k.DriveID, "item", k.ItemID, "err", err)
			}
		}
	}
	if len(removed) > 0 {
		log.Info("expired items removed", "items", len(removed))
	}
	return len(removed), nil
}
