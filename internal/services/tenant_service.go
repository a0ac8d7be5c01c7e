package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/markdave123-py/drivesync/internal/core"
	ingestor "github.com/markdave123-py/drivesync/internal/core/ingestion_engine"
	objectclient "github.com/markdave123-py/drivesync/internal/core/object-client"
	"github.com/markdave123-py/drivesync/internal/core/state"
	"github.com/markdave123-py/drivesync/internal/core/subscriptions"
	"github.com/markdave123-py/drivesync/internal/models"
)

// SyncEnqueuer accepts drive sync jobs.
type SyncEnqueuer interface {
	Enqueue(ctx context.Context, job ingestor.SyncJob) error
}

// CleanupReport counts what a tenant cleanup removed.
type CleanupReport struct {
	Subscriptions int `json:"subscriptions"`
	Items         int `json:"items"`
	Processed     int `json:"processed_records"`
	Cursors       int `json:"cursors"`
	Archived      int `json:"archived_texts"`
}

type TenantService struct {
	tenants *state.TenantStore
	tracker *state.Tracker
	cursors *state.CursorStore
	subs    *subscriptions.Manager
	index   core.IndexClient
	archive core.ObjectClient
	syncs   SyncEnqueuer
	logger  *slog.Logger
}

type TenantDeps struct {
	Tenants       *state.TenantStore
	Tracker       *state.Tracker
	Cursors       *state.CursorStore
	Subscriptions *subscriptions.Manager
	Index         core.IndexClient
	Archive       core.ObjectClient // optional
	Syncs         SyncEnqueuer
	Logger        *slog.Logger
}

func NewTenantService(d TenantDeps) *TenantService {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantService{
		tenants: d.Tenants,
		tracker: d.Tracker,
		cursors: d.Cursors,
		subs:    d.Subscriptions,
		index:   d.Index,
		archive: d.Archive,
		syncs:   d.Syncs,
		logger:  logger.With("component", "tenants"),
	}
}

func (s *TenantService) Settings(ctx context.Context, tenantID string) (models.TenantSettings, error) {
	return s.tenants.Get(ctx, tenantID)
}

// UpdateSettings applies a partial update. Moving a tenant to another region
// re-provisions it.
func (s *TenantService) UpdateSettings(ctx context.Context, tenantID string, patch models.TenantSettingsPatch) (models.TenantSettings, error) {
	ts, regionChanged, err := s.tenants.Set(ctx, tenantID, patch)
	if err != nil {
		return ts, err
	}
	if regionChanged {
		s.logger.Info("tenant region changed, re-provisioning", "tenant", tenantID, "region", ts.Region)
		if _, err := s.Reprovision(ctx, tenantID); err != nil {
			return ts, fmt.Errorf("re-provision tenant %s: %w", tenantID, err)
		}
	}
	return ts, nil
}

// Reprovision clears the tenant's cursors and processed records and queues a
// full sync of every subscribed drive. It returns the number of drives queued.
func (s *TenantService) Reprovision(ctx context.Context, tenantID string) (int, error) {
	if _, err := s.cursors.ResetTenant(ctx, tenantID); err != nil {
		return 0, fmt.Errorf("reset cursors: %w", err)
	}
	if _, err := s.tracker.ForgetTenant(ctx, tenantID); err != nil {
		return 0, fmt.Errorf("forget processed records: %w", err)
	}

	drives, err := s.subs.Drives(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("list drives: %w", err)
	}
	if s.syncs == nil {
		return 0, nil
	}
	queued := 0
	var errs []error
	for _, d := range drives {
		if err := s.syncs.Enqueue(ctx, ingestor.SyncJob{TenantID: tenantID, DriveID: d, Full: true}); err != nil {
			errs = append(errs, fmt.Errorf("drive %s: %w", d, err))
			continue
		}
		queued++
	}
	s.logger.Info("tenant re-provisioned", "tenant", tenantID, "drives", queued)
	return queued, errors.Join(errs...)
}

// Subscribe registers a drive for change notifications and queues its first full sync.
func (s *TenantService) Subscribe(ctx context.Context, tenantID, driveID string) (*models.Subscription, error) {
	if _, err := s.tenants.Get(ctx, tenantID); err != nil {
		return nil, err
	}
	sub, err := s.subs.Create(ctx, tenantID, driveID)
	if err != nil {
		return nil, err
	}
	if s.syncs != nil {
		if err := s.syncs.Enqueue(ctx, ingestor.SyncJob{TenantID: tenantID, DriveID: driveID, Full: true}); err != nil {
			return sub, fmt.Errorf("queue initial sync: %w", err)
		}
	}
	return sub, nil
}

// Cleanup removes everything the service holds for a tenant except its settings.
// Every step runs even when an earlier one fails.
func (s *TenantService) Cleanup(ctx context.Context, tenantID string) (CleanupReport, error) {
	var (
		rep  CleanupReport
		errs []error
		err  error
	)
	log := s.logger.With("tenant", tenantID)

	if rep.Subscriptions, err = s.subs.Teardown(ctx, tenantID); err != nil {
		errs = append(errs, fmt.Errorf("subscriptions: %w", err))
	}

	removed, err := s.index.DeleteByFilter(ctx, core.IndexFilter{TenantID: tenantID})
	if err != nil {
		errs = append(errs, fmt.Errorf("index documents: %w", err))
	}
	rep.Items = len(removed)

	if rep.Processed, err = s.tracker.ForgetTenant(ctx, tenantID); err != nil {
		errs = append(errs, fmt.Errorf("processed records: %w", err))
	}
	if rep.Cursors, err = s.cursors.ResetTenant(ctx, tenantID); err != nil {
		errs = append(errs, fmt.Errorf("cursors: %w", err))
	}
	if s.archive != nil {
		if rep.Archived, err = s.archive.DeletePrefix(ctx, objectclient.TenantPrefix(tenantID)); err != nil {
			errs = append(errs, fmt.Errorf("archived texts: %w", err))
		}
	}

	log.Info("tenant cleaned up",
		"subscriptions", rep.Subscriptions, "items", rep.Items,
		"processed", rep.Processed, "cursors", rep.Cursors, "archived", rep.Archived)
	return rep, errors.Join(errs...)
}
