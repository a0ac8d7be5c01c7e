package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/models"
)

// Ingestor schedules and runs drive synchronization.
type Ingestor interface {
	Start(ctx context.Context, numWorkers int)
	Enqueue(ctx context.Context, job SyncJob) error
	SyncDrive(ctx context.Context, tenantID, driveID string, full bool) (*Summary, error)
}

// SyncJob asks for one delta cycle of a drive. Full discards the stored cursor first.
type SyncJob struct {
	TenantID string
	DriveID  string
	Full     bool
}

// CursorStore persists the delta link of the last fully applied cycle.
type CursorStore interface {
	Get(ctx context.Context, tenantID, driveID string) (string, error)
	Save(ctx context.Context, tenantID, driveID, link string) error
	Reset(ctx context.Context, tenantID, driveID string) error
}

// ChangeApplier applies the records of one cycle.
type ChangeApplier interface {
	ProcessChanges(ctx context.Context, tenantID, driveID string, records []models.ChangeRecord) *Summary
}

// DriveSyncer turns sync jobs into delta cycles: resolve, apply, then advance
// the cursor only when nothing failed.
type DriveSyncer struct {
	delta   core.DeltaSource
	cursors CursorStore
	applier ChangeApplier
	jobs    chan SyncJob
	flights singleflight.Group
	logger  *slog.Logger
}

var _ Ingestor = (*DriveSyncer)(nil)

// NewDriveSyncer constructs the syncer with a bounded job queue (64).
func NewDriveSyncer(delta core.DeltaSource, cursors CursorStore, applier ChangeApplier, logger *slog.Logger) *DriveSyncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DriveSyncer{
		delta:   delta,
		cursors: cursors,
		applier: applier,
		jobs:    make(chan SyncJob, 64),
		logger:  logger.With("component", "drive-syncer"),
	}
}

// Start runs numWorkers goroutines draining the job queue.
func (s *DriveSyncer) Start(ctx context.Context, numWorkers int) {
	if numWorkers < 1 {
		numWorkers = 1
	}
	for w := 1; w <= numWorkers; w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					s.logger.Debug("sync worker shutting down", "worker", w)
					return
				case job := <-s.jobs:
					if _, err := s.SyncDrive(ctx, job.TenantID, job.DriveID, job.Full); err != nil {
						s.logger.Error("sync job failed", "worker", w, "tenant", job.TenantID, "drive", job.DriveID, "err", err)
					}
				}
			}
		}(w)
	}
}

// Enqueue schedules a sync job. It blocks while the queue is full.
func (s *DriveSyncer) Enqueue(ctx context.Context, job SyncJob) error {
	select {
	case s.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncDrive runs one delta cycle. Concurrent calls for the same drive share a
// single run.
func (s *DriveSyncer) SyncDrive(ctx context.Context, tenantID, driveID string, full bool) (*Summary, error) {
	key := tenantID + "/" + driveID
	if full {
		key += "#full"
	}
	v, err, shared := s.flights.Do(key, func() (any, error) {
		return s.syncOnce(ctx, tenantID, driveID, full)
	})
	if shared {
		s.logger.Debug("sync coalesced", "tenant", tenantID, "drive", driveID)
	}
	if err != nil {
		return nil, err
	}
	return v.(*Summary), nil
}

func (s *DriveSyncer) syncOnce(ctx context.Context, tenantID, driveID string, full bool) (*Summary, error) {
	log := s.logger.With("tenant", tenantID, "drive", driveID)
	start := time.Now()

	if full {
		if err := s.cursors.Reset(ctx, tenantID, driveID); err != nil {
			return nil, fmt.Errorf("reset cursor: %w", err)
		}
	}

	res, err := s.delta.Resolve(ctx, tenantID, driveID)
	if err != nil {
		return nil, fmt.Errorf("resolve delta: %w", err)
	}

	sum := s.applier.ProcessChanges(ctx, tenantID, driveID, res.Records)
	if sum.Failed > 0 {
		log.Warn("cursor kept, failed files retry next cycle", "failed", sum.Failed)
		return sum, nil
	}
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	if err := s.cursors.Save(ctx, tenantID, driveID, res.DeltaLink); err != nil {
		return sum, fmt.Errorf("save cursor: %w", err)
	}
	log.Info("drive synchronized", "changes", len(res.Records), "elapsed", time.Since(start))
	return sum, nil
}

// OnJobFailed makes the next cycle of the job's drive enumerate again so the
// failed large file is picked up.
func (s *DriveSyncer) OnJobFailed(job models.LargeFileJob) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.cursors.Reset(ctx, job.TenantID, job.DriveID); err != nil && !errors.Is(err, core.ErrNotFound) {
		s.logger.Error("cursor reset after job failure", "tenant", job.TenantID, "drive", job.DriveID, "err", err)
	}
}
