package ingestion_engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/core/state"
	"github.com/markdave123-py/drivesync/internal/models"
)

type fakeDelta struct {
	Func func(tenantID, driveID string) (*core.DeltaResult, error)
}

func (f *fakeDelta) Resolve(_ context.Context, tenantID, driveID string) (*core.DeltaResult, error) {
	return f.Func(tenantID, driveID)
}

type fakeApplier struct {
	failed int
	got    []models.ChangeRecord
}

func (f *fakeApplier) ProcessChanges(_ context.Context, _, _ string, records []models.ChangeRecord) *Summary {
	f.got = records
	return &Summary{Indexed: len(records) - f.failed, Failed: f.failed}
}

func TestDriveSyncer_AdvancesCursorOnCleanCycle(t *testing.T) {
	ctx := context.Background()
	cursors := state.NewCursorStore(newTestKV(t))
	delta := &fakeDelta{Func: func(string, string) (*core.DeltaResult, error) {
		return &core.DeltaResult{
			Records:   []models.ChangeRecord{{ItemID: "a"}, {ItemID: "b"}},
			DeltaLink: "https://graph/delta?token=2",
		}, nil
	}}
	applier := &fakeApplier{}
	s := NewDriveSyncer(delta, cursors, applier, nil)

	sum, err := s.SyncDrive(ctx, "t1", "d1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Indexed)

	link, err := cursors.Get(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.Equal(t, "https://graph/delta?token=2", link)
}

func TestDriveSyncer_KeepsCursorWhenFilesFail(t *testing.T) {
	ctx := context.Background()
	cursors := state.NewCursorStore(newTestKV(t))
	require.NoError(t, cursors.Save(ctx, "t1", "d1", "https://graph/delta?token=1"))

	delta := &fakeDelta{Func: func(string, string) (*core.DeltaResult, error) {
		return &core.DeltaResult{Records: []models.ChangeRecord{{ItemID: "a"}}, DeltaLink: "https://graph/delta?token=2"}, nil
	}}
	s := NewDriveSyncer(delta, cursors, &fakeApplier{failed: 1}, nil)

	sum, err := s.SyncDrive(ctx, "t1", "d1", false)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)

	link, _ := cursors.Get(ctx, "t1", "d1")
	assert.Equal(t, "https://graph/delta?token=1", link)
}

func TestDriveSyncer_InterruptedDeltaAppliesNothing(t *testing.T) {
	ctx := context.Background()
	cursors := state.NewCursorStore(newTestKV(t))
	require.NoError(t, cursors.Save(ctx, "t1", "d1", "https://graph/delta?token=1"))

	delta := &fakeDelta{Func: func(string, string) (*core.DeltaResult, error) {
		return nil, errors.New("delta page 2: status 500")
	}}
	applier := &fakeApplier{}
	s := NewDriveSyncer(delta, cursors, applier, nil)

	_, err := s.SyncDrive(ctx, "t1", "d1", false)
	require.Error(t, err)
	assert.Nil(t, applier.got)

	link, _ := cursors.Get(ctx, "t1", "d1")
	assert.Equal(t, "https://graph/delta?token=1", link)
}

func TestDriveSyncer_FullResetsCursorFirst(t *testing.T) {
	ctx := context.Background()
	cursors := state.NewCursorStore(newTestKV(t))
	require.NoError(t, cursors.Save(ctx, "t1", "d1", "https://graph/delta?token=1"))

	var seen string
	delta := &fakeDelta{Func: func(tenantID, driveID string) (*core.DeltaResult, error) {
		seen, _ = cursors.Get(ctx, tenantID, driveID)
		return &core.DeltaResult{DeltaLink: "https://graph/delta?token=9"}, nil
	}}
	s := NewDriveSyncer(delta, cursors, &fakeApplier{}, nil)

	_, err := s.SyncDrive(ctx, "t1", "d1", true)
	require.NoError(t, err)
	assert.Empty(t, seen)
}

func TestDriveSyncer_WorkersDrainQueue(t *testing.T) {
	cursors := state.NewCursorStore(newTestKV(t))
	done := make(chan string, 2)
	delta := &fakeDelta{Func: func(_, driveID string) (*core.DeltaResult, error) {
		done <- driveID
		return &core.DeltaResult{DeltaLink: "link-" + driveID}, nil
	}}
	s := NewDriveSyncer(delta, cursors, &fakeApplier{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, 2)
	require.NoError(t, s.Enqueue(ctx, SyncJob{TenantID: "t1", DriveID: "d1"}))
	require.NoError(t, s.Enqueue(ctx, SyncJob{TenantID: "t1", DriveID: "d2"}))

	got := map[string]bool{}
	for range 2 {
		select {
		case d := <-done:
			got[d] = true
		case <-time.After(5 * time.Second):
			t.Fatal("sync job not processed")
		}
	}
	assert.Equal(t, map[string]bool{"d1": true, "d2": true}, got)
}

func TestDriveSyncer_OnJobFailedResetsCursor(t *testing.T) {
	ctx := context.Background()
	cursors := state.NewCursorStore(newTestKV(t))
	require.NoError(t, cursors.Save(ctx, "t1", "d1", "https://graph/delta?token=1"))

	s := NewDriveSyncer(&fakeDelta{}, cursors, &fakeApplier{}, nil)
	s.OnJobFailed(models.LargeFileJob{TenantID: "t1", DriveID: "d1", ItemID: "i1"})

	link, _ := cursors.Get(ctx, "t1", "d1")
	assert.Empty(t, link)
}
