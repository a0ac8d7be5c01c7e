package state

import (
	"context"
	"errors"

	"github.com/markdave123-py/drivesync/internal/core"
)

// CursorStore keeps the delta link of the last fully applied cycle per drive.
type CursorStore struct {
	kv core.KVStore
}

func NewCursorStore(kv core.KVStore) *CursorStore {
	return &CursorStore{kv: kv}
}

// Get returns "" when the drive has never completed a cycle.
func (s *CursorStore) Get(ctx context.Context, tenantID, driveID string) (string, error) {
	v, err := s.kv.Get(ctx, key(cursorPrefix, tenantID, driveID))
	if errors.Is(err, core.ErrNotFound) {
		return "", nil
	}
	return string(v), err
}

func (s *CursorStore) Save(ctx context.Context, tenantID, driveID, link string) error {
	if link == "" {
		return nil
	}
	return s.kv.Put(ctx, key(cursorPrefix, tenantID, driveID), []byte(link))
}

// Reset forces the next cycle of the drive to enumerate from scratch.
func (s *CursorStore) Reset(ctx context.Context, tenantID, driveID string) error {
	return s.kv.Delete(ctx, key(cursorPrefix, tenantID, driveID))
}

func (s *CursorStore) ResetTenant(ctx context.Context, tenantID string) (int, error) {
	return s.kv.DeletePrefix(ctx, tenantScope(cursorPrefix, tenantID))
}
