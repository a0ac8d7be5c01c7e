package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/models"
)

// Tracker remembers the last-modified value each item was last indexed at.
// It is a last-write-wins cache: concurrent marks for one item race and the
// later write stands; the next delta cycle corrects a lost update.
type Tracker struct {
	kv core.KVStore
}

func NewTracker(kv core.KVStore) *Tracker {
	return &Tracker{kv: kv}
}

// IsProcessed is true only when the stored version equals lastModified exactly.
// An older version is "different" and gets reprocessed.
func (t *Tracker) IsProcessed(ctx context.Context, k models.ItemKey, lastModified string) (bool, error) {
	v, err := t.kv.Get(ctx, itemKey(k))
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read processed version: %w", err)
	}
	return string(v) == lastModified, nil
}

// MarkProcessed overwrites the stored version unconditionally.
func (t *Tracker) MarkProcessed(ctx context.Context, k models.ItemKey, lastModified string) error {
	if err := t.kv.Put(ctx, itemKey(k), []byte(lastModified)); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (t *Tracker) Forget(ctx context.Context, k models.ItemKey) error {
	return t.kv.Delete(ctx, itemKey(k))
}

// ForgetTenant drops every processed record of a tenant.
func (t *Tracker) ForgetTenant(ctx context.Context, tenantID string) (int, error) {
	return t.kv.DeletePrefix(ctx, tenantScope(processedPrefix, tenantID))
}
