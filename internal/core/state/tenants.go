package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/models"
)

// ErrInvalidSettings is returned for a settings patch that cannot be applied.
var ErrInvalidSettings = errors.New("invalid tenant settings")

const (
	DefaultRegion        = "eastus"
	DefaultRetentionDays = 90
)

// TenantStore holds per-tenant settings. A tenant springs into existence with
// defaults the first time its settings are read.
type TenantStore struct {
	kv  core.KVStore
	mu  sync.Mutex
	now func() time.Time
}

func NewTenantStore(kv core.KVStore) *TenantStore {
	return &TenantStore{kv: kv, now: time.Now}
}

func (s *TenantStore) Get(ctx context.Context, tenantID string) (models.TenantSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, tenantID)
}

func (s *TenantStore) getLocked(ctx context.Context, tenantID string) (models.TenantSettings, error) {
	if strings.TrimSpace(tenantID) == "" {
		return models.TenantSettings{}, errors.New("tenant id is empty")
	}
	raw, err := s.kv.Get(ctx, key(tenantPrefix, tenantID))
	if err == nil {
		var ts models.TenantSettings
		if err := json.Unmarshal(raw, &ts); err != nil {
			return ts, fmt.Errorf("decode tenant %s: %w", tenantID, err)
		}
		return ts, nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return models.TenantSettings{}, err
	}

	now := s.now().UTC()
	ts := models.TenantSettings{
		TenantID:      tenantID,
		Region:        DefaultRegion,
		RetentionDays: DefaultRetentionDays,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return ts, s.put(ctx, ts)
}

// Set applies a partial update and reports whether the region changed.
func (s *TenantStore) Set(ctx context.Context, tenantID string, patch models.TenantSettingsPatch) (models.TenantSettings, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, err := s.getLocked(ctx, tenantID)
	if err != nil {
		return ts, false, err
	}

	regionChanged := false
	if patch.Region != nil {
		r := strings.TrimSpace(*patch.Region)
		if r == "" {
			return ts, false, fmt.Errorf("%w: region must not be empty", ErrInvalidSettings)
		}
		regionChanged = r != ts.Region
		ts.Region = r
	}
	if patch.RetentionDays != nil {
		if *patch.RetentionDays <= 0 {
			return ts, false, fmt.Errorf("%w: retention days must be positive, got %d", ErrInvalidSettings, *patch.RetentionDays)
		}
		ts.RetentionDays = *patch.RetentionDays
	}
	ts.UpdatedAt = s.now().UTC()
	return ts, regionChanged, s.put(ctx, ts)
}

// List returns every known tenant.
func (s *TenantStore) List(ctx context.Context) ([]models.TenantSettings, error) {
	var out []models.TenantSettings
	err := s.kv.Scan(ctx, tenantPrefix, func(_ string, v []byte) error {
		var ts models.TenantSettings
		if err := json.Unmarshal(v, &ts); err != nil {
			return err
		}
		out = append(out, ts)
		return nil
	})
	return out, err
}

func (s *TenantStore) put(ctx context.Context, ts models.TenantSettings) error {
	raw, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, key(tenantPrefix, ts.TenantID), raw)
}
