package state

import (
	"context"
	"encoding/json"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/models"
)

// SubscriptionStore mirrors the subscriptions this service created, so that
// tenant teardown and re-provisioning know which drives belong to a tenant.
type SubscriptionStore struct {
	kv core.KVStore
}

func NewSubscriptionStore(kv core.KVStore) *SubscriptionStore {
	return &SubscriptionStore{kv: kv}
}

func (s *SubscriptionStore) Save(ctx context.Context, sub models.Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, key(subscriptionPrefix, sub.TenantID, sub.ID), raw)
}

func (s *SubscriptionStore) Remove(ctx context.Context, tenantID, id string) error {
	return s.kv.Delete(ctx, key(subscriptionPrefix, tenantID, id))
}

func (s *SubscriptionStore) ListTenant(ctx context.Context, tenantID string) ([]models.Subscription, error) {
	return s.list(ctx, tenantScope(subscriptionPrefix, tenantID))
}

func (s *SubscriptionStore) ListAll(ctx context.Context) ([]models.Subscription, error) {
	return s.list(ctx, subscriptionPrefix)
}

// Find looks a subscription up by id across tenants.
func (s *SubscriptionStore) Find(ctx context.Context, id string) (models.Subscription, bool, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return models.Subscription{}, false, err
	}
	for _, sub := range all {
		if sub.ID == id {
			return sub, true, nil
		}
	}
	return models.Subscription{}, false, nil
}

func (s *SubscriptionStore) list(ctx context.Context, prefix string) ([]models.Subscription, error) {
	var out []models.Subscription
	err := s.kv.Scan(ctx, prefix, func(_ string, v []byte) error {
		var sub models.Subscription
		if err := json.Unmarshal(v, &sub); err != nil {
			return err
		}
		out = append(out, sub)
		return nil
	})
	return out, err
}

func (s *SubscriptionStore) RecordFailure(ctx context.Context, f models.RenewalFailure) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, key(failurePrefix, f.SubscriptionID), raw)
}

func (s *SubscriptionStore) ClearFailure(ctx context.Context, id string) error {
	return s.kv.Delete(ctx, key(failurePrefix, id))
}

func (s *SubscriptionStore) Failures(ctx context.Context) ([]models.RenewalFailure, error) {
	var out []models.RenewalFailure
	err := s.kv.Scan(ctx, failurePrefix, func(_ string, v []byte) error {
		var f models.RenewalFailure
		if err := json.Unmarshal(v, &f); err != nil {
			return err
		}
		out = append(out, f)
		return nil
	})
	return out, err
}
