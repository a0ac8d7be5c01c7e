// Package subscriptions keeps change-notification subscriptions alive and
// mirrors the ones this service owns into the state store.
package subscriptions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/core/graph"
	"github.com/markdave123-py/drivesync/internal/core/notify"
	"github.com/markdave123-py/drivesync/internal/core/state"
	"github.com/markdave123-py/drivesync/internal/models"
)

// ChangeType is the only change type Graph supports for drive items.
const ChangeType = "updated"

type Config struct {
	NotificationURL string
	// Window selects subscriptions expiring within it for renewal (default 6h).
	Window time.Duration
	// Extension is how far a renewal or a new subscription reaches (default 48h).
	Extension time.Duration
	States    notify.ClientStateConfig
}

// Report summarizes one renewal pass.
type Report struct {
	Checked int
	Renewed int
	Failed  int
}

type Manager struct {
	client core.SubscriptionClient
	store  *state.SubscriptionStore
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(client core.SubscriptionClient, store *state.SubscriptionStore, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Window <= 0 {
		cfg.Window = 6 * time.Hour
	}
	if cfg.Extension <= 0 {
		cfg.Extension = 48 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client: client,
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "subscriptions"),
	}
}

// RenewDue renews every subscription expiring at or before now+Window.
// Failures are logged and recorded; they never stop the pass.
func (m *Manager) RenewDue(ctx context.Context) (Report, error) {
	var rep Report
	subs, err := m.client.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list subscriptions: %w", err)
	}

	now := m.now().UTC()
	cutoff := now.Add(m.cfg.Window)
	for _, sub := range subs {
		rep.Checked++
		if sub.ExpiresAt.After(cutoff) {
			continue
		}
		log := m.logger.With("subscription", sub.ID, "resource", sub.Resource, "expires_at", sub.ExpiresAt)

		renewed, err := m.client.Renew(ctx, sub.ID, now.Add(m.cfg.Extension))
		if err != nil {
			rep.Failed++
			log.Error("subscription renewal failed", "err", err)
			if rerr := m.store.RecordFailure(ctx, models.RenewalFailure{
				SubscriptionID: sub.ID,
				Resource:       sub.Resource,
				ExpiresAt:      sub.ExpiresAt,
				Error:          err.Error(),
				FailedAt:       now,
			}); rerr != nil {
				log.Error("renewal failure not recorded", "err", rerr)
			}
			continue
		}

		rep.Renewed++
		if err := m.store.ClearFailure(ctx, sub.ID); err != nil {
			log.Warn("clear renewal failure", "err", err)
		}
		m.refreshMirror(ctx, log, renewed)
		log.Info("subscription renewed", "new_expires_at", renewed.ExpiresAt)
	}

	m.logger.Info("renewal pass finished", "checked", rep.Checked, "renewed", rep.Renewed, "failed", rep.Failed)
	return rep, nil
}

func (m *Manager) refreshMirror(ctx context.Context, log *slog.Logger, renewed *models.Subscription) {
	mirrored, ok, err := m.store.Find(ctx, renewed.ID)
	if err != nil || !ok {
		return
	}
	mirrored.ExpiresAt = renewed.ExpiresAt
	if err := m.store.Save(ctx, mirrored); err != nil {
		log.Warn("subscription mirror not updated", "err", err)
	}
}

// Create subscribes to every change of a tenant's drive.
func (m *Manager) Create(ctx context.Context, tenantID, driveID string) (*models.Subscription, error) {
	clientState := m.cfg.States.Format(tenantID)
	if tenantID == models.DefaultTenant && m.cfg.States.Secret != "" {
		clientState = m.cfg.States.Secret
	}

	sub, err := m.client.Create(ctx, core.SubscriptionRequest{
		Resource:        graph.DriveResource(driveID),
		NotificationURL: m.cfg.NotificationURL,
		ChangeType:      ChangeType,
		ClientState:     clientState,
		ExpiresAt:       m.now().UTC().Add(m.cfg.Extension),
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription for drive %s: %w", driveID, err)
	}
	sub.TenantID = tenantID
	sub.DriveID = driveID
	sub.ClientState = ""

	if err := m.store.Save(ctx, *sub); err != nil {
		return sub, fmt.Errorf("mirror subscription %s: %w", sub.ID, err)
	}
	m.logger.Info("subscription created", "tenant", tenantID, "drive", driveID, "subscription", sub.ID, "expires_at", sub.ExpiresAt)
	return sub, nil
}

// Delete removes a subscription at the source and from the mirror. A
// subscription already gone at the source is not an error.
func (m *Manager) Delete(ctx context.Context, tenantID, id string) error {
	err := m.client.Delete(ctx, id)
	var apiErr *graph.APIError
	if err != nil && !(errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound) {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	if err := m.store.Remove(ctx, tenantID, id); err != nil {
		return err
	}
	_ = m.store.ClearFailure(ctx, id)
	m.logger.Info("subscription deleted", "tenant", tenantID, "subscription", id)
	return nil
}

// Teardown deletes every mirrored subscription of a tenant.
func (m *Manager) Teardown(ctx context.Context, tenantID string) (int, error) {
	subs, err := m.store.ListTenant(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, sub := range subs {
		if err := m.Delete(ctx, tenantID, sub.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Drives lists the distinct drives a tenant is subscribed to.
func (m *Manager) Drives(ctx context.Context, tenantID string) ([]string, error) {
	subs, err := m.store.ListTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, s := range subs {
		if s.DriveID != "" && !seen[s.DriveID] {
			seen[s.DriveID] = true
			out = append(out, s.DriveID)
		}
	}
	return out, nil
}
