// Package notify validates change-notification batches and turns them into
// drive sync jobs.
package notify

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/markdave123-py/drivesync/internal/core/graph"
	"github.com/markdave123-py/drivesync/internal/models"
)

var (
	ErrUnauthorized = errors.New("invalid client state")
	ErrInvalidBatch = errors.New("invalid notification batch")
)

// ClientStateConfig holds the accepted client-state forms.
type ClientStateConfig struct {
	// Secret is the single-tenant shared secret; an exact match maps to the default tenant.
	Secret string
	Prefix string
	Suffix string
}

// Format builds the client state registered for a tenant's subscriptions.
func (c ClientStateConfig) Format(tenantID string) string {
	return c.prefix() + "-" + tenantID + "-" + c.suffix()
}

func (c ClientStateConfig) prefix() string {
	if c.Prefix == "" {
		return "drivesync"
	}
	return c.Prefix
}

func (c ClientStateConfig) suffix() string {
	if c.Suffix == "" {
		return "webhook"
	}
	return c.Suffix
}

// TenantFromClientState resolves the tenant a client state belongs to.
func (c ClientStateConfig) TenantFromClientState(state string) (string, bool) {
	if c.Secret != "" && subtle.ConstantTimeCompare([]byte(state), []byte(c.Secret)) == 1 {
		return models.DefaultTenant, true
	}
	head, tail := c.prefix()+"-", "-"+c.suffix()
	if len(state) <= len(head)+len(tail) || !strings.HasPrefix(state, head) || !strings.HasSuffix(state, tail) {
		return "", false
	}
	tenant := state[len(head) : len(state)-len(tail)]
	if strings.TrimSpace(tenant) == "" {
		return "", false
	}
	return tenant, true
}

// Dispatcher receives accepted notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID, driveID string) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, tenantID, driveID string) error

func (f DispatchFunc) Dispatch(ctx context.Context, tenantID, driveID string) error {
	return f(ctx, tenantID, driveID)
}

// Router authenticates a batch as a whole and forwards each notification by drive.
type Router struct {
	states     ClientStateConfig
	dispatcher Dispatcher
	logger     *slog.Logger
}

func NewRouter(states ClientStateConfig, d Dispatcher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{states: states, dispatcher: d, logger: logger.With("component", "notify")}
}

// ClientStates exposes the client-state scheme used for new subscriptions.
func (r *Router) ClientStates() ClientStateConfig {
	return r.states
}

// Validate checks every client state before anything is dispatched and annotates
// accepted notifications with their tenant and drive.
func (r *Router) Validate(batch *models.NotificationBatch) error {
	if batch == nil || len(batch.Value) == 0 {
		return fmt.Errorf("%w: no notifications", ErrInvalidBatch)
	}
	for i := range batch.Value {
		n := &batch.Value[i]
		tenant, ok := r.states.TenantFromClientState(n.ClientState)
		if !ok {
			r.logger.Warn("notification rejected", "subscription", n.SubscriptionID, "index", i)
			return fmt.Errorf("%w: notification %d", ErrUnauthorized, i)
		}
		n.ResolvedTenant = tenant
		n.DriveID, _ = graph.DriveIDFromResource(n.Resource)
	}
	return nil
}

// Route validates the batch and dispatches one sync per (tenant, drive). It
// returns how many notifications were dispatched.
func (r *Router) Route(ctx context.Context, batch *models.NotificationBatch) (int, error) {
	if err := r.Validate(batch); err != nil {
		return 0, err
	}

	seen := map[string]bool{}
	processed := 0
	var errs []error
	for _, n := range batch.Value {
		log := r.logger.With("tenant", n.ResolvedTenant, "subscription", n.SubscriptionID)
		if n.DriveID == "" {
			log.Warn("notification without drive id skipped", "resource", n.Resource)
			continue
		}
		processed++

		k := n.ResolvedTenant + "/" + n.DriveID
		if seen[k] {
			continue
		}
		seen[k] = true
		if err := r.dispatcher.Dispatch(ctx, n.ResolvedTenant, n.DriveID); err != nil {
			log.Error("dispatch failed", "drive", n.DriveID, "err", err)
			errs = append(errs, err)
			continue
		}
		log.Debug("notification dispatched", "drive", n.DriveID, "change", n.ChangeType)
	}
	return processed, errors.Join(errs...)
}
