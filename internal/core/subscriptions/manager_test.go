package subscriptions

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/core/graph"
	"github.com/markdave123-py/drivesync/internal/core/kvstore"
	"github.com/markdave123-py/drivesync/internal/core/notify"
	"github.com/markdave123-py/drivesync/internal/core/state"
	"github.com/markdave123-py/drivesync/internal/models"
)

type fakeClient struct {
	mu         sync.Mutex
	subs       []models.Subscription
	created    []core.SubscriptionRequest
	renewed    map[string]time.Time
	deleted    []string
	RenewFunc  func(id string) error
	DeleteFunc func(id string) error
}

func (f *fakeClient) Create(_ context.Context, req core.SubscriptionRequest) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return &models.Subscription{ID: "new-sub", Resource: req.Resource, ChangeType: req.ChangeType, ExpiresAt: req.ExpiresAt}, nil
}

func (f *fakeClient) Renew(_ context.Context, id string, exp time.Time) (*models.Subscription, error) {
	if f.RenewFunc != nil {
		if err := f.RenewFunc(id); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renewed[id] = exp
	return &models.Subscription{ID: id, ExpiresAt: exp}, nil
}

func (f *fakeClient) Delete(_ context.Context, id string) error {
	if f.DeleteFunc != nil {
		if err := f.DeleteFunc(id); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeClient) List(context.Context) ([]models.Subscription, error) {
	return f.subs, nil
}

func newManager(t *testing.T, c *fakeClient) (*Manager, *state.SubscriptionStore, time.Time) {
	t.Helper()
	kv, err := kvstore.OpenBadger("", true, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	store := state.NewSubscriptionStore(kv)
	m := NewManager(c, store, Config{
		NotificationURL: "https://sync.example.com/api/webhook/notifications",
		States:          notify.ClientStateConfig{Secret: "s3cret"},
	}, nil)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, store, now
}

func TestRenewDue_OnlyRenewsExpiringSubscriptions(t *testing.T) {
	c := &fakeClient{renewed: map[string]time.Time{}}
	m, store, now := newManager(t, c)
	c.subs = []models.Subscription{
		{ID: "soon", ExpiresAt: now.Add(2 * time.Hour)},
		{ID: "edge", ExpiresAt: now.Add(6 * time.Hour)},
		{ID: "later", ExpiresAt: now.Add(30 * time.Hour)},
	}

	rep, err := m.RenewDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 3, Renewed: 2}, rep)
	assert.Equal(t, now.Add(48*time.Hour), c.renewed["soon"])
	assert.Contains(t, c.renewed, "edge")
	assert.NotContains(t, c.renewed, "later")

	failures, err := store.Failures(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestRenewDue_RecordsFailuresAndContinues(t *testing.T) {
	c := &fakeClient{renewed: map[string]time.Time{}}
	c.RenewFunc = func(id string) error {
		if id == "broken" {
			return errors.New("graph unavailable")
		}
		return nil
	}
	m, store, now := newManager(t, c)
	c.subs = []models.Subscription{
		{ID: "broken", Resource: "/drives/d1/root", ExpiresAt: now.Add(time.Hour)},
		{ID: "fine", ExpiresAt: now.Add(time.Hour)},
	}

	rep, err := m.RenewDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Renewed)

	failures, err := store.Failures(context.Background())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "broken", failures[0].SubscriptionID)
	assert.Equal(t, "/drives/d1/root", failures[0].Resource)
	assert.Contains(t, failures[0].Error, "graph unavailable")
}

func TestCreate_UsesTenantClientStateAndMirrors(t *testing.T) {
	c := &fakeClient{renewed: map[string]time.Time{}}
	m, store, now := newManager(t, c)

	sub, err := m.Create(context.Background(), "contoso", "d1")
	require.NoError(t, err)
	assert.Equal(t, "contoso", sub.TenantID)

	require.Len(t, c.created, 1)
	req := c.created[0]
	assert.Equal(t, "/drives/d1/root", req.Resource)
	assert.Equal(t, "updated", req.ChangeType)
	assert.Equal(t, "drivesync-contoso-webhook", req.ClientState)
	assert.Equal(t, now.Add(48*time.Hour), req.ExpiresAt)

	mirrored, err := store.ListTenant(context.Background(), "contoso")
	require.NoError(t, err)
	require.Len(t, mirrored, 1)
	assert.Equal(t, "d1", mirrored[0].DriveID)

	_, err = m.Create(context.Background(), models.DefaultTenant, "d2")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", c.created[1].ClientState)
}

func TestTeardown_IgnoresMissingAtSource(t *testing.T) {
	c := &fakeClient{renewed: map[string]time.Time{}}
	c.DeleteFunc = func(string) error { return &graph.APIError{StatusCode: http.StatusNotFound} }
	m, store, _ := newManager(t, c)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, models.Subscription{ID: "a", TenantID: "contoso", DriveID: "d1"}))
	require.NoError(t, store.Save(ctx, models.Subscription{ID: "b", TenantID: "contoso", DriveID: "d2"}))
	require.NoError(t, store.Save(ctx, models.Subscription{ID: "c", TenantID: "other", DriveID: "d3"}))

	drives, err := m.Drives(ctx, "contoso")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2"}, drives)

	n, err := m.Teardown(ctx, "contoso")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "other", left[0].TenantID)
}
