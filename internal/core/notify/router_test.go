package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/drivesync/internal/models"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recorder) Dispatch(_ context.Context, tenantID, driveID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, tenantID+"/"+driveID)
	return r.err
}

var states = ClientStateConfig{Secret: "s3cret", Prefix: "drivesync", Suffix: "webhook"}

func TestClientState(t *testing.T) {
	cases := []struct {
		state  string
		tenant string
		ok     bool
	}{
		{"s3cret", models.DefaultTenant, true},
		{"drivesync-contoso-webhook", "contoso", true},
		{"drivesync-a-b-c-webhook", "a-b-c", true},
		{"drivesync--webhook", "", false},
		{"drivesync-contoso-hook", "", false},
		{"other-contoso-webhook", "", false},
		{"", "", false},
		{"s3cret2", "", false},
	}
	for _, c := range cases {
		tenant, ok := states.TenantFromClientState(c.state)
		assert.Equal(t, c.ok, ok, c.state)
		assert.Equal(t, c.tenant, tenant, c.state)
	}
	assert.Equal(t, "drivesync-contoso-webhook", states.Format("contoso"))
	assert.Equal(t, "drivesync-x-webhook", ClientStateConfig{}.Format("x"))
}

func TestRoute_MixedValidityRejectsWholeBatch(t *testing.T) {
	rec := &recorder{}
	r := NewRouter(states, rec, nil)

	batch := &models.NotificationBatch{Value: []models.Notification{
		{SubscriptionID: "s1", ClientState: "drivesync-contoso-webhook", Resource: "/drives/d1/root"},
		{SubscriptionID: "s2", ClientState: "forged", Resource: "/drives/d2/root"},
	}}
	n, err := r.Route(context.Background(), batch)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, n)
	assert.Empty(t, rec.calls)
}

func TestRoute_DispatchesByDriveAndSkipsMissingDrive(t *testing.T) {
	rec := &recorder{}
	r := NewRouter(states, rec, nil)

	batch := &models.NotificationBatch{Value: []models.Notification{
		{SubscriptionID: "s1", ClientState: "drivesync-contoso-webhook", Resource: "/drives/d1/root"},
		{SubscriptionID: "s1", ClientState: "drivesync-contoso-webhook", Resource: "drives/d1/root"},
		{SubscriptionID: "s2", ClientState: "s3cret", Resource: "/drives/d2/root"},
		{SubscriptionID: "s3", ClientState: "s3cret", Resource: "/users/me"},
	}}
	n, err := r.Route(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"contoso/d1", "default/d2"}, rec.calls)
	assert.Equal(t, "contoso", batch.Value[0].ResolvedTenant)
	assert.Equal(t, "d1", batch.Value[0].DriveID)
}

func TestRoute_EmptyBatch(t *testing.T) {
	r := NewRouter(states, &recorder{}, nil)
	_, err := r.Route(context.Background(), &models.NotificationBatch{})
	assert.ErrorIs(t, err, ErrInvalidBatch)
}

func TestRoute_DispatchErrorsAreJoined(t *testing.T) {
	rec := &recorder{err: errors.New("queue closed")}
	r := NewRouter(states, rec, nil)

	_, err := r.Route(context.Background(), &models.NotificationBatch{Value: []models.Notification{
		{ClientState: "s3cret", Resource: "/drives/d1/root"},
	}})
	assert.ErrorContains(t, err, "queue closed")
}
