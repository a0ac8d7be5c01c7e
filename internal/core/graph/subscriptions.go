package graph

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/models"
)

type subscriptionBody struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

func (b subscriptionBody) model() models.Subscription {
	exp, _ := time.Parse(time.RFC3339Nano, b.ExpirationDateTime)
	driveID, _ := DriveIDFromResource(b.Resource)
	return models.Subscription{
		ID:              b.ID,
		DriveID:         driveID,
		Resource:        b.Resource,
		ChangeType:      b.ChangeType,
		NotificationURL: b.NotificationURL,
		ClientState:     b.ClientState,
		ExpiresAt:       exp,
	}
}

var _ core.SubscriptionClient = (*Client)(nil)

func (c *Client) Create(ctx context.Context, req core.SubscriptionRequest) (*models.Subscription, error) {
	body := subscriptionBody{
		ChangeType:         req.ChangeType,
		NotificationURL:    req.NotificationURL,
		Resource:           req.Resource,
		ExpirationDateTime: req.ExpiresAt.UTC().Format(time.RFC3339),
		ClientState:        req.ClientState,
	}
	var out subscriptionBody
	if err := c.do(ctx, http.MethodPost, c.endpoint("/subscriptions"), body, &out); err != nil {
		return nil, err
	}
	sub := out.model()
	if sub.ClientState == "" {
		sub.ClientState = req.ClientState
	}
	return &sub, nil
}

func (c *Client) Renew(ctx context.Context, id string, expiresAt time.Time) (*models.Subscription, error) {
	body := subscriptionBody{ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339)}
	var out subscriptionBody
	if err := c.do(ctx, http.MethodPatch, c.endpoint("/subscriptions/"+url.PathEscape(id)), body, &out); err != nil {
		return nil, err
	}
	sub := out.model()
	return &sub, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint("/subscriptions/"+url.PathEscape(id)), nil, nil)
}

// List pages through every subscription owned by the application.
func (c *Client) List(ctx context.Context) ([]models.Subscription, error) {
	var out []models.Subscription
	link := c.endpoint("/subscriptions")
	for link != "" {
		if !c.sameOrigin(link) {
			return nil, fmt.Errorf("refusing subscriptions link outside graph origin: %s", link)
		}
		var page struct {
			Value    []subscriptionBody `json:"value"`
			NextLink string             `json:"@odata.nextLink"`
		}
		if err := c.do(ctx, http.MethodGet, link, nil, &page); err != nil {
			return nil, err
		}
		for _, b := range page.Value {
			out = append(out, b.model())
		}
		link = page.NextLink
	}
	return out, nil
}
