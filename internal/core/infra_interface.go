package core

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/markdave123-py/drivesync/internal/models"
)

// ErrNotFound is returned by stores when a key does not exist.
var ErrNotFound = errors.New("not found")

// KVStore is the injected state store behind the tracker, cursors, tenant settings,
// the subscription mirror and the large-file queue. Badger backs single-instance
// deployments, a Postgres table backs shared ones.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Close() error
}

// IndexFilter selects chunk documents. Empty fields match everything;
// a zero ModifiedBefore disables the age condition.
type IndexFilter struct {
	TenantID       string
	DriveID        string
	ItemID         string
	ModifiedBefore time.Time
}

// SearchQuery runs keyword, vector or hybrid retrieval.
type SearchQuery struct {
	Text   string
	Vector []float32
	Filter IndexFilter
	Top    int
}

// IndexClient abstracts the search index so the pipeline never depends on a specific store.
type IndexClient interface {
	Upsert(ctx context.Context, docs []models.IndexDocument) error
	Delete(ctx context.Context, keys []string) error
	// DeleteByFilter removes matching chunks and reports the distinct items they belonged to.
	DeleteByFilter(ctx context.Context, f IndexFilter) ([]models.ItemKey, error)
	Search(ctx context.Context, q SearchQuery) ([]models.SearchHit, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// DeltaResult is one complete delta cycle.
type DeltaResult struct {
	Records   []models.ChangeRecord
	DeltaLink string
}

// DeltaSource resolves the changes of a drive since its last checkpoint.
type DeltaSource interface {
	Resolve(ctx context.Context, tenantID, driveID string) (*DeltaResult, error)
}

// ContentDownloader streams the content of a drive item.
type ContentDownloader interface {
	Download(ctx context.Context, driveID, itemID string, w io.Writer) (int64, error)
}

// SubscriptionRequest describes a new change-notification subscription.
type SubscriptionRequest struct {
	Resource        string
	NotificationURL string
	ChangeType      string
	ClientState     string
	ExpiresAt       time.Time
}

// SubscriptionClient manages change-notification subscriptions at the source.
type SubscriptionClient interface {
	Create(ctx context.Context, req SubscriptionRequest) (*models.Subscription, error)
	Renew(ctx context.Context, id string, expiresAt time.Time) (*models.Subscription, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]models.Subscription, error)
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data io.Reader, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, key string) error
	GetFile(ctx context.Context, key string) ([]byte, error)
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}
