package models

import (
	"fmt"
	"strings"
	"time"
)

// DefaultTenant is the tenant of single-tenant deployments.
const DefaultTenant = "default"

// TenantSettings is the per-tenant policy record.
type TenantSettings struct {
	TenantID      string    `json:"tenant_id"`
	Region        string    `json:"region"`
	RetentionDays int       `json:"retention_days"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TenantSettingsPatch carries a partial settings update; nil fields are left untouched.
type TenantSettingsPatch struct {
	Region        *string `json:"region,omitempty"`
	RetentionDays *int    `json:"retention_days,omitempty"`
}

// ItemKey identifies one file item of one tenant's drive.
type ItemKey struct {
	TenantID string `json:"tenant_id"`
	DriveID  string `json:"drive_id"`
	ItemID   string `json:"item_id"`
}

// ChangeKind tells a deletion apart from a create/update.
type ChangeKind int

const (
	ChangeUpsert ChangeKind = iota
	ChangeDeleted
)

func (k ChangeKind) String() string {
	if k == ChangeDeleted {
		return "deleted"
	}
	return "upsert"
}

// ChangeRecord is one entry of a resolved delta.
type ChangeRecord struct {
	Kind         ChangeKind
	ItemID       string
	Name         string
	Size         int64
	MimeType     string
	LastModified string
	WebURL       string
}

// Notification is a single inbound change notification.
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	TenantID       string `json:"tenantId,omitempty"`

	// set by the router after validation
	ResolvedTenant string `json:"-"`
	DriveID        string `json:"-"`
}

// NotificationBatch is the webhook request body.
type NotificationBatch struct {
	Value []Notification `json:"value"`
}

// IndexDocument is one indexed chunk.
type IndexDocument struct {
	ID            string    `db:"id" json:"id"`
	Title         string    `db:"title" json:"title"`
	Content       string    `db:"content" json:"content"`
	Chunk         int       `db:"chunk" json:"chunk"`
	Vector        []float32 `db:"embedding" json:"-"`
	SourceDriveID string    `db:"drive_id" json:"source_drive_id"`
	SourceItemID  string    `db:"item_id" json:"source_item_id"`
	TenantID      string    `db:"tenant_id" json:"tenant_id"`
	LastModified  time.Time `db:"last_modified" json:"last_modified"`
	SizeCategory  string    `db:"size_category" json:"size_category"`
	IndexedAt     time.Time `db:"indexed_at" json:"indexed_at"`
}

// SearchHit is a ranked search result.
type SearchHit struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Snippet       string  `json:"snippet"`
	Chunk         int     `json:"chunk"`
	SourceDriveID string  `json:"source_drive_id"`
	SourceItemID  string  `json:"source_item_id"`
	Score         float64 `json:"score"`
}

// Subscription mirrors a change-notification subscription.
type Subscription struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	DriveID         string    `json:"drive_id"`
	Resource        string    `json:"resource"`
	ChangeType      string    `json:"change_type"`
	NotificationURL string    `json:"notification_url"`
	ClientState     string    `json:"client_state,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// RenewalFailure is recorded when a subscription could not be renewed.
type RenewalFailure struct {
	SubscriptionID string    `json:"subscription_id"`
	Resource       string    `json:"resource"`
	ExpiresAt      time.Time `json:"expires_at"`
	Error          string    `json:"error"`
	FailedAt       time.Time `json:"failed_at"`
}

// LargeFileJob is a queued-tier message.
type LargeFileJob struct {
	ID             string    `json:"id"`
	DriveID        string    `json:"drive_id"`
	ItemID         string    `json:"item_id"`
	FileName       string    `json:"file_name"`
	FileSize       int64     `json:"file_size"`
	MimeType       string    `json:"mime_type,omitempty"`
	LastModified   string    `json:"last_modified"`
	TenantID       string    `json:"tenant_id"`
	QueuedAt       time.Time `json:"queued_at"`
	ProcessingType string    `json:"processing_type"`
}

// Record rebuilds the change record the job was queued from.
func (j LargeFileJob) Record() ChangeRecord {
	return ChangeRecord{
		Kind:         ChangeUpsert,
		ItemID:       j.ItemID,
		Name:         j.FileName,
		Size:         j.FileSize,
		MimeType:     j.MimeType,
		LastModified: j.LastModified,
	}
}

const snippetLen = 240

// Snippet trims content to the first 240 characters for search results.
func Snippet(content string) string {
	r := []rune(content)
	if len(r) <= snippetLen {
		return content
	}
	return string(r[:snippetLen])
}

var keySegment = strings.NewReplacer("%", "%25", "_", "%5F")

// DocumentKey is the index key of one chunk: tenant_drive_item_chunkIndex.
// Underscores inside a segment are escaped so distinct items never share a key.
func DocumentKey(k ItemKey, chunk int) string {
	return fmt.Sprintf("%s_%s_%s_%d", keySegment.Replace(k.TenantID), keySegment.Replace(k.DriveID), keySegment.Replace(k.ItemID), chunk)
}
