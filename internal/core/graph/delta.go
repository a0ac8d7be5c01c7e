package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/markdave123-py/drivesync/internal/core"
	"github.com/markdave123-py/drivesync/internal/models"
)

var deltaFields = []string{
	"id", "name", "size", "lastModifiedDateTime", "webUrl", "file", "folder", "deleted", "parentReference",
}

// maxDeltaPages bounds one cycle against a server that never stops paging.
const maxDeltaPages = 10_000

type driveItem struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	Size                 int64  `json:"size"`
	LastModifiedDateTime string `json:"lastModifiedDateTime"`
	WebURL               string `json:"webUrl"`
	File                 *struct {
		MimeType string `json:"mimeType"`
	} `json:"file"`
	Deleted *struct {
		State string `json:"state"`
	} `json:"deleted"`
}

type deltaPage struct {
	Value     []driveItem `json:"value"`
	NextLink  string      `json:"@odata.nextLink"`
	DeltaLink string      `json:"@odata.deltaLink"`
}

// CursorReader is the part of the cursor store the resolver needs.
type CursorReader interface {
	Get(ctx context.Context, tenantID, driveID string) (string, error)
	Reset(ctx context.Context, tenantID, driveID string) error
}

// DeltaResolver turns a drive's delta feed into change records.
type DeltaResolver struct {
	client  *Client
	cursors CursorReader
	logger  *slog.Logger
}

var _ core.DeltaSource = (*DeltaResolver)(nil)

// NewDeltaResolver reads starting points from cursors. A nil store always enumerates the full drive.
func NewDeltaResolver(client *Client, cursors CursorReader) *DeltaResolver {
	return &DeltaResolver{client: client, cursors: cursors, logger: client.logger.With("stage", "delta")}
}

// Resolve fetches every page of the current cycle. Any failing page fails the whole
// cycle and no records are returned, so nothing is applied from a partial delta.
func (r *DeltaResolver) Resolve(ctx context.Context, tenantID, driveID string) (*core.DeltaResult, error) {
	log := r.logger.With("tenant", tenantID, "drive", driveID)

	start := ""
	if r.cursors != nil {
		link, err := r.cursors.Get(ctx, tenantID, driveID)
		if err != nil {
			return nil, fmt.Errorf("read delta cursor: %w", err)
		}
		start = link
	}

	res, err := r.fetch(ctx, log, driveID, start)
	if start != "" && errors.Is(err, ErrResyncRequired) {
		log.Warn("delta cursor expired, resyncing from full enumeration")
		if err := r.cursors.Reset(ctx, tenantID, driveID); err != nil {
			return nil, fmt.Errorf("reset delta cursor: %w", err)
		}
		res, err = r.fetch(ctx, log, driveID, "")
	}
	if err != nil {
		log.Error("delta cycle abandoned", "err", err)
		return nil, err
	}

	log.Info("delta resolved", "changes", len(res.Records))
	return res, nil
}

func (r *DeltaResolver) fetch(ctx context.Context, log *slog.Logger, driveID, start string) (*core.DeltaResult, error) {
	link := start
	if link == "" {
		link = r.client.endpoint("/drives/" + url.PathEscape(driveID) + "/root/delta?$select=" + strings.Join(deltaFields, ","))
	}

	res := &core.DeltaResult{}
	for page := 1; link != ""; page++ {
		if page > maxDeltaPages {
			return nil, fmt.Errorf("delta exceeded %d pages", maxDeltaPages)
		}
		if !r.client.sameOrigin(link) {
			return nil, fmt.Errorf("refusing delta link outside graph origin: %s", link)
		}

		var p deltaPage
		if err := r.client.do(ctx, http.MethodGet, link, nil, &p); err != nil {
			return nil, fmt.Errorf("delta page %d: %w", page, err)
		}
		for _, it := range p.Value {
			if rec, ok := toChangeRecord(it); ok {
				res.Records = append(res.Records, rec)
			}
		}
		log.Debug("delta page fetched", "page", page, "items", len(p.Value), "more", p.NextLink != "")

		link = p.NextLink
		if link == "" {
			res.DeltaLink = p.DeltaLink
		}
	}
	return res, nil
}

// toChangeRecord drops folders and the root; only files and deletions matter.
func toChangeRecord(it driveItem) (models.ChangeRecord, bool) {
	if it.ID == "" {
		return models.ChangeRecord{}, false
	}
	if it.Deleted != nil {
		return models.ChangeRecord{Kind: models.ChangeDeleted, ItemID: it.ID, Name: it.Name}, true
	}
	if it.File == nil {
		return models.ChangeRecord{}, false
	}
	return models.ChangeRecord{
		Kind:         models.ChangeUpsert,
		ItemID:       it.ID,
		Name:         it.Name,
		Size:         it.Size,
		MimeType:     it.File.MimeType,
		LastModified: it.LastModifiedDateTime,
		WebURL:       it.WebURL,
	}, true
}
