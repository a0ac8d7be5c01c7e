package graph

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/markdave123-py/drivesync/internal/core"
)

var _ core.ContentDownloader = (*Client)(nil)

// Download streams the item content into w. Graph answers with a redirect to a
// pre-authenticated URL, which is fetched without the bearer token.
func (c *Client) Download(ctx context.Context, driveID, itemID string, w io.Writer) (int64, error) {
	noFollow := *c.http
	noFollow.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	link := c.endpoint("/drives/" + url.PathEscape(driveID) + "/items/" + url.PathEscape(itemID) + "/content")
	resp, err := c.send(ctx, &noFollow, http.MethodGet, link, nil)
	if err != nil {
		return 0, err
	}

	if resp.StatusCode >= 300 {
		loc := resp.Header.Get("Location")
		resp.Body.Close()
		if loc == "" {
			return 0, fmt.Errorf("download %s/%s: redirect without location", driveID, itemID)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
		if err != nil {
			return 0, err
		}
		resp, err = c.plain.Do(req)
		if err != nil {
			return 0, fmt.Errorf("download %s/%s: %w", driveID, itemID, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return 0, fmt.Errorf("download %s/%s: status %d", driveID, itemID, resp.StatusCode)
		}
	}
	defer resp.Body.Close()

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download %s/%s: %w", driveID, itemID, err)
	}
	return n, nil
}
