// Package state keeps pipeline state (processed versions, delta cursors, tenant
// settings, subscription mirror, renewal failures) in an injected core.KVStore.
package state

import (
	"net/url"
	"strings"

	"github.com/markdave123-py/drivesync/internal/models"
)

const (
	processedPrefix    = "processed/"
	cursorPrefix       = "cursor/"
	tenantPrefix       = "tenant/"
	subscriptionPrefix = "subscription/"
	failurePrefix      = "renewal-failure/"
)

// key joins escaped segments so ids containing "/" cannot collide.
func key(prefix string, parts ...string) string {
	esc := make([]string, len(parts))
	for i, p := range parts {
		esc[i] = url.PathEscape(p)
	}
	return prefix + strings.Join(esc, "/")
}

func tenantScope(prefix, tenantID string) string {
	return prefix + url.PathEscape(tenantID) + "/"
}

func itemKey(k models.ItemKey) string {
	return key(processedPrefix, k.TenantID, k.DriveID, k.ItemID)
}
