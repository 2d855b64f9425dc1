package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
	"unicode/utf8"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/staging"
)

const maxDisplayNameBytes = 128

// BatchIDLayout formats the default batch id from the run start time.
const BatchIDLayout = "20060102T150405Z"

// DefaultBatchID returns the batch id used when the caller supplies none.
func DefaultBatchID(t time.Time) string {
	return t.UTC().Format(BatchIDLayout)
}

// ResourceIDs are the names derived for one tenant in one batch.
type ResourceIDs struct {
	IdempotencyKey string `json:"idempotency_key"`
	IndexID        string `json:"index_id"`
	SearchAppID    string `json:"search_app_id"`
	DisplayName    string `json:"display_name"`
}

// IdempotencyKey is the first 12 hex characters of sha256(tenantKey "/" batchID).
func IdempotencyKey(tenantKey, batchID string) string {
	sum := sha256.Sum256([]byte(tenantKey + "/" + batchID))
	return hex.EncodeToString(sum[:])[:12]
}

// DeriveIDs names the index and search application for tenantKey in
// batchID. The same inputs always give the same ids.
func DeriveIDs(tenantKey, batchID, displayPrefix string) ResourceIDs {
	key := IdempotencyKey(tenantKey, batchID)
	slug := staging.Slug(tenantKey)
	display := tenantKey
	if displayPrefix != "" {
		display = displayPrefix + " " + tenantKey
	}
	display = truncateUTF8(display, maxDisplayNameBytes)
	return ResourceIDs{
		IdempotencyKey: key,
		IndexID:        "idx-" + slug + "-" + key,
		SearchAppID:    "app-" + slug + "-" + key,
		DisplayName:    display,
	}
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
