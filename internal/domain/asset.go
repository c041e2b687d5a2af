package domain

import (
	"path"
	"strings"
	"time"
)

// Visibility of a marketplace listing.
type Visibility string

const (
	VisibilityDraft     Visibility = "draft"
	VisibilityPublished Visibility = "published"
)

// Asset is a marketplace listing. Listings start as drafts and are published
// by their creator once a model is attached.
type Asset struct {
	ID                string
	CreatorID         string
	Title             string
	Description       *string
	Tags              []string
	License           *string
	Visibility        Visibility
	IsPaid            bool
	Price             int
	Currency          string
	ModelObjectKey    string
	ThumbObjectKey    *string
	PreviewObjectKeys []string
	Metadata          map[string]any
	PublishedAt       *time.Time
	CreatedAt         time.Time
}

// Published reports whether the listing is publicly visible.
func (a *Asset) Published() bool {
	return a != nil && a.Visibility == VisibilityPublished
}

// FormatKey looks up an alternate object key in metadata.format_keys. The map
// may be keyed with or without the leading dot.
func (a *Asset) FormatKey(ext string) (string, bool) {
	if a == nil || a.Metadata == nil {
		return "", false
	}
	formats, ok := a.Metadata["format_keys"].(map[string]any)
	if !ok {
		return "", false
	}
	for _, candidate := range []string{ext, strings.TrimPrefix(ext, ".")} {
		if key, ok := formats[candidate].(string); ok && key != "" {
			return key, true
		}
	}
	return "", false
}

// ModelExtension returns the lowercase extension of the primary model key.
func (a *Asset) ModelExtension() string {
	if a == nil {
		return ""
	}
	return strings.ToLower(path.Ext(a.ModelObjectKey))
}

// Purchase statuses and subscription statuses that grant access.
const (
	PurchaseSucceeded    = "succeeded"
	SubscriptionActive   = "active"
	SubscriptionTrialing = "trialing"
)

// Download is one recorded asset download.
type Download struct {
	ID        string
	UserID    string
	AssetID   string
	IP        string
	UserAgent string
	Country   string
	CreatedAt time.Time
}
