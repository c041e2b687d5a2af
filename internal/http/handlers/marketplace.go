package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"r2v/internal/domain"
	"r2v/internal/middleware"
	"r2v/internal/storage"
)

type entitlementOut struct {
	AssetID  string `json:"asset_id"`
	Entitled bool   `json:"entitled"`
	Reason   string `json:"reason"`
}

type assetPresignIn struct {
	Kind        string `json:"kind"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type assetPresignOut struct {
	URL string `json:"url"`
	Key string `json:"key"`
}

func (a *App) loadAsset(w http.ResponseWriter, r *http.Request) *domain.Asset {
	asset, err := a.Assets.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "Not found")
			return nil
		}
		a.internal(w, r, err, "load asset failed")
		return nil
	}
	return asset
}

// normalizeFormat lowercases a requested format and gives it a leading dot.
func normalizeFormat(raw string) string {
	cleaned := strings.ToLower(strings.TrimSpace(raw))
	if cleaned == "" {
		return ""
	}
	if !strings.HasPrefix(cleaned, ".") {
		cleaned = "." + cleaned
	}
	return cleaned
}

// DownloadAsset handles GET /api/marketplace/assets/{id}/download.
func (a *App) DownloadAsset(w http.ResponseWriter, r *http.Request) {
	asset := a.loadAsset(w, r)
	if asset == nil {
		return
	}
	userID := a.currentUserID(r)
	decision, err := a.Entitlement.Check(r.Context(), userID, asset)
	if err != nil {
		a.internal(w, r, err, "entitlement check failed")
		return
	}
	if !decision.Entitled {
		a.error(w, http.StatusForbidden, "forbidden", "Not entitled to download")
		return
	}

	objectKey := asset.ModelObjectKey
	if format := normalizeFormat(r.URL.Query().Get("format")); format != "" {
		if mapped, ok := asset.FormatKey(format); ok {
			objectKey = mapped
		}
		if objectKey == asset.ModelObjectKey && asset.ModelExtension() != format {
			a.error(w, http.StatusBadRequest, "bad_request", "Format not available")
			return
		}
	}

	expiry := a.downloadExpiry()
	url, err := a.Storage.PresignGet(r.Context(), a.Buckets.MarketModels, objectKey, expiry)
	if err != nil {
		a.internal(w, r, err, "presign download failed")
		return
	}
	download := &domain.Download{
		UserID:    userID,
		AssetID:   asset.ID,
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
		Country:   middleware.CountryFromContext(r.Context()),
	}
	if err := a.Downloads.Record(r.Context(), download); err != nil {
		a.internal(w, r, err, "record download failed")
		return
	}
	a.json(w, http.StatusOK, downloadOut{URL: url, ExpiresIn: int(expiry / time.Second)})
}

// AssetEntitlement handles GET /api/marketplace/assets/{id}/entitlement.
func (a *App) AssetEntitlement(w http.ResponseWriter, r *http.Request) {
	asset := a.loadAsset(w, r)
	if asset == nil {
		return
	}
	decision, err := a.Entitlement.Check(r.Context(), a.currentUserID(r), asset)
	if err != nil {
		a.internal(w, r, err, "entitlement check failed")
		return
	}
	a.json(w, http.StatusOK, entitlementOut{AssetID: asset.ID, Entitled: decision.Entitled, Reason: decision.Reason})
}

// PresignAsset handles POST /api/marketplace/assets/presign.
func (a *App) PresignAsset(w http.ResponseWriter, r *http.Request) {
	var in assetPresignIn
	if !a.decode(w, r, &in) {
		return
	}
	kind := strings.ToLower(strings.TrimSpace(in.Kind))
	var bucket, contentType string
	switch kind {
	case "model":
		bucket = a.Buckets.MarketModels
	case "thumb":
		bucket = a.Buckets.MarketThumbs
		contentType = in.ContentType
	default:
		a.error(w, http.StatusBadRequest, "bad_request", "kind must be model|thumb")
		return
	}
	if strings.TrimSpace(in.Filename) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "filename is required")
		return
	}

	key := storage.MarketplaceKey(a.currentUserID(r), kind, in.Filename)
	url, err := a.Storage.PresignPut(r.Context(), bucket, key, a.uploadExpiry(), contentType)
	if err != nil {
		a.internal(w, r, err, "presign upload failed")
		return
	}
	a.json(w, http.StatusOK, assetPresignOut{URL: url, Key: key})
}

const maxTitleLength = 200

type assetCreateIn struct {
	Title             string         `json:"title"`
	Description       *string        `json:"description"`
	Tags              []string       `json:"tags"`
	IsPaid            bool           `json:"is_paid"`
	Price             int            `json:"price"`
	Currency          string         `json:"currency"`
	License           *string        `json:"license"`
	ModelObjectKey    string         `json:"model_object_key"`
	ThumbObjectKey    *string        `json:"thumb_object_key"`
	PreviewObjectKeys []string       `json:"preview_object_keys"`
	Metadata          map[string]any `json:"metadata"`
}

type assetOut struct {
	ID                string         `json:"id"`
	CreatorID         string         `json:"creator_id"`
	Title             string         `json:"title"`
	Description       *string        `json:"description"`
	Tags              []string       `json:"tags"`
	License           *string        `json:"license"`
	Visibility        string         `json:"visibility"`
	IsPaid            bool           `json:"is_paid"`
	Price             int            `json:"price"`
	Currency          string         `json:"currency"`
	ModelObjectKey    string         `json:"model_object_key"`
	ThumbObjectKey    *string        `json:"thumb_object_key"`
	PreviewObjectKeys []string       `json:"preview_object_keys"`
	Metadata          map[string]any `json:"metadata"`
	PublishedAt       *time.Time     `json:"published_at"`
	CreatedAt         time.Time      `json:"created_at"`
}

func toAssetOut(asset *domain.Asset) assetOut {
	out := assetOut{
		ID:                asset.ID,
		CreatorID:         asset.CreatorID,
		Title:             asset.Title,
		Description:       asset.Description,
		Tags:              asset.Tags,
		License:           asset.License,
		Visibility:        string(asset.Visibility),
		IsPaid:            asset.IsPaid,
		Price:             asset.Price,
		Currency:          asset.Currency,
		ModelObjectKey:    asset.ModelObjectKey,
		ThumbObjectKey:    asset.ThumbObjectKey,
		PreviewObjectKeys: asset.PreviewObjectKeys,
		Metadata:          asset.Metadata,
		PublishedAt:       asset.PublishedAt,
		CreatedAt:         asset.CreatedAt,
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	if out.PreviewObjectKeys == nil {
		out.PreviewObjectKeys = []string{}
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	return out
}

// validate normalizes in and returns the first problem found. Object keys
// must point at the caller's own marketplace uploads.
func (in *assetCreateIn) validate(userID string) string {
	in.Title = strings.TrimSpace(in.Title)
	switch {
	case in.Title == "":
		return "title is required"
	case len([]rune(in.Title)) > maxTitleLength:
		return "title must be at most 200 characters"
	case in.Price < 0:
		return "price must not be negative"
	case in.IsPaid && in.Price == 0:
		return "paid assets need a price"
	}
	in.Currency = strings.ToLower(strings.TrimSpace(in.Currency))
	if in.Currency == "" {
		in.Currency = "usd"
	}
	if len(in.Currency) != 3 {
		return "currency must be a 3-letter code"
	}
	in.ModelObjectKey = strings.TrimSpace(in.ModelObjectKey)
	if in.ModelObjectKey != "" && !strings.HasPrefix(in.ModelObjectKey, storage.MarketplacePrefix(userID, "model")) {
		return "model_object_key must reference your model upload"
	}
	thumbPrefix := storage.MarketplacePrefix(userID, "thumb")
	if in.ThumbObjectKey != nil && !strings.HasPrefix(*in.ThumbObjectKey, thumbPrefix) {
		return "thumb_object_key must reference your thumb upload"
	}
	for _, key := range in.PreviewObjectKeys {
		if !strings.HasPrefix(key, thumbPrefix) {
			return "preview_object_keys must reference your thumb uploads"
		}
	}
	tags := make([]string, 0, len(in.Tags))
	for _, tag := range in.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			tags = append(tags, tag)
		}
	}
	in.Tags = tags
	return ""
}

// CreateAsset handles POST /api/marketplace/assets. New listings are drafts.
func (a *App) CreateAsset(w http.ResponseWriter, r *http.Request) {
	var in assetCreateIn
	if !a.decode(w, r, &in) {
		return
	}
	userID := a.currentUserID(r)
	if problem := in.validate(userID); problem != "" {
		a.error(w, http.StatusBadRequest, "bad_request", problem)
		return
	}
	asset := &domain.Asset{
		CreatorID:         userID,
		Title:             in.Title,
		Description:       in.Description,
		Tags:              in.Tags,
		License:           in.License,
		IsPaid:            in.IsPaid,
		Price:             in.Price,
		Currency:          in.Currency,
		ModelObjectKey:    in.ModelObjectKey,
		ThumbObjectKey:    in.ThumbObjectKey,
		PreviewObjectKeys: in.PreviewObjectKeys,
		Metadata:          in.Metadata,
	}
	if err := a.Assets.Create(r.Context(), asset); err != nil {
		a.internal(w, r, err, "create asset failed")
		return
	}
	a.json(w, http.StatusCreated, toAssetOut(asset))
}

// PublishAsset handles POST /api/marketplace/assets/{id}/publish. Only the
// creator may publish, and only once a model is attached.
func (a *App) PublishAsset(w http.ResponseWriter, r *http.Request) {
	asset := a.loadAsset(w, r)
	if asset == nil {
		return
	}
	if asset.CreatorID != a.currentUserID(r) {
		a.error(w, http.StatusForbidden, "forbidden", "Forbidden")
		return
	}
	if strings.TrimSpace(asset.ModelObjectKey) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "model_object_key is required")
		return
	}
	publishedAt, err := a.Assets.Publish(r.Context(), asset.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "Not found")
			return
		}
		a.internal(w, r, err, "publish asset failed")
		return
	}
	asset.Visibility = domain.VisibilityPublished
	asset.PublishedAt = &publishedAt
	a.json(w, http.StatusOK, toAssetOut(asset))
}
