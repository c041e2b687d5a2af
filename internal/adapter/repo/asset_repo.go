package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"r2v/internal/domain"
	"r2v/internal/infra"
	"r2v/internal/sqlinline"
)

// AssetRepositoryPG reads marketplace listings and records downloads.
type AssetRepositoryPG struct {
	db infra.SQLExecutor
}

// NewAssetRepository constructs a new asset repository instance.
func NewAssetRepository(db infra.SQLExecutor) *AssetRepositoryPG {
	return &AssetRepositoryPG{db: db}
}

// GetByID loads one listing.
func (r *AssetRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Asset, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	var (
		asset      domain.Asset
		visibility string
		tags       []byte
		previews   []byte
		metadata   []byte
	)
	err := r.db.QueryRow(ctx, sqlinline.QGetAsset, id).Scan(
		&asset.ID,
		&asset.CreatorID,
		&asset.Title,
		&asset.Description,
		&tags,
		&asset.License,
		&visibility,
		&asset.IsPaid,
		&asset.Price,
		&asset.Currency,
		&asset.ModelObjectKey,
		&asset.ThumbObjectKey,
		&previews,
		&metadata,
		&asset.PublishedAt,
		&asset.CreatedAt,
	)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	asset.Visibility = domain.Visibility(visibility)
	if err := unmarshalInto(tags, &asset.Tags); err != nil {
		return nil, fmt.Errorf("decode asset tags: %w", err)
	}
	if err := unmarshalInto(previews, &asset.PreviewObjectKeys); err != nil {
		return nil, fmt.Errorf("decode asset previews: %w", err)
	}
	if err := unmarshalInto(metadata, &asset.Metadata); err != nil {
		return nil, fmt.Errorf("decode asset metadata: %w", err)
	}
	return &asset, nil
}

// Create inserts a draft listing. A missing ID is generated.
func (r *AssetRepositoryPG) Create(ctx context.Context, asset *domain.Asset) error {
	if asset == nil {
		return fmt.Errorf("%w: asset is required", domain.ErrInvalidInput)
	}
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	tags, err := marshalList(asset.Tags)
	if err != nil {
		return err
	}
	previews, err := marshalList(asset.PreviewObjectKeys)
	if err != nil {
		return err
	}
	metadata, err := marshalObject(asset.Metadata)
	if err != nil {
		return err
	}
	asset.Visibility = domain.VisibilityDraft
	err = r.db.QueryRow(ctx, sqlinline.QInsertAsset,
		asset.ID, asset.CreatorID, asset.Title, asset.Description, tags, asset.License,
		asset.IsPaid, asset.Price, asset.Currency, asset.ModelObjectKey, asset.ThumbObjectKey,
		previews, metadata,
	).Scan(&asset.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// Publish flips a listing to published and stamps published_at.
func (r *AssetRepositoryPG) Publish(ctx context.Context, id string) (time.Time, error) {
	if _, err := uuid.Parse(id); err != nil {
		return time.Time{}, domain.ErrNotFound
	}
	var publishedAt time.Time
	if err := r.db.QueryRow(ctx, sqlinline.QPublishAsset, id).Scan(&publishedAt); err != nil {
		if infra.IsNoRows(err) {
			return time.Time{}, domain.ErrNotFound
		}
		return time.Time{}, fmt.Errorf("publish asset: %w", err)
	}
	return publishedAt, nil
}

// Record inserts a download event.
func (r *AssetRepositoryPG) Record(ctx context.Context, d *domain.Download) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	err := r.db.QueryRow(ctx, sqlinline.QInsertDownload,
		d.ID, d.UserID, d.AssetID, d.IP, d.UserAgent, d.Country,
	).Scan(&d.CreatedAt)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

var (
	_ domain.AssetRepository    = (*AssetRepositoryPG)(nil)
	_ domain.DownloadRepository = (*AssetRepositoryPG)(nil)
)
