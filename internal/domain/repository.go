package domain

import (
	"context"
	"time"
)

// JobRepository is the durable Job Store shared by the API and the workers.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, kind JobKind, id string) (*Job, error)
	ListByUser(ctx context.Context, kind JobKind, userID string, limit, offset int) ([]*Job, error)
	// Save persists status, progress, outputs, timings and error of a run.
	Save(ctx context.Context, job *Job) error
	// AppendInputKey adds one key to a scan job's ordered input list.
	AppendInputKey(ctx context.Context, id, key string) error
	// MarkQueued resets a job to queued with progress 0.
	MarkQueued(ctx context.Context, kind JobKind, id string) (*Job, error)
}

// AssetRepository stores marketplace listings.
type AssetRepository interface {
	GetByID(ctx context.Context, id string) (*Asset, error)
	// Create inserts a draft listing and fills ID and CreatedAt.
	Create(ctx context.Context, asset *Asset) error
	// Publish marks the listing published and returns the publish time.
	Publish(ctx context.Context, id string) (time.Time, error)
}

// EntitlementRecords answers the purchase and subscription questions asked by
// the entitlement checker.
type EntitlementRecords interface {
	HasSucceededPurchase(ctx context.Context, userID, assetID string) (bool, error)
	HasActiveSubscription(ctx context.Context, userID string) (bool, error)
}

// DownloadRepository records download events.
type DownloadRepository interface {
	Record(ctx context.Context, d *Download) error
}
