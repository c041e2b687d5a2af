package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"r2v/internal/domain"
	"r2v/internal/infra"
	"r2v/internal/sqlinline"
)

// EntitlementRepositoryPG answers purchase and subscription lookups.
type EntitlementRepositoryPG struct {
	db infra.SQLExecutor
}

func NewEntitlementRepository(db infra.SQLExecutor) *EntitlementRepositoryPG {
	return &EntitlementRepositoryPG{db: db}
}

func (r *EntitlementRepositoryPG) HasSucceededPurchase(ctx context.Context, userID, assetID string) (bool, error) {
	var ok bool
	if err := r.db.QueryRow(ctx, sqlinline.QHasSucceededPurchase, userID, assetID).Scan(&ok); err != nil {
		return false, fmt.Errorf("lookup purchase: %w", err)
	}
	return ok, nil
}

func (r *EntitlementRepositoryPG) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	var ok bool
	if err := r.db.QueryRow(ctx, sqlinline.QHasActiveSubscription, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("lookup subscription: %w", err)
	}
	return ok, nil
}

// GrantSubscription upserts a manual subscription row for userID. Used by the
// admin CLI; billing integrations write the same table.
func (r *EntitlementRepositoryPG) GrantSubscription(ctx context.Context, userID, status string) error {
	if _, err := uuid.Parse(userID); err != nil {
		return fmt.Errorf("%w: user id must be a uuid", domain.ErrInvalidInput)
	}
	customer := "manual-" + userID
	_, err := r.db.Exec(ctx, sqlinline.QUpsertSubscription, uuid.NewString(), userID, customer, customer, status)
	if err != nil {
		return fmt.Errorf("grant subscription: %w", err)
	}
	return nil
}

var _ domain.EntitlementRecords = (*EntitlementRepositoryPG)(nil)
