package entitlement

import (
	"context"
	"fmt"

	"r2v/internal/domain"
)

// Reasons reported alongside a decision.
const (
	ReasonAssetNotPublished = "asset_not_published"
	ReasonFree              = "free"
	ReasonPurchase          = "purchase"
	ReasonSubscription      = "subscription"
	ReasonNotEntitled       = "not_entitled"
)

// Decision is the outcome of an entitlement check.
type Decision struct {
	Entitled bool
	Reason   string
}

// Checker decides whether a user may download an asset. Rules are evaluated
// in order and the first match wins.
type Checker struct {
	records domain.EntitlementRecords
}

func NewChecker(records domain.EntitlementRecords) *Checker {
	return &Checker{records: records}
}

// Check never mutates state.
func (c *Checker) Check(ctx context.Context, userID string, asset *domain.Asset) (Decision, error) {
	if !asset.Published() {
		return Decision{Reason: ReasonAssetNotPublished}, nil
	}
	if !asset.IsPaid {
		return Decision{Entitled: true, Reason: ReasonFree}, nil
	}
	purchased, err := c.records.HasSucceededPurchase(ctx, userID, asset.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("entitlement: %w", err)
	}
	if purchased {
		return Decision{Entitled: true, Reason: ReasonPurchase}, nil
	}
	subscribed, err := c.records.HasActiveSubscription(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("entitlement: %w", err)
	}
	if subscribed {
		return Decision{Entitled: true, Reason: ReasonSubscription}, nil
	}
	return Decision{Reason: ReasonNotEntitled}, nil
}
