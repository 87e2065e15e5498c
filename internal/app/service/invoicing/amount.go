package invoicing

import (
	"context"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/ledger"
	"github.com/fatflowers/billing-orchestrator/internal/models"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

// Amount is what a recurring invoice charges.
type Amount struct {
	Total decimal.Decimal
	// UsageIDs are usage records to attach to the invoice once it exists.
	UsageIDs []string
}

// AmountCalculator prices an entity's recurring invoice for a period.
type AmountCalculator interface {
	Compute(ctx context.Context, profile *models.BillingProfile, period types.BillingPeriod) (Amount, error)
}

// UsageAmountCalculator charges the profile's monthly fee plus usage recorded
// before the period started and not yet billed.
type UsageAmountCalculator struct {
	store *ledger.Store
}

func NewUsageAmountCalculator(store *ledger.Store) *UsageAmountCalculator {
	return &UsageAmountCalculator{store: store}
}

func (c *UsageAmountCalculator) Compute(ctx context.Context, profile *models.BillingProfile, period types.BillingPeriod) (Amount, error) {
	start, err := period.Start()
	if err != nil {
		return Amount{}, err
	}
	usage, err := c.store.UnbilledUsage(ctx, profile.EntityID, start)
	if err != nil {
		return Amount{}, err
	}
	total := lo.Reduce(usage, func(acc decimal.Decimal, u models.UsageRecord, _ int) decimal.Decimal {
		return acc.Add(u.Amount)
	}, profile.MonthlyFee)
	return Amount{
		Total:    total,
		UsageIDs: lo.Map(usage, func(u models.UsageRecord, _ int) string { return u.ID }),
	}, nil
}
