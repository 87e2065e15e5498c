package dunning

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/fatflowers/billing-orchestrator/internal/models"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

// ComputeLevel maps the worst days-overdue to a level. Entities without open
// past-due invoices are at level 0 regardless of history.
func ComputeLevel(maxDaysOverdue int, hasOverdue bool, thresholds [4]int) types.DunningLevel {
	if !hasOverdue {
		return types.DunningLevelNone
	}
	level := types.DunningLevelNone
	for i, threshold := range thresholds {
		if maxDaysOverdue >= threshold {
			level = types.DunningLevel(i + 1)
		}
	}
	return level
}

// Facts summarizes an entity's open past-due invoices at today.
func Facts(invoices []models.Invoice, today time.Time, thresholds [4]int, creditLimit decimal.Decimal) models.DunningFacts {
	total := lo.Reduce(invoices, func(acc decimal.Decimal, inv models.Invoice, _ int) decimal.Decimal {
		return acc.Add(inv.Amount)
	}, decimal.Zero)
	maxDays := lo.Reduce(invoices, func(acc int, inv models.Invoice, _ int) int {
		return max(acc, inv.DaysOverdue(today))
	}, 0)
	return models.DunningFacts{
		EvaluatedOn:         types.DateOf(today).Format(time.DateOnly),
		MaxDaysOverdue:      maxDays,
		TotalOverdueAmount:  total,
		OverdueInvoiceIDs:   lo.Map(invoices, func(inv models.Invoice, _ int) string { return inv.ID }),
		Thresholds:          thresholds,
		CreditLimit:         creditLimit,
		CreditLimitExceeded: creditLimit.IsPositive() && total.GreaterThan(creditLimit),
	}
}

func direction(from, to types.DunningLevel) types.DunningDirection {
	if to > from {
		return types.DunningDirectionEscalation
	}
	return types.DunningDirectionReversal
}
