package invoicing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/entitylock"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/ledger"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/phase"
	"github.com/fatflowers/billing-orchestrator/internal/models"
	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
	"github.com/fatflowers/billing-orchestrator/pkg/logctx"
	"github.com/fatflowers/billing-orchestrator/pkg/tool"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

// Generator issues one recurring invoice per active billing entity per period.
type Generator struct {
	store  *ledger.Store
	calc   AmountCalculator
	cfg    *cfgpkg.Config
	log    *zap.SugaredLogger
	locker entitylock.Locker
}

func NewGenerator(store *ledger.Store, calc AmountCalculator, cfg *cfgpkg.Config, log *zap.SugaredLogger, locker entitylock.Locker) *Generator {
	return &Generator{store: store, calc: calc, cfg: cfg, log: log, locker: locker}
}

func (g *Generator) Phase() types.Phase { return types.PhaseInvoiceGeneration }

// Result of GenerateOrReturn. Existing is true when the invoice was already there.
type Result struct {
	Invoice  *models.Invoice
	Existing bool
}

// GenerateOrReturn returns the entity's recurring invoice for the period,
// creating it if none exists. Losing a creation race returns the winner's invoice.
// An existing invoice also takes over priced usage that was left unclaimed.
func (g *Generator) GenerateOrReturn(ctx context.Context, profile *models.BillingProfile, pc phase.Context) (*Result, error) {
	existing, err := g.store.RecurringInvoice(ctx, profile.EntityID, pc.Period)
	if err != nil {
		return nil, fmt.Errorf("lookup invoice: %w", err)
	}
	if existing != nil {
		return g.existing(ctx, existing, pc)
	}

	amount, err := g.calc.Compute(ctx, profile, pc.Period)
	if err != nil {
		return nil, fmt.Errorf("compute amount: %w", err)
	}

	inv := &models.Invoice{
		ID:            tool.GenerateUUIDV7(),
		EntityID:      profile.EntityID,
		Period:        pc.Period.String(),
		Kind:          types.InvoiceKindRecurring,
		Amount:        amount.Total,
		Currency:      profile.Currency,
		DueDate:       DueDate(pc.Today, g.graceDays(profile)),
		Status:        types.InvoiceStatusPending,
		CorrelationID: pc.CorrelationID,
	}
	if err := g.store.CreateInvoiceWithUsage(ctx, inv, amount.UsageIDs); err != nil {
		if errors.Is(err, ledger.ErrUsageConflict) {
			return nil, fmt.Errorf("create invoice: %w", err)
		}
		winner, lookupErr := g.store.RecurringInvoice(ctx, profile.EntityID, pc.Period)
		if lookupErr == nil && winner != nil {
			return g.existing(ctx, winner, pc)
		}
		return nil, fmt.Errorf("create invoice: %w", err)
	}
	return &Result{Invoice: inv}, nil
}

func (g *Generator) existing(ctx context.Context, inv *models.Invoice, pc phase.Context) (*Result, error) {
	start, err := pc.Period.Start()
	if err != nil {
		return nil, err
	}
	n, err := g.store.ClaimStrandedUsage(ctx, inv, start)
	if err != nil {
		return nil, fmt.Errorf("claim stranded usage for invoice %s: %w", inv.ID, err)
	}
	if n > 0 {
		logctx.FromCtx(ctx, g.log).Warnw("claimed stranded usage", "entity_id", inv.EntityID, "invoice_id", inv.ID, "rows", n)
	}
	return &Result{Invoice: inv, Existing: true}, nil
}

func (g *Generator) graceDays(p *models.BillingProfile) int {
	if p.GracePeriodDays > 0 {
		return p.GracePeriodDays
	}
	return g.cfg.Billing.DefaultGraceDays
}

func (g *Generator) billingDay(p *models.BillingProfile) int {
	if p.BillingDay > 0 {
		return p.BillingDay
	}
	return g.cfg.Billing.DefaultBillingDay
}

func (g *Generator) Run(ctx context.Context, pc phase.Context) (*phase.Tally, error) {
	profiles, err := g.store.ActiveProfiles(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active profiles: %w", err)
	}
	tally := phase.NewTally()
	due := lo.Filter(profiles, func(p models.BillingProfile, _ int) bool {
		return IsBillingDay(pc.Today, g.billingDay(&p))
	})
	tally.Add("eligible", len(due))
	tally.Add("not_billing_day", len(profiles)-len(due))

	pool := phase.Pool{Workers: g.cfg.Billing.Workers, Locker: g.locker, Log: g.log}
	phase.ForEach(ctx, pool, due,
		func(p models.BillingProfile) string { return p.EntityID },
		func(ctx context.Context, p models.BillingProfile) (phase.Outcome, error) {
			res, err := g.GenerateOrReturn(ctx, &p, pc)
			if err != nil {
				return nil, err
			}
			if res.Existing {
				return phase.Done("existing"), nil
			}
			return phase.Done("created"), nil
		}, tally)
	return tally, nil
}

// IsBillingDay reports whether today is the billing day of the month. Billing
// days past the end of a short month fall on its last day.
func IsBillingDay(today time.Time, billingDay int) bool {
	if billingDay < 1 {
		billingDay = 1
	}
	y, m, d := today.Date()
	last := time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return d == min(billingDay, last)
}

// DueDate is today plus the grace period, at midnight UTC.
func DueDate(today time.Time, graceDays int) time.Time {
	return types.DateOf(today).AddDate(0, 0, max(graceDays, 0))
}
