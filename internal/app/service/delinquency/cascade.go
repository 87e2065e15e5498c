package delinquency

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/entitylock"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/ledger"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/phase"
	subsvc "github.com/fatflowers/billing-orchestrator/internal/app/service/subscription"
	"github.com/fatflowers/billing-orchestrator/internal/models"
	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
	"github.com/fatflowers/billing-orchestrator/pkg/logctx"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

// Cascade applies partner delinquency thresholds to overdue subscription
// invoices: warning moves the subscription past due, full block cancels it
// and deactivates the tenant.
type Cascade struct {
	store  *ledger.Store
	subs   *subsvc.Service
	cfg    *cfgpkg.Config
	log    *zap.SugaredLogger
	locker entitylock.Locker
}

func NewCascade(store *ledger.Store, subs *subsvc.Service, cfg *cfgpkg.Config, log *zap.SugaredLogger, locker entitylock.Locker) *Cascade {
	return &Cascade{store: store, subs: subs, cfg: cfg, log: log, locker: locker}
}

func (c *Cascade) Phase() types.Phase { return types.PhaseDelinquency }

// target is one subscription with its overdue invoices and the thresholds of
// the partner owning its tenant.
type target struct {
	sub        *models.Subscription
	invoices   []models.Invoice
	thresholds models.DelinquencyThresholds
}

func (c *Cascade) defaults() models.DelinquencyThresholds {
	d := c.cfg.Billing.Delinquency
	return models.DelinquencyThresholds{WarningDays: d.WarningDays, PartialBlockDays: d.PartialBlockDays, FullBlockDays: d.FullBlockDays}
}

func (c *Cascade) Run(ctx context.Context, pc phase.Context) (*phase.Tally, error) {
	targets, err := c.loadTargets(ctx, pc)
	if err != nil {
		return nil, err
	}
	tally := phase.NewTally()
	tally.Add("subscriptions", len(targets))
	pool := phase.Pool{Workers: c.cfg.Billing.Workers, Locker: c.locker, Log: c.log}
	phase.ForEach(ctx, pool, targets,
		func(t target) string { return t.sub.ID },
		func(ctx context.Context, t target) (phase.Outcome, error) {
			return c.Apply(ctx, t.sub, t.invoices, t.thresholds, pc)
		}, tally)
	return tally, nil
}

func (c *Cascade) loadTargets(ctx context.Context, pc phase.Context) ([]target, error) {
	invoices, err := c.store.PastDueSubscriptionInvoices(ctx, pc.Today)
	if err != nil {
		return nil, fmt.Errorf("load overdue subscription invoices: %w", err)
	}
	bySub := lo.GroupBy(invoices, func(inv models.Invoice) string { return *inv.SubscriptionID })
	subs, err := c.store.SubscriptionsByID(ctx, lo.Keys(bySub))
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	tenants, err := c.store.EntitiesByID(ctx, lo.Uniq(lo.MapToSlice(subs, func(_ string, s *models.Subscription) string { return s.TenantID })))
	if err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	partnerIDs := lo.Uniq(lo.FilterMap(lo.Values(tenants), func(t *models.BillingEntity, _ int) (string, bool) {
		if t.PartnerID == nil {
			return "", false
		}
		return *t.PartnerID, true
	}))
	profiles, err := c.store.ProfilesByEntity(ctx, partnerIDs)
	if err != nil {
		return nil, fmt.Errorf("load partner profiles: %w", err)
	}

	out := make([]target, 0, len(bySub))
	for subID, invs := range bySub {
		sub, ok := subs[subID]
		if !ok {
			logctx.FromCtx(ctx, c.log).Warnw("overdue invoice references missing subscription", "subscription_id", subID)
			continue
		}
		var profile *models.BillingProfile
		if tenant := tenants[sub.TenantID]; tenant != nil && tenant.PartnerID != nil {
			profile = profiles[*tenant.PartnerID]
		}
		out = append(out, target{sub: sub, invoices: invs, thresholds: profile.Delinquency(c.defaults())})
	}
	return out, nil
}

// Apply runs the cascade for one subscription. Each step is conditional, so
// re-running it converges on the same end state.
func (c *Cascade) Apply(ctx context.Context, sub *models.Subscription, invoices []models.Invoice, th models.DelinquencyThresholds, pc phase.Context) (phase.Outcome, error) {
	out := phase.Outcome{}
	maxDays := 0
	var worst *models.Invoice
	for i := range invoices {
		inv := &invoices[i]
		if inv.Status == types.InvoiceStatusPending {
			marked, err := c.store.MarkInvoiceOverdue(ctx, inv.ID)
			if err != nil {
				return nil, fmt.Errorf("mark invoice %s overdue: %w", inv.ID, err)
			}
			if marked {
				out = append(out, "marked_overdue")
			}
		}
		if d := inv.DaysOverdue(pc.Today); worst == nil || d > maxDays {
			maxDays, worst = d, inv
		}
	}
	extra := func() datatypes.JSONMap {
		m := datatypes.JSONMap{"days_overdue": maxDays}
		if worst != nil {
			m["invoice_id"] = worst.ID
		}
		return m
	}

	switch {
	case maxDays >= th.FullBlockDays:
		canceled, err := c.subs.Transition(ctx, sub, subsvc.Change{
			To:     types.SubscriptionStatusCanceled,
			Reason: types.SubscriptionChangeReasonFullBlock,
			Fields: map[string]any{"canceled_at": pc.Now},
			Extra:  extra(),
		})
		if err != nil {
			return nil, err
		}
		if canceled {
			out = append(out, "canceled")
		} else if sub.Status != types.SubscriptionStatusCanceled {
			// another writer moved the subscription; the next run re-evaluates it
			return append(out, "conflict"), nil
		}
		deactivated, err := c.store.DeactivateTenant(ctx, sub.TenantID)
		if err != nil {
			return nil, fmt.Errorf("deactivate tenant %s: %w", sub.TenantID, err)
		}
		if deactivated {
			out = append(out, "tenant_deactivated")
			logctx.FromCtx(ctx, c.log).Infow("tenant deactivated", "tenant_id", sub.TenantID, "subscription_id", sub.ID, "days_overdue", maxDays)
		}
	case maxDays >= th.WarningDays:
		if sub.Status == types.SubscriptionStatusTrial || sub.Status == types.SubscriptionStatusActive {
			moved, err := c.subs.Transition(ctx, sub, subsvc.Change{
				To:     types.SubscriptionStatusPastDue,
				Reason: types.SubscriptionChangeReasonPastDue,
				Extra:  extra(),
			})
			if err != nil {
				return nil, err
			}
			if moved {
				out = append(out, "past_due")
			}
		}
		if maxDays >= th.PartialBlockDays {
			out = append(out, "partial_blocked")
		}
	default:
		out = append(out, "within_grace")
	}
	return out, nil
}
