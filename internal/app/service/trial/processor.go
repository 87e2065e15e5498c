package trial

import (
	"context"
	"errors"
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
	"github.com/fatflowers/billing-orchestrator/pkg/tool"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

var ErrPlanNotFound = errors.New("plan not found")

// Processor converts expired trials: free plans become active, paid plans get
// an invoice and go past due until it is paid.
type Processor struct {
	store  *ledger.Store
	subs   *subsvc.Service
	cfg    *cfgpkg.Config
	log    *zap.SugaredLogger
	locker entitylock.Locker
}

func NewProcessor(store *ledger.Store, subs *subsvc.Service, cfg *cfgpkg.Config, log *zap.SugaredLogger, locker entitylock.Locker) *Processor {
	return &Processor{store: store, subs: subs, cfg: cfg, log: log, locker: locker}
}

func (p *Processor) Phase() types.Phase { return types.PhaseTrialExpiry }

func (p *Processor) Run(ctx context.Context, pc phase.Context) (*phase.Tally, error) {
	subs, err := p.store.ExpiredTrials(ctx, pc.Now)
	if err != nil {
		return nil, fmt.Errorf("load expired trials: %w", err)
	}
	plans, err := p.store.PlansByID(ctx, lo.Uniq(lo.Map(subs, func(s models.Subscription, _ int) string { return s.PlanID })))
	if err != nil {
		return nil, fmt.Errorf("load plans: %w", err)
	}

	tally := phase.NewTally()
	tally.Add("expired", len(subs))
	pool := phase.Pool{Workers: p.cfg.Billing.Workers, Locker: p.locker, Log: p.log}
	phase.ForEach(ctx, pool, subs,
		func(s models.Subscription) string { return s.ID },
		func(ctx context.Context, s models.Subscription) (phase.Outcome, error) {
			return p.Expire(ctx, &s, plans[s.PlanID], pc)
		}, tally)
	return tally, nil
}

// Expire handles one expired trial. Re-running it after a partial failure
// reuses the open invoice instead of issuing another.
func (p *Processor) Expire(ctx context.Context, sub *models.Subscription, plan *models.Plan, pc phase.Context) (phase.Outcome, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, sub.PlanID)
	}
	if plan.IsFree() {
		return p.activate(ctx, sub, plan, pc)
	}
	return p.charge(ctx, sub, plan, pc)
}

func (p *Processor) activate(ctx context.Context, sub *models.Subscription, plan *models.Plan, pc phase.Context) (phase.Outcome, error) {
	start := pc.Now
	end := start.AddDate(0, 0, p.cfg.Billing.FreePlanPeriodDays)
	ok, err := p.subs.Transition(ctx, sub, subsvc.Change{
		To:     types.SubscriptionStatusActive,
		Reason: types.SubscriptionChangeReasonTrialConverted,
		Fields: map[string]any{"current_period_start": start, "current_period_end": end},
		Extra:  datatypes.JSONMap{"plan_id": plan.ID},
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return phase.Done("already_converted"), nil
	}
	return phase.Done("activated"), nil
}

func (p *Processor) charge(ctx context.Context, sub *models.Subscription, plan *models.Plan, pc phase.Context) (phase.Outcome, error) {
	out := phase.Outcome{}
	inv, err := p.store.OpenSubscriptionInvoice(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("lookup subscription invoice: %w", err)
	}
	if inv == nil {
		amount := sub.MonthlyAmount
		if !amount.IsPositive() {
			amount = plan.MonthlyPrice
		}
		inv = &models.Invoice{
			ID:             tool.GenerateUUIDV7(),
			EntityID:       sub.TenantID,
			Period:         pc.Period.String(),
			SubscriptionID: lo.ToPtr(sub.ID),
			Kind:           types.InvoiceKindTrialConversion,
			Amount:         amount,
			Currency:       plan.Currency,
			DueDate:        types.DateOf(pc.Today).AddDate(0, 0, p.cfg.Billing.TrialInvoiceDueDays),
			Status:         types.InvoiceStatusPending,
			CorrelationID:  pc.CorrelationID,
		}
		if err := p.store.CreateInvoice(ctx, inv); err != nil {
			return nil, fmt.Errorf("create trial invoice: %w", err)
		}
		out = append(out, "invoiced")
	} else {
		out = append(out, "invoice_reused")
	}

	ok, err := p.subs.Transition(ctx, sub, subsvc.Change{
		To:     types.SubscriptionStatusPastDue,
		Reason: types.SubscriptionChangeReasonTrialCharged,
		Extra:  datatypes.JSONMap{"invoice_id": inv.ID, "plan_id": plan.ID},
	})
	if err != nil {
		return nil, err
	}
	if ok {
		out = append(out, "past_due")
	}
	return out, nil
}
