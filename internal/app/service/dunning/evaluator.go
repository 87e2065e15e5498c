package dunning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/entitylock"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/ledger"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/phase"
	"github.com/fatflowers/billing-orchestrator/internal/models"
	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
	"github.com/fatflowers/billing-orchestrator/pkg/logctx"
	"github.com/fatflowers/billing-orchestrator/pkg/tool"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

// ErrLogAfterTransition means the level moved but its log row could not be written.
var ErrLogAfterTransition = errors.New("dunning level updated without transition log")

// TransitionObserver is told about every committed level change.
type TransitionObserver interface {
	ObserveTransition(direction types.DunningDirection, to types.DunningLevel)
}

// Evaluator recomputes dunning levels and records transitions.
type Evaluator struct {
	store    *ledger.Store
	cfg      *cfgpkg.Config
	log      *zap.SugaredLogger
	locker   entitylock.Locker
	observer TransitionObserver
}

func NewEvaluator(store *ledger.Store, cfg *cfgpkg.Config, log *zap.SugaredLogger, locker entitylock.Locker, observer TransitionObserver) *Evaluator {
	return &Evaluator{store: store, cfg: cfg, log: log, locker: locker, observer: observer}
}

func (e *Evaluator) Phase() types.Phase { return types.PhaseDunning }

// Evaluation is the outcome for one entity.
type Evaluation struct {
	EntityID string
	From     types.DunningLevel
	To       types.DunningLevel
	Facts    models.DunningFacts
	// Changed is true when this evaluation committed the transition.
	Changed bool
	// Conflict is true when another writer changed the level first.
	Conflict bool
}

// Evaluate marks the entity's past-due pending invoices overdue, recomputes its
// level and, when the level differs, moves it with a conditional update and
// appends a dunning log row. Equal levels write nothing.
func (e *Evaluator) Evaluate(ctx context.Context, entity *models.BillingEntity, profile *models.BillingProfile, pc phase.Context) (*Evaluation, error) {
	if _, err := e.store.MarkOverdue(ctx, entity.ID, pc.Today); err != nil {
		return nil, fmt.Errorf("mark overdue: %w", err)
	}
	invoices, err := e.store.OpenPastDueInvoices(ctx, entity.ID, pc.Today)
	if err != nil {
		return nil, fmt.Errorf("load overdue invoices: %w", err)
	}

	thresholds := profile.DunningThresholds(e.cfg.Billing.DunningThresholdsOrDefault())
	creditLimit := decimal.Zero
	if profile != nil {
		creditLimit = profile.CreditLimit
	}
	facts := Facts(invoices, pc.Today, thresholds, creditLimit)
	to := ComputeLevel(facts.MaxDaysOverdue, len(invoices) > 0, thresholds)

	ev := &Evaluation{EntityID: entity.ID, From: entity.CurrentDunningLevel, To: to, Facts: facts}
	if to == entity.CurrentDunningLevel {
		return ev, nil
	}

	var startedAt *time.Time
	switch {
	case to == types.DunningLevelNone:
	case entity.CurrentDunningLevel == types.DunningLevelNone || entity.DunningStartedAt == nil:
		started := pc.Now
		startedAt = &started
	default:
		startedAt = entity.DunningStartedAt
	}

	ok, err := e.store.CompareAndSetDunningLevel(ctx, entity.ID, entity.CurrentDunningLevel, to, startedAt)
	if err != nil {
		return nil, fmt.Errorf("update dunning level: %w", err)
	}
	if !ok {
		ev.Conflict = true
		return ev, nil
	}
	ev.Changed = true

	dir := direction(ev.From, to)
	entry := &models.DunningLog{
		ID:            tool.GenerateUUIDV7(),
		EntityID:      entity.ID,
		FromLevel:     ev.From,
		ToLevel:       to,
		Direction:     dir,
		Action:        to.Action(),
		Reason:        reason(facts, to),
		ComputedFacts: datatypes.NewJSONType(facts),
		CorrelationID: pc.CorrelationID,
		ExecutedAt:    pc.Now,
	}
	if err := e.store.AppendDunningLog(ctx, entry); err != nil {
		return ev, fmt.Errorf("%w: %d -> %d: %v", ErrLogAfterTransition, ev.From, to, err)
	}
	if e.observer != nil {
		e.observer.ObserveTransition(dir, to)
	}
	logctx.FromCtx(ctx, e.log).Infow("dunning level changed",
		"entity_id", entity.ID, "from", ev.From, "to", to, "action", entry.Action,
		"max_days_overdue", facts.MaxDaysOverdue)
	return ev, nil
}

func reason(f models.DunningFacts, to types.DunningLevel) string {
	if to == types.DunningLevelNone {
		return "no open past-due invoices"
	}
	return fmt.Sprintf("%d days overdue across %d invoice(s), total %s",
		f.MaxDaysOverdue, len(f.OverdueInvoiceIDs), f.TotalOverdueAmount.StringFixed(2))
}

func (e *Evaluator) Run(ctx context.Context, pc phase.Context) (*phase.Tally, error) {
	entities, err := e.store.DunningCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("load dunning candidates: %w", err)
	}
	profiles, err := e.store.ProfilesByEntity(ctx, lo.Map(entities, func(x models.BillingEntity, _ int) string { return x.ID }))
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}

	tally := phase.NewTally()
	pool := phase.Pool{Workers: e.cfg.Billing.Workers, Locker: e.locker, Log: e.log}
	phase.ForEach(ctx, pool, entities,
		func(x models.BillingEntity) string { return x.ID },
		func(ctx context.Context, x models.BillingEntity) (phase.Outcome, error) {
			ev, err := e.Evaluate(ctx, &x, profiles[x.ID], pc)
			if err != nil {
				return nil, err
			}
			switch {
			case ev.Conflict:
				return phase.Done("evaluated", "conflict"), nil
			case !ev.Changed:
				return phase.Done("evaluated", "unchanged"), nil
			case ev.To > ev.From:
				return phase.Done("evaluated", "escalated"), nil
			default:
				return phase.Done("evaluated", "reversed"), nil
			}
		}, tally)
	return tally, nil
}
