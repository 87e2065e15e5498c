package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/delinquency"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/dunning"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/entitylock"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/invoicing"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/ledger"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/ledger/ledgertest"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/phase"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/phaselock"
	subsvc "github.com/fatflowers/billing-orchestrator/internal/app/service/subscription"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/trial"
	"github.com/fatflowers/billing-orchestrator/internal/clock"
	"github.com/fatflowers/billing-orchestrator/internal/models"
	"github.com/fatflowers/billing-orchestrator/internal/platform/db/testdb"
	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
	"github.com/fatflowers/billing-orchestrator/pkg/metrics"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

type stubProcessor struct {
	phase types.Phase
	run   func(ctx context.Context, pc phase.Context) (*phase.Tally, error)
	calls int
}

func (s *stubProcessor) Phase() types.Phase { return s.phase }

func (s *stubProcessor) Run(ctx context.Context, pc phase.Context) (*phase.Tally, error) {
	s.calls++
	return s.run(ctx, pc)
}

func ok(ph types.Phase) *stubProcessor {
	return &stubProcessor{phase: ph, run: func(context.Context, phase.Context) (*phase.Tally, error) {
		t := phase.NewTally()
		t.Inc("done")
		return t, nil
	}}
}

func newOrchestrator(t *testing.T, db *gorm.DB, cfg *cfgpkg.Config, procs ...phase.Processor) *Orchestrator {
	t.Helper()
	log := zap.NewNop().Sugar()
	locks := phaselock.NewManager(db, log, clock.New(), cfg)
	return NewOrchestrator(cfg, log, locks, clock.New(), metrics.NewBilling(prometheus.NewRegistry()), procs...)
}

func day(y int, m time.Month, d int) *time.Time {
	t := ledgertest.Date(y, m, d)
	return &t
}

func phaseRuns(t *testing.T, db *gorm.DB, ph types.Phase) []models.PhaseRun {
	t.Helper()
	var out []models.PhaseRun
	require.NoError(t, db.Where("phase = ?", ph).Order("started_at, id").Find(&out).Error)
	return out
}

func TestRun_OrdersPhasesAndSkipsCompleted(t *testing.T) {
	db := testdb.Open(t)
	procs := []*stubProcessor{ok(types.PhaseDelinquency), ok(types.PhaseInvoiceGeneration), ok(types.PhaseTrialExpiry), ok(types.PhaseDunning)}
	o := newOrchestrator(t, db, cfgpkg.Default(), procs[0], procs[1], procs[2], procs[3])

	s, err := o.Run(context.Background(), RunOptions{Today: day(2026, 5, 1)})
	require.NoError(t, err)
	require.True(t, s.Success)
	assert.Equal(t, "2026-05", s.Period)
	assert.Equal(t, "2026-05-01", s.Today)
	require.Len(t, s.Phases, 4)
	for i, ph := range types.AllPhases {
		assert.Equal(t, ph, s.Phases[i].Phase)
		assert.Equal(t, types.PhaseRunStatusSuccess, s.Phases[i].Status)
		assert.Equal(t, 1, s.Phases[i].Counts["done"])
	}

	again, err := o.Run(context.Background(), RunOptions{Today: day(2026, 5, 1)})
	require.NoError(t, err)
	require.True(t, again.Success)
	for _, ps := range again.Phases {
		assert.True(t, ps.Skipped)
		assert.Equal(t, SkipAlreadyCompleted, ps.SkipReason)
	}
	for _, p := range procs {
		assert.Equal(t, 1, p.calls)
	}
	assert.NotEqual(t, s.CorrelationID, again.CorrelationID)

	next, err := o.Run(context.Background(), RunOptions{Today: day(2026, 5, 2)})
	require.NoError(t, err)
	require.True(t, next.Success)
	for _, ps := range next.Phases {
		assert.False(t, ps.Skipped)
	}
	for _, p := range procs {
		assert.Equal(t, 2, p.calls)
	}
}

func TestSummary_JSONShape(t *testing.T) {
	raw, err := json.Marshal(&Summary{Success: true, CorrelationID: "run_a", Phases: []PhaseSummary{{Phase: types.PhaseDunning, Skipped: true}}})
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "run_a", got["correlation_id"])
	assert.Equal(t, true, got["success"])
	ph := got["phases"].([]any)[0].(map[string]any)
	for _, k := range []string{"phase", "skipped", "counts", "errors"} {
		assert.Contains(t, ph, k)
	}
}

func TestRun_FailureIsolationAndRetry(t *testing.T) {
	db := testdb.Open(t)
	fail := true
	flaky := &stubProcessor{phase: types.PhaseInvoiceGeneration, run: func(context.Context, phase.Context) (*phase.Tally, error) {
		if fail {
			return nil, errors.New("ledger unavailable")
		}
		return phase.NewTally(), nil
	}}
	panicky := &stubProcessor{phase: types.PhaseDunning, run: func(context.Context, phase.Context) (*phase.Tally, error) {
		panic("nil profile")
	}}
	partial := &stubProcessor{phase: types.PhaseTrialExpiry, run: func(context.Context, phase.Context) (*phase.Tally, error) {
		t := phase.NewTally()
		t.Inc("activated")
		t.Fail("sub_bad", errors.New("plan not found"))
		return t, nil
	}}
	last := ok(types.PhaseDelinquency)
	o := newOrchestrator(t, db, cfgpkg.Default(), flaky, panicky, partial, last)

	s, err := o.Run(context.Background(), RunOptions{Today: day(2026, 5, 1), CorrelationID: "run_first"})
	require.NoError(t, err)
	require.False(t, s.Success)
	require.Len(t, s.Phases, 4)
	assert.Equal(t, types.PhaseRunStatusFailed, s.Phases[0].Status)
	assert.Contains(t, s.Phases[0].Errors[0], "ledger unavailable")
	assert.Equal(t, types.PhaseRunStatusFailed, s.Phases[1].Status)
	assert.Contains(t, s.Phases[1].Errors[0], "nil profile")
	assert.Equal(t, types.PhaseRunStatusFailed, s.Phases[2].Status)
	assert.Equal(t, []string{"sub_bad: plan not found"}, s.Phases[2].Errors)
	assert.Equal(t, 1, s.Phases[2].Counts["activated"])
	assert.Equal(t, types.PhaseRunStatusSuccess, s.Phases[3].Status)

	runs := phaseRuns(t, db, types.PhaseInvoiceGeneration)
	require.Len(t, runs, 1)
	assert.Equal(t, types.PhaseRunStatusFailed, runs[0].Status)
	assert.Equal(t, "run_first", runs[0].CorrelationID)
	require.NotNil(t, runs[0].Error)

	fail = false
	s, err = o.Run(context.Background(), RunOptions{Today: day(2026, 5, 1), Phases: []types.Phase{types.PhaseInvoiceGeneration}})
	require.NoError(t, err)
	require.True(t, s.Success)
	require.Len(t, s.Phases, 1)
	assert.Equal(t, types.PhaseRunStatusSuccess, s.Phases[0].Status)
	assert.Len(t, phaseRuns(t, db, types.PhaseInvoiceGeneration), 2)
}

func TestRun_PhaseTimeoutRecordsFailure(t *testing.T) {
	db := testdb.Open(t)
	cfg := cfgpkg.Default()
	cfg.Billing.PhaseTimeout = 20 * time.Millisecond
	slow := &stubProcessor{phase: types.PhaseDunning, run: func(ctx context.Context, _ phase.Context) (*phase.Tally, error) {
		<-ctx.Done()
		return phase.NewTally(), nil
	}}
	o := newOrchestrator(t, db, cfg, slow, ok(types.PhaseTrialExpiry))

	s, err := o.Run(context.Background(), RunOptions{Today: day(2026, 5, 1)})
	require.NoError(t, err)
	require.False(t, s.Success)
	assert.Equal(t, types.PhaseRunStatusFailed, s.Phases[0].Status)
	assert.Contains(t, s.Phases[0].Errors[0], "deadline exceeded")
	assert.Equal(t, types.PhaseRunStatusSuccess, s.Phases[1].Status)

	runs := phaseRuns(t, db, types.PhaseDunning)
	require.Len(t, runs, 1)
	assert.Equal(t, types.PhaseRunStatusFailed, runs[0].Status)
}

func TestRun_HeldLockSkips(t *testing.T) {
	db := testdb.Open(t)
	cfg := cfgpkg.Default()
	locks := phaselock.NewManager(db, zap.NewNop().Sugar(), clock.New(), cfg)
	_, err := locks.AcquireLock(context.Background(), phaselock.Key{JobName: cfg.Billing.JobName, Phase: types.PhaseDunning, RunDate: "2026-05-03"}, "run_other")
	require.NoError(t, err)

	proc := ok(types.PhaseDunning)
	o := newOrchestrator(t, db, cfg, proc)
	s, err := o.Run(context.Background(), RunOptions{Today: day(2026, 5, 3)})
	require.NoError(t, err)
	require.True(t, s.Success)
	assert.True(t, s.Phases[0].Skipped)
	assert.Equal(t, SkipLockHeld, s.Phases[0].SkipReason)
	assert.Zero(t, proc.calls)
}

func TestRun_RejectsUnknownPhase(t *testing.T) {
	db := testdb.Open(t)
	o := newOrchestrator(t, db, cfgpkg.Default(), ok(types.PhaseDunning))
	s, err := o.Run(context.Background(), RunOptions{Phases: []types.Phase{"refunds"}})
	require.ErrorIs(t, err, ErrUnknownPhase)
	require.False(t, s.Success)
	require.NotEmpty(t, s.Error)
}

func TestRun_UsesBillingTimezoneForToday(t *testing.T) {
	db := testdb.Open(t)
	cfg := cfgpkg.Default()
	cfg.Billing.Timezone = "Asia/Tokyo"
	log := zap.NewNop().Sugar()
	// 2026-05-31 20:00 UTC is already June 1st in Tokyo
	clk := clock.Fixed(time.Date(2026, 5, 31, 20, 0, 0, 0, time.UTC))
	o := NewOrchestrator(cfg, log, phaselock.NewManager(db, log, clk, cfg), clk, nil, ok(types.PhaseDunning))

	s, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, "2026-06", s.Period)
	assert.Equal(t, "2026-06-01", s.Today)
}

// newCycle wires the real phases against db.
func newCycle(t *testing.T, db *gorm.DB) *Orchestrator {
	t.Helper()
	cfg := cfgpkg.Default()
	log := zap.NewNop().Sugar()
	store := ledger.NewStore(db)
	locker := entitylock.NewLocalLocker()
	subs := subsvc.NewService(db, log)
	return newOrchestrator(t, db, cfg,
		invoicing.NewGenerator(store, invoicing.NewUsageAmountCalculator(store), cfg, log, locker),
		dunning.NewEvaluator(store, cfg, log, locker, nil),
		trial.NewProcessor(store, subs, cfg, log, locker),
		delinquency.NewCascade(store, subs, cfg, log, locker),
	)
}

func TestCycle_TrialToFullBlock(t *testing.T) {
	db := testdb.Open(t)
	o := newCycle(t, db)
	ctx := context.Background()

	ledgertest.Partner(t, db, "ptn_a")
	ledgertest.Profile(t, db, "ptn_a", func(p *models.BillingProfile) { p.BillingDay = 28 })
	ledgertest.Tenant(t, db, "tnt_a", "ptn_a")
	ledgertest.Plan(t, db, "plan_pro", 49)
	trialEnd := ledgertest.Date(2026, 4, 30).Add(12 * time.Hour)
	ledgertest.Subscription(t, db, "sub_a", "tnt_a", "plan_pro", types.SubscriptionStatusTrial, &trialEnd)

	s, err := o.Run(ctx, RunOptions{Today: day(2026, 5, 1)})
	require.NoError(t, err)
	require.True(t, s.Success, "%+v", s)
	assert.Equal(t, 1, s.Phases[2].Counts["invoiced"])
	assert.Equal(t, types.SubscriptionStatusPastDue, ledgertest.Reload[models.Subscription](t, db, "sub_a").Status)

	var inv models.Invoice
	require.NoError(t, db.Where("subscription_id = ?", "sub_a").First(&inv).Error)
	assert.True(t, inv.DueDate.Equal(ledgertest.Date(2026, 5, 4)))

	// invoice due May 4 crosses the 15 day full block on May 19
	for d := 2; d <= 18; d++ {
		s, err = o.Run(ctx, RunOptions{Today: day(2026, 5, d)})
		require.NoError(t, err)
		require.True(t, s.Success, "%+v", s)
		assert.Zero(t, s.Phases[3].Counts["canceled"], "day %d", d)
	}
	assert.Equal(t, types.SubscriptionStatusPastDue, ledgertest.Reload[models.Subscription](t, db, "sub_a").Status)

	s, err = o.Run(ctx, RunOptions{Today: day(2026, 5, 19)})
	require.NoError(t, err)
	require.True(t, s.Success, "%+v", s)
	assert.Equal(t, 1, s.Phases[3].Counts["canceled"])
	assert.Equal(t, 1, s.Phases[3].Counts["tenant_deactivated"])

	assert.Equal(t, types.SubscriptionStatusCanceled, ledgertest.Reload[models.Subscription](t, db, "sub_a").Status)
	assert.False(t, ledgertest.Reload[models.BillingEntity](t, db, "tnt_a").IsActive)
	assert.Equal(t, types.InvoiceStatusOverdue, ledgertest.Reload[models.Invoice](t, db, inv.ID).Status)
}

func TestCycle_RunsEveryDayOfTheMonth(t *testing.T) {
	db := testdb.Open(t)
	o := newCycle(t, db)
	ctx := context.Background()

	ledgertest.Partner(t, db, "ptn_15")
	ledgertest.Profile(t, db, "ptn_15", func(p *models.BillingProfile) { p.BillingDay = 15 })
	ledgertest.Partner(t, db, "ptn_late")
	ledgertest.Profile(t, db, "ptn_late", func(p *models.BillingProfile) { p.BillingDay = 28 })
	ledgertest.Invoice(t, db, "inv_april", "ptn_late", ledgertest.Date(2026, 4, 29), types.InvoiceStatusPending, 100)

	for d := 1; d <= 31; d++ {
		s, err := o.Run(ctx, RunOptions{Today: day(2026, 5, d)})
		require.NoError(t, err)
		require.True(t, s.Success, "day %d: %+v", d, s)
		for _, ps := range s.Phases {
			require.False(t, ps.Skipped, "day %d phase %s", d, ps.Phase)
		}
		if d == 15 {
			assert.Equal(t, 1, s.Phases[0].Counts["created"])
		}
	}

	var invoices []models.Invoice
	require.NoError(t, db.Where("entity_id = ? AND period = ?", "ptn_15", "2026-05").Find(&invoices).Error)
	require.Len(t, invoices, 1)
	assert.True(t, invoices[0].DueDate.Equal(ledgertest.Date(2026, 5, 22)))

	// 32 days overdue on May 31
	assert.Equal(t, types.DunningLevelFullBlock, ledgertest.Reload[models.BillingEntity](t, db, "ptn_late").CurrentDunningLevel)
	var logs []models.DunningLog
	require.NoError(t, db.Where("entity_id = ?", "ptn_late").Order("from_level").Find(&logs).Error)
	require.Len(t, logs, 4)
	for i, l := range logs {
		assert.Equal(t, types.DunningLevel(i+1), l.ToLevel)
	}

	again, err := o.Run(ctx, RunOptions{Today: day(2026, 5, 15)})
	require.NoError(t, err)
	for _, ps := range again.Phases {
		assert.Equal(t, SkipAlreadyCompleted, ps.SkipReason)
	}
}
