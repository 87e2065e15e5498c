package trial

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/entitylock"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/ledger"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/ledger/ledgertest"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/phase"
	subsvc "github.com/fatflowers/billing-orchestrator/internal/app/service/subscription"
	"github.com/fatflowers/billing-orchestrator/internal/models"
	"github.com/fatflowers/billing-orchestrator/internal/platform/db/testdb"
	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

func newProcessor(db *gorm.DB) *Processor {
	log := zap.NewNop().Sugar()
	return NewProcessor(ledger.NewStore(db), subsvc.NewService(db, log), cfgpkg.Default(), log, entitylock.NewLocalLocker())
}

func runContext(today time.Time) phase.Context {
	return phase.Context{JobName: "billing-cycle", Period: types.PeriodOf(today), CorrelationID: "run_test", Today: today, Now: today.Add(3 * time.Hour)}
}

func invoicesFor(t *testing.T, db *gorm.DB, subID string) []models.Invoice {
	t.Helper()
	var out []models.Invoice
	require.NoError(t, db.Where("subscription_id = ?", subID).Find(&out).Error)
	return out
}

func TestRun_FreePlanActivates(t *testing.T) {
	db := testdb.Open(t)
	p := newProcessor(db)
	today := ledgertest.Date(2026, 5, 20)
	ended := today.AddDate(0, 0, -1)

	ledgertest.Plan(t, db, "plan_free", 0)
	ledgertest.Subscription(t, db, "sub_free", "tnt_a", "plan_free", types.SubscriptionStatusTrial, &ended)

	tally, err := p.Run(context.Background(), runContext(today))
	require.NoError(t, err)
	assert.Equal(t, 1, tally.Count("activated"))

	sub := ledgertest.Reload[models.Subscription](t, db, "sub_free")
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(today.Add(3*time.Hour).AddDate(0, 0, 30)))
	assert.Empty(t, invoicesFor(t, db, "sub_free"))
}

func TestRun_PaidPlanInvoicesAndGoesPastDue(t *testing.T) {
	db := testdb.Open(t)
	p := newProcessor(db)
	today := ledgertest.Date(2026, 5, 20)
	ended := today.AddDate(0, 0, -2)
	notYet := today.AddDate(0, 0, 5)

	ledgertest.Plan(t, db, "plan_pro", 49)
	ledgertest.Subscription(t, db, "sub_paid", "tnt_a", "plan_pro", types.SubscriptionStatusTrial, &ended)
	ledgertest.Subscription(t, db, "sub_running", "tnt_b", "plan_pro", types.SubscriptionStatusTrial, &notYet)

	tally, err := p.Run(context.Background(), runContext(today))
	require.NoError(t, err)
	res := tally.Result()
	assert.Equal(t, 1, res.Counts["expired"])
	assert.Equal(t, 1, res.Counts["invoiced"])
	assert.Equal(t, 1, res.Counts["past_due"])

	invs := invoicesFor(t, db, "sub_paid")
	require.Len(t, invs, 1)
	assert.Equal(t, types.InvoiceKindTrialConversion, invs[0].Kind)
	assert.Equal(t, "tnt_a", invs[0].EntityID)
	assert.True(t, invs[0].Amount.Equal(decimal.NewFromInt(49)))
	assert.True(t, invs[0].DueDate.Equal(ledgertest.Date(2026, 5, 23)))
	assert.Equal(t, types.InvoiceStatusPending, invs[0].Status)

	assert.Equal(t, types.SubscriptionStatusPastDue, ledgertest.Reload[models.Subscription](t, db, "sub_paid").Status)
	assert.Equal(t, types.SubscriptionStatusTrial, ledgertest.Reload[models.Subscription](t, db, "sub_running").Status)

	// nothing left in trial: a rerun is a no-op
	tally, err = p.Run(context.Background(), runContext(today))
	require.NoError(t, err)
	assert.Equal(t, 0, tally.Count("expired"))
	assert.Len(t, invoicesFor(t, db, "sub_paid"), 1)
}

func TestExpire_RetryAfterPartialFailureReusesInvoice(t *testing.T) {
	db := testdb.Open(t)
	p := newProcessor(db)
	today := ledgertest.Date(2026, 5, 20)
	ended := today.AddDate(0, 0, -1)

	plan := ledgertest.Plan(t, db, "plan_pro", 49)
	sub := ledgertest.Subscription(t, db, "sub_paid", "tnt_a", "plan_pro", types.SubscriptionStatusTrial, &ended)
	// a previous run created the invoice and crashed before the status change
	ledgertest.SubscriptionInvoice(t, db, "inv_prev", sub, today.AddDate(0, 0, 3), types.InvoiceStatusPending)

	out, err := p.Expire(context.Background(), sub, plan, runContext(today))
	require.NoError(t, err)
	assert.Equal(t, phase.Outcome{"invoice_reused", "past_due"}, out)

	invs := invoicesFor(t, db, "sub_paid")
	require.Len(t, invs, 1)
	assert.Equal(t, "inv_prev", invs[0].ID)
	assert.Equal(t, types.SubscriptionStatusPastDue, sub.Status)

	var logs []models.SubscriptionLog
	require.NoError(t, db.Where("subscription_id = ?", "sub_paid").Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, types.SubscriptionChangeReasonTrialCharged, logs[0].Reason)
	assert.Equal(t, "inv_prev", logs[0].Extra["invoice_id"])
}

func TestExpire_MissingPlanFails(t *testing.T) {
	db := testdb.Open(t)
	p := newProcessor(db)
	sub := &models.Subscription{ID: "sub_x", PlanID: "plan_gone", Status: types.SubscriptionStatusTrial}
	_, err := p.Expire(context.Background(), sub, nil, runContext(ledgertest.Date(2026, 5, 20)))
	require.True(t, errors.Is(err, ErrPlanNotFound))
}
