package delinquency

import (
	"context"
	"testing"
	"time"

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

func newCascade(db *gorm.DB) *Cascade {
	log := zap.NewNop().Sugar()
	return NewCascade(ledger.NewStore(db), subsvc.NewService(db, log), cfgpkg.Default(), log, entitylock.NewLocalLocker())
}

func runContext(today time.Time) phase.Context {
	return phase.Context{JobName: "billing-cycle", Period: types.PeriodOf(today), CorrelationID: "run_test", Today: today, Now: today.Add(time.Hour)}
}

// seed creates partner -> tenant -> active subscription with one open invoice due daysAgo.
func seed(t *testing.T, db *gorm.DB, suffix string, daysAgo int, today time.Time) *models.Subscription {
	t.Helper()
	ledgertest.Partner(t, db, "ptn_"+suffix)
	ledgertest.Tenant(t, db, "tnt_"+suffix, "ptn_"+suffix)
	sub := ledgertest.Subscription(t, db, "sub_"+suffix, "tnt_"+suffix, "plan_pro", types.SubscriptionStatusActive, nil)
	ledgertest.SubscriptionInvoice(t, db, "inv_"+suffix, sub, today.AddDate(0, 0, -daysAgo), types.InvoiceStatusPending)
	return sub
}

func TestRun_ThresholdBands(t *testing.T) {
	db := testdb.Open(t)
	c := newCascade(db)
	today := ledgertest.Date(2026, 5, 20)

	seed(t, db, "warn", 3, today)
	seed(t, db, "partial", 9, today)
	seed(t, db, "full", 15, today)

	tally, err := c.Run(context.Background(), runContext(today))
	require.NoError(t, err)
	res := tally.Result()
	assert.Equal(t, 3, res.Counts["subscriptions"])
	assert.Equal(t, 3, res.Counts["marked_overdue"])
	assert.Equal(t, 2, res.Counts["past_due"])
	assert.Equal(t, 1, res.Counts["partial_blocked"])
	assert.Equal(t, 1, res.Counts["canceled"])
	assert.Equal(t, 1, res.Counts["tenant_deactivated"])
	assert.False(t, tally.Failed())

	assert.Equal(t, types.SubscriptionStatusPastDue, ledgertest.Reload[models.Subscription](t, db, "sub_warn").Status)
	assert.Equal(t, types.SubscriptionStatusPastDue, ledgertest.Reload[models.Subscription](t, db, "sub_partial").Status)

	full := ledgertest.Reload[models.Subscription](t, db, "sub_full")
	assert.Equal(t, types.SubscriptionStatusCanceled, full.Status)
	assert.NotNil(t, full.CanceledAt)
	assert.False(t, ledgertest.Reload[models.BillingEntity](t, db, "tnt_full").IsActive)
	assert.True(t, ledgertest.Reload[models.BillingEntity](t, db, "tnt_warn").IsActive)
	assert.Equal(t, types.InvoiceStatusOverdue, ledgertest.Reload[models.Invoice](t, db, "inv_warn").Status)
}

func TestRun_RerunIsIdempotent(t *testing.T) {
	db := testdb.Open(t)
	c := newCascade(db)
	today := ledgertest.Date(2026, 5, 20)
	seed(t, db, "full", 20, today)

	_, err := c.Run(context.Background(), runContext(today))
	require.NoError(t, err)

	tally, err := c.Run(context.Background(), runContext(today))
	require.NoError(t, err)
	assert.Equal(t, 0, tally.Count("canceled"))
	assert.Equal(t, 0, tally.Count("tenant_deactivated"))
	assert.Equal(t, 0, tally.Count("marked_overdue"))

	var logs []models.SubscriptionLog
	require.NoError(t, db.Where("subscription_id = ?", "sub_full").Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, types.SubscriptionChangeReasonFullBlock, logs[0].Reason)
}

func TestApply_CanceledSubscriptionStillDeactivatesTenant(t *testing.T) {
	db := testdb.Open(t)
	c := newCascade(db)
	today := ledgertest.Date(2026, 5, 20)
	sub := seed(t, db, "crash", 30, today)
	// a previous run canceled the subscription but died before the tenant update
	require.NoError(t, db.Model(sub).Update("status", types.SubscriptionStatusCanceled).Error)
	sub = ledgertest.Reload[models.Subscription](t, db, "sub_crash")

	invs := []models.Invoice{*ledgertest.Reload[models.Invoice](t, db, "inv_crash")}
	out, err := c.Apply(context.Background(), sub, invs, c.defaults(), runContext(today))
	require.NoError(t, err)
	assert.Contains(t, out, "tenant_deactivated")
	assert.NotContains(t, out, "canceled")
	assert.False(t, ledgertest.Reload[models.BillingEntity](t, db, "tnt_crash").IsActive)
}

func TestRun_PartnerThresholdsOverrideDefaults(t *testing.T) {
	db := testdb.Open(t)
	c := newCascade(db)
	today := ledgertest.Date(2026, 5, 20)

	seed(t, db, "strict", 5, today)
	ledgertest.Profile(t, db, "ptn_strict", func(p *models.BillingProfile) {
		p.WarningDays, p.PartialBlockDays, p.FullBlockDays = 1, 2, 5
	})
	seed(t, db, "lenient", 5, today)
	ledgertest.Profile(t, db, "ptn_lenient", func(p *models.BillingProfile) {
		p.WarningDays, p.PartialBlockDays, p.FullBlockDays = 10, 20, 30
	})

	_, err := c.Run(context.Background(), runContext(today))
	require.NoError(t, err)

	assert.Equal(t, types.SubscriptionStatusCanceled, ledgertest.Reload[models.Subscription](t, db, "sub_strict").Status)
	assert.Equal(t, types.SubscriptionStatusActive, ledgertest.Reload[models.Subscription](t, db, "sub_lenient").Status)
}

func TestRun_PaidInvoicesIgnored(t *testing.T) {
	db := testdb.Open(t)
	c := newCascade(db)
	today := ledgertest.Date(2026, 5, 20)
	seed(t, db, "paid", 40, today)
	require.NoError(t, db.Model(&models.Invoice{}).Where("id = ?", "inv_paid").Update("status", types.InvoiceStatusPaid).Error)

	tally, err := c.Run(context.Background(), runContext(today))
	require.NoError(t, err)
	assert.Equal(t, 0, tally.Count("subscriptions"))
	assert.Equal(t, types.SubscriptionStatusActive, ledgertest.Reload[models.Subscription](t, db, "sub_paid").Status)
}

func TestApply_LostTransitionKeepsTenantActive(t *testing.T) {
	db := testdb.Open(t)
	c := newCascade(db)
	today := ledgertest.Date(2026, 5, 20)
	sub := seed(t, db, "race", 20, today)

	// the row moved to past_due after sub was read
	require.NoError(t, db.Model(&models.Subscription{}).Where("id = ?", sub.ID).Update("status", types.SubscriptionStatusPastDue).Error)
	var invoices []models.Invoice
	require.NoError(t, db.Where("subscription_id = ?", sub.ID).Find(&invoices).Error)

	out, err := c.Apply(context.Background(), sub, invoices, models.DelinquencyThresholds{WarningDays: 1, PartialBlockDays: 7, FullBlockDays: 15}, runContext(today))
	require.NoError(t, err)
	assert.Contains(t, out, "conflict")
	assert.NotContains(t, out, "tenant_deactivated")
	assert.True(t, ledgertest.Reload[models.BillingEntity](t, db, "tnt_race").IsActive)
	assert.Equal(t, types.SubscriptionStatusPastDue, ledgertest.Reload[models.Subscription](t, db, "sub_race").Status)

	// a subscription already canceled still converges on an inactive tenant
	canceled := ledgertest.Reload[models.Subscription](t, db, "sub_race")
	canceled.Status = types.SubscriptionStatusCanceled
	require.NoError(t, db.Model(&models.Subscription{}).Where("id = ?", sub.ID).Update("status", types.SubscriptionStatusCanceled).Error)
	out, err = c.Apply(context.Background(), canceled, invoices, models.DelinquencyThresholds{WarningDays: 1, PartialBlockDays: 7, FullBlockDays: 15}, runContext(today))
	require.NoError(t, err)
	assert.Contains(t, out, "tenant_deactivated")
	assert.False(t, ledgertest.Reload[models.BillingEntity](t, db, "tnt_race").IsActive)
}
