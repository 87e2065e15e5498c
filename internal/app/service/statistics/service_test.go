package statistics

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/ledger/ledgertest"
	"github.com/fatflowers/billing-orchestrator/internal/clock"
	"github.com/fatflowers/billing-orchestrator/internal/models"
	"github.com/fatflowers/billing-orchestrator/internal/platform/db/testdb"
	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

func TestGetOverview(t *testing.T) {
	db := testdb.Open(t)
	now := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	svc := NewService(db, clock.Fixed(now), cfgpkg.Default())
	ctx := context.Background()

	ledgertest.Partner(t, db, "ptn_a")
	ledgertest.Partner(t, db, "ptn_b")
	require.NoError(t, db.Model(&models.BillingEntity{}).Where("id = ?", "ptn_b").
		Update("current_dunning_level", types.DunningLevelReadOnly).Error)

	ledgertest.Invoice(t, db, "inv_1", "ptn_a", ledgertest.Date(2026, 5, 1), types.InvoiceStatusOverdue, 100)
	ledgertest.Invoice(t, db, "inv_2", "ptn_b", ledgertest.Date(2026, 4, 1), types.InvoiceStatusPending, 40)
	ledgertest.Invoice(t, db, "inv_paid", "ptn_b", ledgertest.Date(2026, 3, 1), types.InvoiceStatusPaid, 500)
	ledgertest.Invoice(t, db, "inv_future", "ptn_b", ledgertest.Date(2026, 5, 25), types.InvoiceStatusPending, 70)
	eur := ledgertest.Invoice(t, db, "inv_eur", "ptn_a", ledgertest.Date(2026, 2, 1), types.InvoiceStatusOverdue, 9)
	require.NoError(t, db.Model(eur).Update("currency", "EUR").Error)

	ledgertest.Tenant(t, db, "ten_a", "ptn_a")
	ledgertest.Plan(t, db, "plan_pro", 49)
	ledgertest.Subscription(t, db, "sub_1", "ten_a", "plan_pro", types.SubscriptionStatusActive, nil)
	ledgertest.Subscription(t, db, "sub_2", "ten_a", "plan_pro", types.SubscriptionStatusActive, nil)
	ledgertest.Subscription(t, db, "sub_3", "ten_a", "plan_pro", types.SubscriptionStatusPastDue, nil)

	require.NoError(t, db.Create(&models.PhaseRun{
		ID: "run_1", JobName: "billing-cycle", Phase: types.PhaseDunning, RunDate: "2026-05-20", Period: "2026-05",
		CorrelationID: "run_x", Status: types.PhaseRunStatusSuccess, StartedAt: now,
	}).Error)

	res, err := svc.GetOverview(ctx)
	require.NoError(t, err)
	require.Equal(t, "2026-05-20", res.Today)

	require.Len(t, res.DunningLevels, 5)
	require.Equal(t, int64(2), res.DunningLevels[types.DunningLevelNone].Count) // ptn_a and ten_a
	require.Equal(t, int64(1), res.DunningLevels[types.DunningLevelReadOnly].Count)
	require.Equal(t, types.DunningActionReadOnly, res.DunningLevels[types.DunningLevelReadOnly].Action)
	require.Zero(t, res.DunningLevels[types.DunningLevelFullBlock].Count)

	require.Len(t, res.Overdue, 2)
	require.Equal(t, "EUR", res.Overdue[0].Currency)
	require.True(t, decimal.NewFromInt(9).Equal(res.Overdue[0].Amount))
	require.Equal(t, "USD", res.Overdue[1].Currency)
	require.True(t, decimal.NewFromInt(140).Equal(res.Overdue[1].Amount), res.Overdue[1].Amount.String())
	require.Equal(t, 2, res.Overdue[1].Invoices)
	require.Equal(t, 2, res.Overdue[1].Entities)

	require.ElementsMatch(t, []StatusCount{
		{Status: types.SubscriptionStatusActive, Count: 2},
		{Status: types.SubscriptionStatusPastDue, Count: 1},
	}, res.Subscriptions)

	require.Len(t, res.RecentRuns, 1)
	require.Equal(t, "run_1", res.RecentRuns[0].ID)
}

func TestGetOverview_UsesBillingTimezone(t *testing.T) {
	db := testdb.Open(t)
	cfg := cfgpkg.Default()
	cfg.Billing.Timezone = "Asia/Tokyo"
	// 20:00 UTC is already the next day in Tokyo
	svc := NewService(db, clock.Fixed(time.Date(2026, 5, 20, 20, 0, 0, 0, time.UTC)), cfg)

	res, err := svc.GetOverview(context.Background())
	require.NoError(t, err)
	require.Equal(t, "2026-05-21", res.Today)
	require.Empty(t, res.Overdue)
}
