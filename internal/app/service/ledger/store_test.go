package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/ledger/ledgertest"
	"github.com/fatflowers/billing-orchestrator/internal/models"
	"github.com/fatflowers/billing-orchestrator/internal/platform/db/testdb"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

func TestCompareAndSetDunningLevel(t *testing.T) {
	db := testdb.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	ledgertest.Partner(t, db, "ptn_a")

	started := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ok, err := s.CompareAndSetDunningLevel(ctx, "ptn_a", types.DunningLevelNone, types.DunningLevelReadOnly, &started)
	require.NoError(t, err)
	require.True(t, ok)

	// stale expectation loses
	ok, err = s.CompareAndSetDunningLevel(ctx, "ptn_a", types.DunningLevelNone, types.DunningLevelWarning, &started)
	require.NoError(t, err)
	require.False(t, ok)

	e := ledgertest.Reload[models.BillingEntity](t, db, "ptn_a")
	require.Equal(t, types.DunningLevelReadOnly, e.CurrentDunningLevel)
	require.NotNil(t, e.DunningStartedAt)

	ok, err = s.CompareAndSetDunningLevel(ctx, "ptn_a", types.DunningLevelReadOnly, types.DunningLevelNone, nil)
	require.NoError(t, err)
	require.True(t, ok)
	e = ledgertest.Reload[models.BillingEntity](t, db, "ptn_a")
	require.Equal(t, types.DunningLevelNone, e.CurrentDunningLevel)
	require.Nil(t, e.DunningStartedAt)
}

func TestMarkOverdueAndOpenPastDue(t *testing.T) {
	db := testdb.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	today := ledgertest.Date(2026, 5, 20)

	ledgertest.Invoice(t, db, "inv_past", "ptn_a", ledgertest.Date(2026, 5, 10), types.InvoiceStatusPending, 10)
	ledgertest.Invoice(t, db, "inv_today", "ptn_a", today, types.InvoiceStatusPending, 10)
	ledgertest.Invoice(t, db, "inv_paid", "ptn_a", ledgertest.Date(2026, 3, 1), types.InvoiceStatusPaid, 10)

	n, err := s.MarkOverdue(ctx, "ptn_a", today)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = s.MarkOverdue(ctx, "ptn_a", today)
	require.NoError(t, err)
	require.Zero(t, n)

	open, err := s.OpenPastDueInvoices(ctx, "ptn_a", today)
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, "inv_past", open[0].ID)
	require.Equal(t, types.InvoiceStatusOverdue, open[0].Status)
}

func TestRecurringInvoiceUniquePerPeriod(t *testing.T) {
	db := testdb.Open(t)
	due := ledgertest.Date(2026, 5, 8)
	ledgertest.Invoice(t, db, "inv_first", "ptn_a", due, types.InvoiceStatusPending, 10)

	dup := &models.Invoice{ID: "inv_dup", EntityID: "ptn_a", Period: "2026-05", Kind: types.InvoiceKindRecurring, Currency: "USD", DueDate: due, Status: types.InvoiceStatusPending}
	require.Error(t, NewStore(db).CreateInvoice(context.Background(), dup))

	// a canceled invoice frees the slot
	require.NoError(t, db.Model(&models.Invoice{}).Where("id = ?", "inv_first").Update("status", types.InvoiceStatusCanceled).Error)
	require.NoError(t, NewStore(db).CreateInvoice(context.Background(), dup))
}

func TestDunningCandidates(t *testing.T) {
	db := testdb.Open(t)
	ledgertest.Partner(t, db, "ptn_active")
	ledgertest.Profile(t, db, "ptn_active")

	ledgertest.Partner(t, db, "ptn_inactive_leveled")
	ledgertest.Profile(t, db, "ptn_inactive_leveled")
	require.NoError(t, db.Model(&models.BillingProfile{}).Where("entity_id = ?", "ptn_inactive_leveled").Update("active", false).Error)
	require.NoError(t, db.Model(&models.BillingEntity{}).Where("id = ?", "ptn_inactive_leveled").Update("current_dunning_level", 2).Error)

	ledgertest.Partner(t, db, "ptn_no_profile")

	got, err := NewStore(db).DunningCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "ptn_active", got[0].ID)
	require.Equal(t, "ptn_inactive_leveled", got[1].ID)
}

func TestCreateInvoiceWithUsage(t *testing.T) {
	db := testdb.Open(t)
	s := NewStore(db)
	ctx := context.Background()
	recorded := ledgertest.Date(2026, 4, 20)
	due := ledgertest.Date(2026, 5, 8)
	require.NoError(t, db.Create(&models.UsageRecord{ID: "use_a", EntityID: "ptn_a", RecordedAt: recorded}).Error)
	require.NoError(t, db.Create(&models.UsageRecord{ID: "use_b", EntityID: "ptn_a", RecordedAt: recorded}).Error)

	one := &models.Invoice{ID: "inv_one", EntityID: "ptn_a", Period: "2026-05", Kind: types.InvoiceKindRecurring, Currency: "USD", DueDate: due, Status: types.InvoiceStatusPending}
	require.NoError(t, s.CreateInvoiceWithUsage(ctx, one, []string{"use_a"}))

	// use_a is taken, so the second invoice rolls back entirely
	two := &models.Invoice{ID: "inv_two", EntityID: "ptn_a", Period: "2026-06", Kind: types.InvoiceKindRecurring, Currency: "USD", DueDate: due, Status: types.InvoiceStatusPending}
	require.ErrorIs(t, s.CreateInvoiceWithUsage(ctx, two, []string{"use_a", "use_b"}), ErrUsageConflict)
	var n int64
	require.NoError(t, db.Model(&models.Invoice{}).Where("id = ?", "inv_two").Count(&n).Error)
	require.Zero(t, n)

	left, err := s.UnbilledUsage(ctx, "ptn_a", ledgertest.Date(2026, 5, 1))
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "use_b", left[0].ID)
}
