// Package ledgertest seeds ledger rows for package tests.
package ledgertest

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/fatflowers/billing-orchestrator/internal/models"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

// Date builds a UTC midnight.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func Partner(t testing.TB, db *gorm.DB, id string) *models.BillingEntity {
	t.Helper()
	e := &models.BillingEntity{ID: id, Kind: types.EntityKindPartner, Name: id, IsActive: true}
	require.NoError(t, db.Create(e).Error)
	return e
}

func Tenant(t testing.TB, db *gorm.DB, id string, partnerID string) *models.BillingEntity {
	t.Helper()
	e := &models.BillingEntity{ID: id, Kind: types.EntityKindTenant, Name: id, IsActive: true}
	if partnerID != "" {
		e.PartnerID = &partnerID
	}
	require.NoError(t, db.Create(e).Error)
	return e
}

// Profile creates an active profile; opts may adjust it before insert.
func Profile(t testing.TB, db *gorm.DB, entityID string, opts ...func(*models.BillingProfile)) *models.BillingProfile {
	t.Helper()
	p := &models.BillingProfile{
		EntityID:        entityID,
		Active:          true,
		CollectionMode:  types.CollectionModeManual,
		Currency:        "USD",
		MonthlyFee:      decimal.NewFromInt(100),
		CreditLimit:     decimal.NewFromInt(1000),
		GracePeriodDays: 7,
		BillingDay:      1,
	}
	for _, o := range opts {
		o(p)
	}
	require.NoError(t, db.Create(p).Error)
	return p
}

func Invoice(t testing.TB, db *gorm.DB, id, entityID string, due time.Time, status types.InvoiceStatus, amount int64) *models.Invoice {
	t.Helper()
	inv := &models.Invoice{
		ID:       id,
		EntityID: entityID,
		Period:   types.PeriodOf(due).String(),
		Kind:     types.InvoiceKindRecurring,
		Amount:   decimal.NewFromInt(amount),
		Currency: "USD",
		DueDate:  due.UTC(),
		Status:   status,
	}
	require.NoError(t, db.Create(inv).Error)
	return inv
}

func Plan(t testing.TB, db *gorm.DB, id string, price int64) *models.Plan {
	t.Helper()
	p := &models.Plan{ID: id, Code: id, Name: id, MonthlyPrice: decimal.NewFromInt(price), Currency: "USD", TrialDays: 14}
	require.NoError(t, db.Create(p).Error)
	return p
}

func Subscription(t testing.TB, db *gorm.DB, id, tenantID, planID string, status types.SubscriptionStatus, trialEndsAt *time.Time) *models.Subscription {
	t.Helper()
	s := &models.Subscription{
		ID:          id,
		TenantID:    tenantID,
		PlanID:      planID,
		Status:      status,
		TrialEndsAt: trialEndsAt,
	}
	require.NoError(t, db.Create(s).Error)
	return s
}

// SubscriptionInvoice creates an open invoice billed to a tenant for a subscription.
func SubscriptionInvoice(t testing.TB, db *gorm.DB, id string, sub *models.Subscription, due time.Time, status types.InvoiceStatus) *models.Invoice {
	t.Helper()
	inv := &models.Invoice{
		ID:             id,
		EntityID:       sub.TenantID,
		Period:         types.PeriodOf(due).String(),
		SubscriptionID: &sub.ID,
		Kind:           types.InvoiceKindTrialConversion,
		Amount:         decimal.NewFromInt(49),
		Currency:       "USD",
		DueDate:        due.UTC(),
		Status:         status,
	}
	require.NoError(t, db.Create(inv).Error)
	return inv
}

func Reload[T any](t testing.TB, db *gorm.DB, id string) *T {
	t.Helper()
	var out T
	require.NoError(t, db.Where("id = ?", id).First(&out).Error)
	return &out
}
