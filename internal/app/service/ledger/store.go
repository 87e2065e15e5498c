package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/fatflowers/billing-orchestrator/internal/models"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

// ErrUsageConflict means priced usage was billed by another invoice before it could be claimed.
var ErrUsageConflict = errors.New("usage already billed")

// Store is the data-access layer shared by the billing phases. Every state
// change it offers is a single conditional update so concurrent or repeated
// runs converge instead of double-applying.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func firstOrNil[T any](tx *gorm.DB) (*T, error) {
	var out T
	if err := tx.First(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// Entities and profiles.

func (s *Store) ActiveProfiles(ctx context.Context) ([]models.BillingProfile, error) {
	var out []models.BillingProfile
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("entity_id").Find(&out).Error
	return out, err
}

func (s *Store) Profile(ctx context.Context, entityID string) (*models.BillingProfile, error) {
	return firstOrNil[models.BillingProfile](s.db.WithContext(ctx).Where("entity_id = ?", entityID))
}

func (s *Store) ProfilesByEntity(ctx context.Context, entityIDs []string) (map[string]*models.BillingProfile, error) {
	out := make(map[string]*models.BillingProfile, len(entityIDs))
	if len(entityIDs) == 0 {
		return out, nil
	}
	var rows []models.BillingProfile
	if err := s.db.WithContext(ctx).Where("entity_id IN ?", entityIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].EntityID] = &rows[i]
	}
	return out, nil
}

func (s *Store) Entity(ctx context.Context, id string) (*models.BillingEntity, error) {
	return firstOrNil[models.BillingEntity](s.db.WithContext(ctx).Where("id = ?", id))
}

func (s *Store) EntitiesByID(ctx context.Context, ids []string) (map[string]*models.BillingEntity, error) {
	out := make(map[string]*models.BillingEntity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.BillingEntity
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

// DunningCandidates returns entities with an active billing profile plus any
// entity still carrying a dunning level, so deactivated profiles can recover.
func (s *Store) DunningCandidates(ctx context.Context) ([]models.BillingEntity, error) {
	var out []models.BillingEntity
	err := s.db.WithContext(ctx).
		Model(&models.BillingEntity{}).
		Joins("LEFT JOIN billing_profile ON billing_profile.entity_id = billing_entity.id").
		Where("billing_profile.active = ? OR billing_entity.current_dunning_level > ?", true, types.DunningLevelNone).
		Order("billing_entity.id").
		Find(&out).Error
	return out, err
}

// CompareAndSetDunningLevel moves an entity from `from` to `to` only if its level
// is still `from`. It reports whether this call made the change.
func (s *Store) CompareAndSetDunningLevel(ctx context.Context, entityID string, from, to types.DunningLevel, startedAt *time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.BillingEntity{}).
		Where("id = ? AND current_dunning_level = ?", entityID, from).
		Updates(map[string]any{
			"current_dunning_level": to,
			"dunning_started_at":    startedAt,
			"updated_at":            time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) AppendDunningLog(ctx context.Context, entry *models.DunningLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *Store) DunningLogs(ctx context.Context, entityID string, limit int) ([]models.DunningLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []models.DunningLog
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("executed_at DESC, id DESC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// DeactivateTenant flips is_active off. It reports false when already inactive.
func (s *Store) DeactivateTenant(ctx context.Context, tenantID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.BillingEntity{}).
		Where("id = ? AND is_active = ?", tenantID, true).
		Updates(map[string]any{"is_active": false, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// Invoices.

// RecurringInvoice returns the live recurring invoice of an entity for a period.
func (s *Store) RecurringInvoice(ctx context.Context, entityID string, period types.BillingPeriod) (*models.Invoice, error) {
	return firstOrNil[models.Invoice](s.db.WithContext(ctx).
		Where("entity_id = ? AND period = ? AND kind = ? AND status <> ?",
			entityID, period.String(), types.InvoiceKindRecurring, types.InvoiceStatusCanceled))
}

func (s *Store) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	return s.db.WithContext(ctx).Create(inv).Error
}

// CreateInvoiceWithUsage inserts inv and attaches the priced usage records to it
// in one transaction. If any record was billed in the meantime nothing is written
// and ErrUsageConflict is returned.
func (s *Store) CreateInvoiceWithUsage(ctx context.Context, inv *models.Invoice, usageIDs []string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(inv).Error; err != nil {
			return err
		}
		n, err := claimUsage(tx, usageIDs, inv.ID)
		if err != nil {
			return fmt.Errorf("claim usage: %w", err)
		}
		if n != int64(len(usageIDs)) {
			return fmt.Errorf("%w: claimed %d of %d", ErrUsageConflict, n, len(usageIDs))
		}
		return nil
	})
}

// MarkOverdue moves an entity's pending invoices whose due date has passed to overdue.
func (s *Store) MarkOverdue(ctx context.Context, entityID string, today time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("entity_id = ? AND status = ? AND due_date < ?", entityID, types.InvoiceStatusPending, types.DateOf(today)).
		Updates(map[string]any{"status": types.InvoiceStatusOverdue, "updated_at": time.Now().UTC()})
	return res.RowsAffected, res.Error
}

// MarkInvoiceOverdue moves a single invoice from pending to overdue.
func (s *Store) MarkInvoiceOverdue(ctx context.Context, invoiceID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Invoice{}).
		Where("id = ? AND status = ?", invoiceID, types.InvoiceStatusPending).
		Updates(map[string]any{"status": types.InvoiceStatusOverdue, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// OpenPastDueInvoices returns an entity's unpaid invoices due before today.
func (s *Store) OpenPastDueInvoices(ctx context.Context, entityID string, today time.Time) ([]models.Invoice, error) {
	var out []models.Invoice
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND status IN ? AND due_date < ?", entityID, types.OpenInvoiceStatuses, types.DateOf(today)).
		Order("due_date, id").
		Find(&out).Error
	return out, err
}

// PastDueSubscriptionInvoices returns unpaid subscription invoices due before today.
func (s *Store) PastDueSubscriptionInvoices(ctx context.Context, today time.Time) ([]models.Invoice, error) {
	var out []models.Invoice
	err := s.db.WithContext(ctx).
		Where("subscription_id IS NOT NULL AND status IN ? AND due_date < ?", types.OpenInvoiceStatuses, types.DateOf(today)).
		Order("due_date, id").
		Find(&out).Error
	return out, err
}

// OpenSubscriptionInvoice returns the unpaid invoice of a subscription, if any.
func (s *Store) OpenSubscriptionInvoice(ctx context.Context, subscriptionID string) (*models.Invoice, error) {
	return firstOrNil[models.Invoice](s.db.WithContext(ctx).
		Where("subscription_id = ? AND status IN ?", subscriptionID, types.OpenInvoiceStatuses).
		Order("created_at"))
}

// Usage.

func (s *Store) UnbilledUsage(ctx context.Context, entityID string, before time.Time) ([]models.UsageRecord, error) {
	var out []models.UsageRecord
	err := s.db.WithContext(ctx).
		Where("entity_id = ? AND billed_invoice_id IS NULL AND recorded_at < ?", entityID, before).
		Order("recorded_at, id").
		Find(&out).Error
	return out, err
}

// claimUsage attaches unbilled usage records to an invoice. Records already
// claimed by another invoice are left alone.
func claimUsage(tx *gorm.DB, ids []string, invoiceID string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := tx.Model(&models.UsageRecord{}).
		Where("id IN ? AND billed_invoice_id IS NULL", ids).
		Update("billed_invoice_id", invoiceID)
	return res.RowsAffected, res.Error
}

// ClaimStrandedUsage attaches to inv the unbilled usage of its entity that was
// recorded before periodStart and already stored when inv was created, which is
// usage the invoice amount was priced with.
func (s *Store) ClaimStrandedUsage(ctx context.Context, inv *models.Invoice, periodStart time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Where("entity_id = ? AND billed_invoice_id IS NULL AND recorded_at < ? AND created_at <= ?",
			inv.EntityID, periodStart, inv.CreatedAt).
		Update("billed_invoice_id", inv.ID)
	return res.RowsAffected, res.Error
}

// Subscriptions and plans.

// ExpiredTrials returns trial subscriptions whose trial ended at or before now.
func (s *Store) ExpiredTrials(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	var out []models.Subscription
	err := s.db.WithContext(ctx).
		Where("status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?", types.SubscriptionStatusTrial, now.UTC()).
		Order("trial_ends_at, id").
		Find(&out).Error
	return out, err
}

func (s *Store) SubscriptionsByID(ctx context.Context, ids []string) (map[string]*models.Subscription, error) {
	out := make(map[string]*models.Subscription, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Subscription
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

func (s *Store) PlansByID(ctx context.Context, ids []string) (map[string]*models.Plan, error) {
	out := make(map[string]*models.Plan, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []models.Plan
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

var Module = fx.Options(
	fx.Provide(NewStore),
)
