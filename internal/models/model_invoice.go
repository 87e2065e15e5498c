package models

import (
	"time"

	"github.com/fatflowers/billing-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
)

// Invoice is a billing document issued to a billing entity.
// A non-canceled recurring invoice is unique per (entity_id, period).
type Invoice struct {
	ID             string              `gorm:"column:id;type:varchar(64);primaryKey" json:"id"`
	EntityID       string              `gorm:"column:entity_id;type:varchar(64);not null;uniqueIndex:uniq_invoice_recurring_period,priority:1,where:kind = 'recurring' AND status <> 'canceled';index:idx_invoice_entity" json:"entity_id"`
	Period         string              `gorm:"column:period;type:varchar(7);not null;uniqueIndex:uniq_invoice_recurring_period,priority:2,where:kind = 'recurring' AND status <> 'canceled'" json:"period"`
	SubscriptionID *string             `gorm:"column:subscription_id;type:varchar(64);index:idx_invoice_subscription" json:"subscription_id"`
	Kind           types.InvoiceKind   `gorm:"column:kind;type:varchar(32);not null" json:"kind"`
	Amount         decimal.Decimal     `gorm:"column:amount;type:numeric(20,4);not null" json:"amount"`
	Currency       string              `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	DueDate        time.Time           `gorm:"column:due_date;not null;index:idx_invoice_status_due,priority:2" json:"due_date"`
	Status         types.InvoiceStatus `gorm:"column:status;type:varchar(32);not null;index:idx_invoice_status_due,priority:1" json:"status"`
	PaidAt         *time.Time          `gorm:"column:paid_at" json:"paid_at"`
	CanceledAt     *time.Time          `gorm:"column:canceled_at" json:"canceled_at"`
	CorrelationID  string              `gorm:"column:correlation_id;type:varchar(64)" json:"correlation_id"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func (Invoice) TableName() string {
	return "invoice"
}

// DaysOverdue returns calendar days past due at today, or 0 when not yet due.
func (inv *Invoice) DaysOverdue(today time.Time) int {
	if inv == nil {
		return 0
	}
	d := types.DaysBetween(inv.DueDate, today)
	if d < 0 {
		return 0
	}
	return d
}

// UsageRecord is a billable usage line awaiting its recurring invoice.
type UsageRecord struct {
	ID              string          `gorm:"column:id;type:varchar(64);primaryKey" json:"id"`
	EntityID        string          `gorm:"column:entity_id;type:varchar(64);not null;index:idx_usage_record_entity" json:"entity_id"`
	Description     string          `gorm:"column:description;type:varchar(255)" json:"description"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(20,4);not null" json:"amount"`
	RecordedAt      time.Time       `gorm:"column:recorded_at;not null" json:"recorded_at"`
	BilledInvoiceID *string         `gorm:"column:billed_invoice_id;type:varchar(64);index:idx_usage_record_invoice" json:"billed_invoice_id"`
	CreatedAt       time.Time       `json:"created_at"`
}

func (UsageRecord) TableName() string {
	return "usage_record"
}
