package models

import (
	"time"

	"github.com/fatflowers/billing-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
)

// Subscription is a tenant's plan subscription.
// Status only moves forward along trial -> active -> past_due -> canceled.
type Subscription struct {
	ID       string                   `gorm:"column:id;type:varchar(64);primaryKey" json:"id"`
	TenantID string                   `gorm:"column:tenant_id;type:varchar(64);not null;index:idx_subscription_tenant" json:"tenant_id"`
	PlanID   string                   `gorm:"column:plan_id;type:varchar(64);not null" json:"plan_id"`
	Status   types.SubscriptionStatus `gorm:"column:status;type:varchar(32);not null;index:idx_subscription_status_trial,priority:1" json:"status"`
	// TrialEndsAt is set while the subscription is (or was) in trial.
	TrialEndsAt        *time.Time      `gorm:"column:trial_ends_at;index:idx_subscription_status_trial,priority:2" json:"trial_ends_at"`
	CurrentPeriodStart *time.Time      `gorm:"column:current_period_start" json:"current_period_start"`
	CurrentPeriodEnd   *time.Time      `gorm:"column:current_period_end" json:"current_period_end"`
	MonthlyAmount      decimal.Decimal `gorm:"column:monthly_amount;type:numeric(20,4);not null" json:"monthly_amount"`
	CanceledAt         *time.Time      `gorm:"column:canceled_at" json:"canceled_at"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (Subscription) TableName() string {
	return "subscription"
}
