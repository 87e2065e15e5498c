package models

import (
	"slices"
	"time"

	"github.com/fatflowers/billing-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
)

// BillingEntity is a partner or a tenant with its own invoice and dunning timeline.
// Tenants reference their owning partner through PartnerID.
type BillingEntity struct {
	ID        string           `gorm:"column:id;type:varchar(64);primaryKey" json:"id"`
	Kind      types.EntityKind `gorm:"column:kind;type:varchar(32);not null;index:idx_billing_entity_kind" json:"kind"`
	PartnerID *string          `gorm:"column:partner_id;type:varchar(64);index:idx_billing_entity_partner" json:"partner_id"`
	Name      string           `gorm:"column:name;type:varchar(255);not null" json:"name"`
	IsActive  bool             `gorm:"column:is_active;not null" json:"is_active"`
	// CurrentDunningLevel caches the last computed delinquency level; only the dunning
	// evaluator writes it, through a conditional update on the previous value.
	CurrentDunningLevel types.DunningLevel `gorm:"column:current_dunning_level;not null" json:"current_dunning_level"`
	DunningStartedAt    *time.Time         `gorm:"column:dunning_started_at" json:"dunning_started_at"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

func (BillingEntity) TableName() string {
	return "billing_entity"
}

// BillingProfile is the billing configuration of an entity. Zero-valued thresholds
// fall back to the configured defaults.
type BillingProfile struct {
	EntityID        string               `gorm:"column:entity_id;type:varchar(64);primaryKey" json:"entity_id"`
	Active          bool                 `gorm:"column:active;not null;index:idx_billing_profile_active" json:"active"`
	CollectionMode  types.CollectionMode `gorm:"column:collection_mode;type:varchar(32);not null" json:"collection_mode"`
	Currency        string               `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	MonthlyFee      decimal.Decimal      `gorm:"column:monthly_fee;type:numeric(20,4);not null" json:"monthly_fee"`
	CreditLimit     decimal.Decimal      `gorm:"column:credit_limit;type:numeric(20,4);not null" json:"credit_limit"`
	GracePeriodDays int                  `gorm:"column:grace_period_days;not null" json:"grace_period_days"`
	// BillingDay is the day of month the recurring invoice is issued (1-31).
	BillingDay       int       `gorm:"column:billing_day;not null" json:"billing_day"`
	DunningL1Days    int       `gorm:"column:dunning_l1_days;not null" json:"dunning_l1_days"`
	DunningL2Days    int       `gorm:"column:dunning_l2_days;not null" json:"dunning_l2_days"`
	DunningL3Days    int       `gorm:"column:dunning_l3_days;not null" json:"dunning_l3_days"`
	DunningL4Days    int       `gorm:"column:dunning_l4_days;not null" json:"dunning_l4_days"`
	WarningDays      int       `gorm:"column:warning_days;not null" json:"warning_days"`
	PartialBlockDays int       `gorm:"column:partial_block_days;not null" json:"partial_block_days"`
	FullBlockDays    int       `gorm:"column:full_block_days;not null" json:"full_block_days"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (BillingProfile) TableName() string {
	return "billing_profile"
}

// DunningThresholds merges the profile's per-level thresholds over def. A merge
// that is not non-decreasing falls back to def.
func (p *BillingProfile) DunningThresholds(def [4]int) [4]int {
	if p == nil {
		return def
	}
	out := def
	for i, v := range []int{p.DunningL1Days, p.DunningL2Days, p.DunningL3Days, p.DunningL4Days} {
		if v > 0 {
			out[i] = v
		}
	}
	if !slices.IsSorted(out[:]) {
		return def
	}
	return out
}

// DelinquencyThresholds holds the day counts used by the delinquency cascade.
type DelinquencyThresholds struct {
	WarningDays      int `json:"warning_days"`
	PartialBlockDays int `json:"partial_block_days"`
	FullBlockDays    int `json:"full_block_days"`
}

func (p *BillingProfile) Delinquency(def DelinquencyThresholds) DelinquencyThresholds {
	if p == nil {
		return def
	}
	out := def
	if p.WarningDays > 0 {
		out.WarningDays = p.WarningDays
	}
	if p.PartialBlockDays > 0 {
		out.PartialBlockDays = p.PartialBlockDays
	}
	if p.FullBlockDays > 0 {
		out.FullBlockDays = p.FullBlockDays
	}
	if !slices.IsSorted([]int{out.WarningDays, out.PartialBlockDays, out.FullBlockDays}) {
		return def
	}
	return out
}
