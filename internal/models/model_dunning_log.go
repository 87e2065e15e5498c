package models

import (
	"time"

	"github.com/fatflowers/billing-orchestrator/pkg/types"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// DunningFacts are the overdue facts a level was computed from.
type DunningFacts struct {
	EvaluatedOn         string          `json:"evaluated_on"`
	MaxDaysOverdue      int             `json:"max_days_overdue"`
	TotalOverdueAmount  decimal.Decimal `json:"total_overdue_amount"`
	OverdueInvoiceIDs   []string        `json:"overdue_invoice_ids"`
	Thresholds          [4]int          `json:"thresholds"`
	CreditLimit         decimal.Decimal `json:"credit_limit"`
	CreditLimitExceeded bool            `json:"credit_limit_exceeded"`
}

// DunningLog is an append-only record of a dunning level transition. Rows are never updated.
type DunningLog struct {
	ID            string                           `gorm:"column:id;type:varchar(64);primaryKey" json:"id"`
	EntityID      string                           `gorm:"column:entity_id;type:varchar(64);not null;index:idx_dunning_log_entity" json:"entity_id"`
	FromLevel     types.DunningLevel               `gorm:"column:from_level;not null" json:"from_level"`
	ToLevel       types.DunningLevel               `gorm:"column:to_level;not null" json:"to_level"`
	Direction     types.DunningDirection           `gorm:"column:direction;type:varchar(32);not null" json:"direction"`
	Action        types.DunningAction              `gorm:"column:action;type:varchar(32);not null" json:"action"`
	Reason        string                           `gorm:"column:reason;type:varchar(255);not null" json:"reason"`
	ComputedFacts datatypes.JSONType[DunningFacts] `gorm:"column:computed_facts" json:"computed_facts"`
	CorrelationID string                           `gorm:"column:correlation_id;type:varchar(64)" json:"correlation_id"`
	ExecutedAt    time.Time                        `gorm:"column:executed_at;not null" json:"executed_at"`
}

func (DunningLog) TableName() string {
	return "dunning_log"
}
