package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Plan struct {
	ID           string          `gorm:"column:id;type:varchar(64);primaryKey" json:"id"`
	Code         string          `gorm:"column:code;type:varchar(64);not null;uniqueIndex:uniq_plan_code" json:"code"`
	Name         string          `gorm:"column:name;type:varchar(255);not null" json:"name"`
	MonthlyPrice decimal.Decimal `gorm:"column:monthly_price;type:numeric(20,4);not null" json:"monthly_price"`
	Currency     string          `gorm:"column:currency;type:varchar(8);not null" json:"currency"`
	TrialDays    int             `gorm:"column:trial_days;not null" json:"trial_days"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (Plan) TableName() string {
	return "plan"
}

func (p *Plan) IsFree() bool {
	return p != nil && !p.MonthlyPrice.IsPositive()
}
