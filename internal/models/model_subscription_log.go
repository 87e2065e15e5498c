package models

import (
	"time"

	"github.com/fatflowers/billing-orchestrator/pkg/types"
	"gorm.io/datatypes"
)

// SubscriptionLog records status changes made by the billing cycle.
// Use case: troubleshooting and support.
type SubscriptionLog struct {
	ID             string `gorm:"column:id;type:varchar(64);primaryKey"`
	SubscriptionID string `gorm:"column:subscription_id;type:varchar(64);index:idx_subscription_log_sub;not null"`
	TenantID       string `gorm:"column:tenant_id;type:varchar(64);not null"`
	// Reason is the change reason.
	Reason        types.SubscriptionChangeReason `gorm:"column:reason;type:varchar(64);not null"`
	CorrelationID string                         `gorm:"column:correlation_id;type:varchar(64)"`
	// Before and After snapshot the subscription around the change.
	Before datatypes.JSONType[*Subscription] `gorm:"column:before"`
	After  datatypes.JSONType[*Subscription] `gorm:"column:after"`
	// Extra stores additional context such as the invoice that triggered the change.
	Extra     datatypes.JSONMap `gorm:"column:extra"`
	CreatedAt time.Time
}

func (SubscriptionLog) TableName() string {
	return "subscription_log"
}
