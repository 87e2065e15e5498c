package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	models "github.com/fatflowers/billing-orchestrator/internal/models"
	"github.com/fatflowers/billing-orchestrator/pkg/logctx"
	"github.com/fatflowers/billing-orchestrator/pkg/tool"
	types "github.com/fatflowers/billing-orchestrator/pkg/types"
)

var ErrInvalidTransition = errors.New("invalid subscription transition")

type Service struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func NewService(db *gorm.DB, log *zap.SugaredLogger) *Service {
	return &Service{db: db, log: log}
}

// Change describes a single status move.
type Change struct {
	To     types.SubscriptionStatus
	Reason types.SubscriptionChangeReason
	// Fields are extra columns written together with the status.
	Fields map[string]any
	// Extra is stored on the subscription log, e.g. the triggering invoice.
	Extra datatypes.JSONMap
}

// Transition moves sub to change.To if the subscription is still in the status
// sub carries. It reports false without error when another writer moved it first
// or when sub is already at or past the target. On success sub is refreshed.
func (s *Service) Transition(ctx context.Context, sub *models.Subscription, change Change) (bool, error) {
	if sub == nil {
		return false, fmt.Errorf("%w: nil subscription", ErrInvalidTransition)
	}
	if sub.Status == change.To {
		return false, nil
	}
	if !sub.Status.CanTransition(change.To) {
		if sub.Status == types.SubscriptionStatusCanceled {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, change.To)
	}

	updates := map[string]any{}
	for k, v := range change.Fields {
		updates[k] = v
	}
	updates["status"] = change.To
	updates["updated_at"] = time.Now().UTC()

	res := s.db.WithContext(ctx).
		Model(&models.Subscription{}).
		Where("id = ? AND status = ?", sub.ID, sub.Status).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update subscription %s: %w", sub.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	before := *sub
	after, err := s.GetSubscription(ctx, sub.ID)
	if err != nil {
		return true, fmt.Errorf("failed to reload subscription %s: %w", sub.ID, err)
	}
	*sub = *after

	logctx.FromCtx(ctx, s.log).Infow("subscription transitioned",
		"subscription_id", sub.ID, "tenant_id", sub.TenantID,
		"from", before.Status, "to", sub.Status, "reason", change.Reason)

	s.writeLog(ctx, &before, after, change)
	return true, nil
}

// writeLog records the change; errors are logged but not returned.
func (s *Service) writeLog(ctx context.Context, before, after *models.Subscription, change Change) {
	extra := change.Extra
	if extra == nil {
		extra = datatypes.JSONMap{}
	}
	entry := &models.SubscriptionLog{
		ID:             tool.GenerateUUIDV7(),
		SubscriptionID: after.ID,
		TenantID:       after.TenantID,
		Reason:         change.Reason,
		CorrelationID:  logctx.CorrelationID(ctx),
		Before:         datatypes.NewJSONType(before),
		After:          datatypes.NewJSONType(after),
		Extra:          extra,
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		logctx.FromCtx(ctx, s.log).Errorf("failed to save subscription log: %v", err)
	}
}

func (s *Service) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	var out models.Subscription
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Service) ListLogs(ctx context.Context, subscriptionID string) ([]models.SubscriptionLog, error) {
	var out []models.SubscriptionLog
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at, id").
		Find(&out).Error
	return out, err
}
