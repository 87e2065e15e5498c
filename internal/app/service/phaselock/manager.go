package phaselock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fatflowers/billing-orchestrator/internal/clock"
	"github.com/fatflowers/billing-orchestrator/internal/models"
	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
	"github.com/fatflowers/billing-orchestrator/pkg/logctx"
	"github.com/fatflowers/billing-orchestrator/pkg/tool"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

var (
	// ErrAlreadyCompleted means a successful run of the phase exists for the run date.
	ErrAlreadyCompleted = errors.New("phase already completed for run date")
	// ErrLockHeld means the running row could not be inserted, normally because
	// another invocation holds it.
	ErrLockHeld = errors.New("phase lock held")
	// ErrLockLost means the running row was no longer ours when completing it.
	ErrLockLost = errors.New("phase lock lost")
)

const (
	reclaimedMessage = "lock expired before completion"
	resetMessage     = "lock reset by operator"
)

// Key identifies a phase lock. A phase runs at most once per logical day.
type Key struct {
	JobName string
	Phase   types.Phase
	RunDate types.RunDate
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.JobName, k.Phase, k.RunDate)
}

// Lock is a held phase lock.
type Lock struct {
	Key
	RunID         string
	CorrelationID string
	StartedAt     time.Time
}

type Manager struct {
	db         *gorm.DB
	log        *zap.SugaredLogger
	clock      clock.Clock
	staleAfter time.Duration
}

func NewManager(db *gorm.DB, log *zap.SugaredLogger, clk clock.Clock, cfg *cfgpkg.Config) *Manager {
	return &Manager{db: db, log: log, clock: clk, staleAfter: cfg.Billing.StaleLockAfter}
}

func (m *Manager) now() time.Time {
	// lock timestamps are wall clock, never the pinned logical date
	return m.clock.Now(context.Background()).UTC()
}

// AcquireLock takes the lock for key. It returns ErrAlreadyCompleted when the
// phase succeeded for the run date before, and ErrLockHeld when the running row
// cannot be inserted. Any other error comes from reading the lock table.
func (m *Manager) AcquireLock(ctx context.Context, key Key, correlationID string) (*Lock, error) {
	lg := logctx.FromCtx(ctx, m.log).With("phase", key.Phase, "run_date", key.RunDate)

	if m.staleAfter > 0 {
		if n, err := m.reclaimStale(ctx, key); err != nil {
			return nil, fmt.Errorf("reclaim stale lock %s: %w", key, err)
		} else if n > 0 {
			lg.Warnw("reclaimed stale phase lock", "rows", n, "stale_after", m.staleAfter)
		}
	}

	var done int64
	if err := m.db.WithContext(ctx).
		Model(&models.PhaseRun{}).
		Where("job_name = ? AND phase = ? AND run_date = ? AND status = ?",
			key.JobName, key.Phase, key.RunDate.String(), types.PhaseRunStatusSuccess).
		Count(&done).Error; err != nil {
		return nil, fmt.Errorf("check phase run %s: %w", key, err)
	}
	if done > 0 {
		return nil, ErrAlreadyCompleted
	}

	run := &models.PhaseRun{
		ID:            tool.GenerateUUIDV7(),
		JobName:       key.JobName,
		Phase:         key.Phase,
		RunDate:       key.RunDate.String(),
		Period:        key.RunDate.Period().String(),
		CorrelationID: correlationID,
		Status:        types.PhaseRunStatusRunning,
		StartedAt:     m.now(),
	}
	if err := m.db.WithContext(ctx).Create(run).Error; err != nil {
		lg.Infow("phase lock not acquired", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrLockHeld, err)
	}
	return &Lock{Key: key, RunID: run.ID, CorrelationID: correlationID, StartedAt: run.StartedAt}, nil
}

// CompleteLock finalizes a held lock with status, results and an optional error
// message. It writes even if ctx is canceled so timed-out phases still record failure.
func (m *Manager) CompleteLock(ctx context.Context, lock *Lock, status types.PhaseRunStatus, results any, errMsg string) error {
	if lock == nil {
		return fmt.Errorf("%w: nil lock", ErrLockLost)
	}
	if status != types.PhaseRunStatusSuccess && status != types.PhaseRunStatusFailed {
		return fmt.Errorf("invalid completion status %q", status)
	}
	raw, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal phase results: %w", err)
	}

	finished := m.now()
	updates := map[string]any{
		"status":      status,
		"finished_at": finished,
		"results":     datatypes.JSON(raw),
		"updated_at":  finished,
	}
	if errMsg != "" {
		updates["error"] = errMsg
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	res := m.db.WithContext(writeCtx).
		Model(&models.PhaseRun{}).
		Where("id = ? AND job_name = ? AND phase = ? AND run_date = ? AND correlation_id = ? AND status = ?",
			lock.RunID, lock.JobName, lock.Phase, lock.RunDate.String(), lock.CorrelationID, types.PhaseRunStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("complete phase lock %s: %w", lock.Key, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s correlation %s", ErrLockLost, lock.Key, lock.CorrelationID)
	}
	return nil
}

// ResetLock fails every running row of key so the phase can be retried after a
// crash left a lock behind. It returns how many rows were released.
func (m *Manager) ResetLock(ctx context.Context, key Key) (int64, error) {
	now := m.now()
	res := m.db.WithContext(ctx).
		Model(&models.PhaseRun{}).
		Where("job_name = ? AND phase = ? AND run_date = ? AND status = ?",
			key.JobName, key.Phase, key.RunDate.String(), types.PhaseRunStatusRunning).
		Updates(map[string]any{
			"status":      types.PhaseRunStatusFailed,
			"finished_at": now,
			"error":       resetMessage,
			"updated_at":  now,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reset phase lock %s: %w", key, res.Error)
	}
	if res.RowsAffected > 0 {
		logctx.FromCtx(ctx, m.log).Warnw("phase lock reset", "key", key.String(), "rows", res.RowsAffected)
	}
	return res.RowsAffected, nil
}

func (m *Manager) reclaimStale(ctx context.Context, key Key) (int64, error) {
	now := m.now()
	res := m.db.WithContext(ctx).
		Model(&models.PhaseRun{}).
		Where("job_name = ? AND phase = ? AND run_date = ? AND status = ? AND started_at < ?",
			key.JobName, key.Phase, key.RunDate.String(), types.PhaseRunStatusRunning, now.Add(-m.staleAfter)).
		Updates(map[string]any{
			"status":      types.PhaseRunStatusFailed,
			"finished_at": now,
			"error":       reclaimedMessage,
			"updated_at":  now,
		})
	return res.RowsAffected, res.Error
}

// ListRunsRequest filters the phase run history.
type ListRunsRequest struct {
	Filters []*types.CommonFilter `json:"filters"`
	From    int                   `json:"from"`
	Size    int                   `json:"size"`
}

type ListRunsResponse struct {
	Items []*models.PhaseRun `json:"items"`
	Total int64              `json:"total"`
}

var listRunsFields = []string{"job_name", "phase", "run_date", "period", "status", "correlation_id", "started_at", "finished_at"}

// ListRuns pages through phase runs, newest first.
func (m *Manager) ListRuns(ctx context.Context, req *ListRunsRequest) (*ListRunsResponse, error) {
	if err := types.ValidateFields(req.Filters, listRunsFields); err != nil {
		return nil, err
	}
	size := req.Size
	if size <= 0 || size > 200 {
		size = 50
	}
	from := req.From
	if from < 0 {
		from = 0
	}

	query := func() *gorm.DB {
		return m.db.WithContext(ctx).Model(&models.PhaseRun{}).Where(types.FiltersWhere(req.Filters))
	}
	var total int64
	if err := query().Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count phase runs: %w", err)
	}
	var items []*models.PhaseRun
	if err := query().Order("started_at DESC, id DESC").Offset(from).Limit(size).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("list phase runs: %w", err)
	}
	return &ListRunsResponse{Items: items, Total: total}, nil
}

var Module = fx.Options(
	fx.Provide(NewManager),
)
