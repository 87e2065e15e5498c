package models

import (
	"time"

	"github.com/fatflowers/billing-orchestrator/pkg/types"
	"gorm.io/datatypes"
)

// PhaseRun is the lock and audit row of one phase execution.
// The partial unique index allows at most one running-or-successful row per
// (job_name, phase, run_date); failed rows accumulate as history. Period is the
// billing month of run_date.
type PhaseRun struct {
	ID            string               `gorm:"column:id;type:varchar(64);primaryKey" json:"id"`
	JobName       string               `gorm:"column:job_name;type:varchar(64);not null;uniqueIndex:uniq_phase_run_active,priority:1,where:status <> 'failed'" json:"job_name"`
	Phase         types.Phase          `gorm:"column:phase;type:varchar(64);not null;uniqueIndex:uniq_phase_run_active,priority:2,where:status <> 'failed'" json:"phase"`
	RunDate       string               `gorm:"column:run_date;type:varchar(10);not null;uniqueIndex:uniq_phase_run_active,priority:3,where:status <> 'failed'" json:"run_date"`
	Period        string               `gorm:"column:period;type:varchar(7);not null;index:idx_phase_run_period" json:"period"`
	CorrelationID string               `gorm:"column:correlation_id;type:varchar(64);not null;index:idx_phase_run_correlation" json:"correlation_id"`
	Status        types.PhaseRunStatus `gorm:"column:status;type:varchar(32);not null" json:"status"`
	StartedAt     time.Time            `gorm:"column:started_at;not null" json:"started_at"`
	FinishedAt    *time.Time           `gorm:"column:finished_at" json:"finished_at"`
	Results       datatypes.JSON       `gorm:"column:results" json:"results"`
	Error         *string              `gorm:"column:error;type:text" json:"error"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

func (PhaseRun) TableName() string {
	return "phase_run"
}
