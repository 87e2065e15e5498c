package handlers

import (
	"github.com/fatflowers/billing-orchestrator/internal/app/service/orchestrator"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/phaselock"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/statistics"
	"github.com/fatflowers/billing-orchestrator/pkg/response"
)

// RespHealth wraps the health status map in the standard envelope.
type RespHealth struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    map[string]string        `json:"data"`
}

// RespRunSummary wraps orchestrator.Summary in the standard envelope.
type RespRunSummary struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    orchestrator.Summary     `json:"data"`
}

// RespListRuns wraps phaselock.ListRunsResponse in the standard envelope.
type RespListRuns struct {
	Code    response.APIResponseCode   `json:"code"`
	Message string                     `json:"message"`
	Data    phaselock.ListRunsResponse `json:"data"`
}

type RespResetLock struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    ResetLockResponse        `json:"data"`
}

type RespDunningLog struct {
	Code    response.APIResponseCode `json:"code"`
	Message string                   `json:"message"`
	Data    DunningLogResponse       `json:"data"`
}

// RespOverview wraps statistics.OverviewResponse in the standard envelope.
type RespOverview struct {
	Code    response.APIResponseCode    `json:"code"`
	Message string                      `json:"message"`
	Data    statistics.OverviewResponse `json:"data"`
}
