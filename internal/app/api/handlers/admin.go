package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/orchestrator"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/phaselock"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/statistics"
	"github.com/fatflowers/billing-orchestrator/internal/models"
	"github.com/fatflowers/billing-orchestrator/pkg/logctx"
	"github.com/fatflowers/billing-orchestrator/pkg/response"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

// BillingRunner triggers the billing cycle.
type BillingRunner interface {
	Run(ctx context.Context, opts orchestrator.RunOptions) (*orchestrator.Summary, error)
}

// PhaseRuns exposes the phase lock history and the operator reset.
type PhaseRuns interface {
	ListRuns(ctx context.Context, req *phaselock.ListRunsRequest) (*phaselock.ListRunsResponse, error)
	ResetLock(ctx context.Context, key phaselock.Key) (int64, error)
}

type DunningLedger interface {
	Entity(ctx context.Context, id string) (*models.BillingEntity, error)
	DunningLogs(ctx context.Context, entityID string, limit int) ([]models.DunningLog, error)
}

type OverviewProvider interface {
	GetOverview(ctx context.Context) (*statistics.OverviewResponse, error)
}

type RunBillingRequest struct {
	// Today is the logical run date (YYYY-MM-DD). Empty uses the clock.
	Today  string        `json:"today" example:"2026-05-01"`
	Phases []types.Phase `json:"phases"`
}

func (r *RunBillingRequest) options() (orchestrator.RunOptions, error) {
	var opts orchestrator.RunOptions
	if r.Today != "" {
		d, err := time.ParseInLocation(time.DateOnly, r.Today, time.UTC)
		if err != nil {
			return opts, fmt.Errorf("invalid today %q: want YYYY-MM-DD", r.Today)
		}
		opts.Today = &d
	}
	if err := orchestrator.ValidatePhases(r.Phases); err != nil {
		return opts, err
	}
	opts.Phases = lo.Uniq(r.Phases)
	return opts, nil
}

// @Summary      Run Billing Cycle (Admin)
// @Description  Runs the billing phases for the logical date. Phases already completed for that date are skipped.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body RunBillingRequest false "Optional date override and phase subset"
// @Success      200  {object}  handlers.RespRunSummary
// @Failure      500  {object}  handlers.RespRunSummary
// @Router       /api/v1/admin/billing/run [post]
func ApiRunBilling(runner BillingRunner, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RunBillingRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
				return
			}
		}
		opts, err := req.options()
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		// a dropped client must not abort a run holding phase locks
		summary, err := runner.Run(context.WithoutCancel(c.Request.Context()), opts)
		if err != nil {
			logctx.FromGin(c, log).Errorw("billing run aborted", "err", err)
			c.JSON(http.StatusInternalServerError, response.ErrorT(response.APIResponseCodeError, summary))
			return
		}
		c.JSON(http.StatusOK, response.OKT(summary))
	}
}

// @Summary      List Phase Runs (Admin)
// @Description  Pages through phase lock rows, newest first.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body phaselock.ListRunsRequest true "Filters and pagination"
// @Success      200  {object}  handlers.RespListRuns
// @Router       /api/v1/admin/billing/runs [post]
func ApiListRuns(runs PhaseRuns) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req phaselock.ListRunsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		res, err := runs.ListRuns(c.Request.Context(), &req)
		if err != nil {
			code := response.APIResponseCodeError
			if errors.Is(err, types.ErrInvalidFilter) {
				code = response.APIResponseCodeBadRequest
			}
			c.JSON(http.StatusOK, response.ErrorT[any](code, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

type ResetLockRequest struct {
	JobName string      `json:"job_name"`
	Phase   types.Phase `json:"phase" binding:"required"`
	RunDate string      `json:"run_date" binding:"required" example:"2026-05-01"`
}

type ResetLockResponse struct {
	Reset int64 `json:"reset"`
}

// @Summary      Reset Phase Lock (Admin)
// @Description  Marks a stuck running phase row as failed so the next run can retry it.
// @Tags         Admin
// @Accept       json
// @Produce      json
// @Param        request body ResetLockRequest true "Lock to reset"
// @Success      200  {object}  handlers.RespResetLock
// @Router       /api/v1/admin/billing/locks/reset [post]
func ApiResetLock(runs PhaseRuns, defaultJob string, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ResetLockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		if !req.Phase.Valid() {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, fmt.Sprintf("unknown phase %q", req.Phase)))
			return
		}
		runDate, err := types.ParseRunDate(req.RunDate)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, err.Error()))
			return
		}
		key := phaselock.Key{JobName: lo.CoalesceOrEmpty(req.JobName, defaultJob), Phase: req.Phase, RunDate: runDate}
		n, err := runs.ResetLock(c.Request.Context(), key)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		if n == 0 {
			c.JSON(http.StatusOK, response.ErrorT(response.APIResponseCodeNotFound, &ResetLockResponse{}))
			return
		}
		logctx.FromGin(c, log).Infow("phase lock reset", "lock", key.String(), "rows", n)
		c.JSON(http.StatusOK, response.OKT(&ResetLockResponse{Reset: n}))
	}
}

// @Summary      Entity Dunning Log (Admin)
// @Description  Returns the dunning transitions of an entity, newest first.
// @Tags         Admin
// @Produce      json
// @Param        id     path   string  true   "Billing entity id"
// @Param        limit  query  int     false  "Maximum rows (default 100)"
// @Success      200  {object}  handlers.RespDunningLog
// @Router       /api/v1/admin/billing/entities/{id}/dunning_log [get]
func ApiDunningLog(ledger DunningLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		limit := 0
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil {
				c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeBadRequest, "limit must be an integer"))
				return
			}
			limit = n
		}
		entity, err := ledger.Entity(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		if entity == nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeNotFound, nil))
			return
		}
		logs, err := ledger.DunningLogs(c.Request.Context(), id, limit)
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(&DunningLogResponse{Entity: entity, Items: logs}))
	}
}

type DunningLogResponse struct {
	Entity *models.BillingEntity `json:"entity"`
	Items  []models.DunningLog   `json:"items"`
}

// @Summary      Billing Overview (Admin)
// @Description  Dunning level distribution, overdue totals, subscription states and recent phase runs.
// @Tags         Admin
// @Produce      json
// @Success      200  {object}  handlers.RespOverview
// @Router       /api/v1/admin/billing/overview [get]
func ApiOverview(svc OverviewProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := svc.GetOverview(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusOK, response.ErrorT[any](response.APIResponseCodeError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, response.OKT(res))
	}
}

// AdminDeps groups what the admin billing routes need.
type AdminDeps struct {
	Runner     BillingRunner
	Runs       PhaseRuns
	Ledger     DunningLedger
	Overview   OverviewProvider
	DefaultJob string
	Log        *zap.SugaredLogger
}

func RegisterAdminBillingRoutes(r gin.IRouter, d AdminDeps) {
	g := r.Group("/billing")
	g.POST("/run", ApiRunBilling(d.Runner, d.Log))
	g.POST("/runs", ApiListRuns(d.Runs))
	g.POST("/locks/reset", ApiResetLock(d.Runs, d.DefaultJob, d.Log))
	g.GET("/entities/:id/dunning_log", ApiDunningLog(d.Ledger))
	g.GET("/overview", ApiOverview(d.Overview))
}
