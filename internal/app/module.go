package app

import (
	"time"

	"go.uber.org/fx"

	"github.com/fatflowers/billing-orchestrator/internal/app/api/server"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/delinquency"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/dunning"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/entitylock"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/invoicing"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/ledger"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/orchestrator"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/phaselock"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/statistics"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/subscription"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/trial"
	"github.com/fatflowers/billing-orchestrator/internal/clock"
	"github.com/fatflowers/billing-orchestrator/internal/platform/db"
	"github.com/fatflowers/billing-orchestrator/internal/platform/redis"
	"github.com/fatflowers/billing-orchestrator/pkg/config"
	"github.com/fatflowers/billing-orchestrator/pkg/logger"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// CoreModule wires the ledger, the phases and the orchestrator without any
// long-running listeners. One-shot CLI commands use it directly.
var CoreModule = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	redis.Module,
	clock.Module,
	entitylock.Module,
	ledger.Module,
	subscription.Module,
	phaselock.Module,
	invoicing.Module,
	dunning.Module,
	trial.Module,
	delinquency.Module,
	orchestrator.Module,
	statistics.Module,
)

// Module is the long-running service: admin API, metrics and the cron trigger.
var Module = fx.Options(
	CoreModule,
	server.Module,
	orchestrator.SchedulerModule,
)
