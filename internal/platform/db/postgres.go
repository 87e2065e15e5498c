package db

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormprom "gorm.io/plugin/prometheus"

	"github.com/fatflowers/billing-orchestrator/internal/models"
	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
	gormzap "github.com/fatflowers/billing-orchestrator/pkg/gormlog"
)

func NewDB(l *zap.SugaredLogger, cfg *cfgpkg.Config) (*gorm.DB, error) {
	if cfg.Database.DSN == "" {
		l.Error("database DSN is empty")
		return nil, gorm.ErrInvalidDB
	}
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		Logger: gormzap.New(l, cfg.Database.SlowThreshold),
	})
	if err != nil {
		l.Errorf("failed to connect database: %v", err)
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil && cfg.Database.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.Database.MaxOpenConns / 2)
	}
	if cfg.MetricsAddr != "" {
		// connection pool gauges, exposed through the default registry
		if err := db.Use(gormprom.New(gormprom.Config{
			DBName:          "billing",
			RefreshInterval: 15,
			StartServer:     false,
		})); err != nil {
			l.Warnw("gorm prometheus plugin not registered", "err", err)
		}
	}
	l.Infow("connected to postgres via DSN")
	return db, nil
}

var Module = fx.Options(
	fx.Provide(NewDB),
	fx.Invoke(AutoMigrate),
	fx.Invoke(registerDBClose),
)

// Tables lists every ledger table in migration order.
func Tables() []interface{} {
	return []interface{}{
		&models.BillingEntity{},
		&models.BillingProfile{},
		&models.Plan{},
		&models.Subscription{},
		&models.SubscriptionLog{},
		&models.Invoice{},
		&models.UsageRecord{},
		&models.PhaseRun{},
		&models.DunningLog{},
	}
}

// Migrate creates or updates the ledger schema, including the partial unique
// indexes the phase lock and invoice generator rely on.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Tables()...)
}

// AutoMigrate runs GORM migrations on startup
func AutoMigrate(l *zap.SugaredLogger, db *gorm.DB) error {
	if err := Migrate(db); err != nil {
		l.Errorf("automigrate failed: %v", err)
		return err
	}
	l.Infow("automigrate completed")
	return nil
}

// registerDBClose ensures the underlying *sql.DB is closed on shutdown
func registerDBClose(lc fx.Lifecycle, l *zap.SugaredLogger, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				l.Warnw("gorm: get sql.DB failed", "err", err)
				return nil
			}
			l.Infow("closing postgres connection pool")
			return sqlDB.Close()
		},
	})
}
