package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/fatflowers/billing-orchestrator/docs"
	"github.com/fatflowers/billing-orchestrator/internal/app/api/handlers"
	mw "github.com/fatflowers/billing-orchestrator/internal/app/api/middleware"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/ledger"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/orchestrator"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/phaselock"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/statistics"
	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
	metrics "github.com/fatflowers/billing-orchestrator/pkg/metrics"
)

type RouteParams struct {
	fx.In

	Log      *zap.SugaredLogger
	Config   *cfgpkg.Config
	DB       *gorm.DB
	Orch     *orchestrator.Orchestrator
	Locks    *phaselock.Manager
	Ledger   *ledger.Store
	Overview *statistics.Service
}

func newEngine(cfg *cfgpkg.Config) *gin.Engine {
	if cfg.Env == cfgpkg.EnvProd {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	// request logger & access log are attached per group in registerRoutes
	r.Use(mw.TraceMiddleware())
	return r
}

func registerRoutes(r *gin.Engine, p RouteParams) error {
	if p.Config.MetricsAddr != "" {
		prom := metrics.NewPrometheus(metrics.NewPrometheusOptions{Registerer: prometheus.DefaultRegisterer})
		r.Use(prom.HandlerFunc())
	}

	sqlDB, err := p.DB.DB()
	if err != nil {
		return fmt.Errorf("health check needs sql.DB: %w", err)
	}

	// Public group: request logger + access log
	pub := r.Group("/")
	pub.Use(mw.RequestLoggerMiddleware(p.Log), mw.AccessLogMiddleware(p.Log))
	handlers.RegisterHealthRoutes(pub, sqlDB)
	docs.SwaggerInfo.BasePath = "/"
	pub.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	apiV1 := r.Group("/api/v1")
	apiV1.Use(mw.RequestLoggerMiddleware(p.Log), mw.AccessLogMiddleware(p.Log))
	handlers.RegisterAdminBillingRoutes(apiV1.Group("/admin"), handlers.AdminDeps{
		Runner:     p.Orch,
		Runs:       p.Locks,
		Ledger:     p.Ledger,
		Overview:   p.Overview,
		DefaultJob: p.Config.Billing.JobName,
		Log:        p.Log,
	})
	return nil
}

func serve(lc fx.Lifecycle, log *zap.SugaredLogger, name string, srv *http.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting "+name+" server", "addr", srv.Addr)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorw(name+" server error", "err", err)
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infow("stopping " + name + " server")
			shutdownCtx, cancel := context.WithTimeout(ctx, 120*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

func runServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config, r *gin.Engine) {
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	serve(lc, log, "HTTP", &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second})
}

// runMetricsServer exposes the default registry on its own listener.
func runMetricsServer(lc fx.Lifecycle, log *zap.SugaredLogger, cfg *cfgpkg.Config) {
	if cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))
	serve(lc, log, "metrics", &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
}

var Module = fx.Options(
	fx.Provide(newEngine),
	fx.Invoke(registerRoutes),
	fx.Invoke(runServer),
	fx.Invoke(runMetricsServer),
)
