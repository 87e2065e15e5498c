package orchestrator

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
)

// Scheduler triggers the billing run on the configured cron spec.
type Scheduler struct {
	cron *cron.Cron
	orch *Orchestrator
	log  *zap.SugaredLogger
	spec string
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct{ log *zap.SugaredLogger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "err", err)...)
}

func NewScheduler(cfg *cfgpkg.Config, orch *Orchestrator, log *zap.SugaredLogger) *Scheduler {
	cl := cronLogger{log: log.With("component", "scheduler")}
	c := cron.New(
		cron.WithLocation(cfg.Billing.Location()),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return &Scheduler{cron: c, orch: orch, log: log, spec: cfg.Billing.Schedule}
}

// Register adds the billing job. An empty spec disables scheduling.
func (s *Scheduler) Register(ctx context.Context) error {
	if s.spec == "" {
		s.log.Infow("billing schedule disabled")
		return nil
	}
	_, err := s.cron.AddFunc(s.spec, func() {
		summary, err := s.orch.Run(ctx, RunOptions{})
		if err != nil {
			s.log.Errorw("scheduled billing run failed", "err", err)
			return
		}
		s.log.Infow("scheduled billing run done", "correlation_id", summary.CorrelationID, "success", summary.Success)
	})
	if err != nil {
		return fmt.Errorf("invalid billing schedule %q: %w", s.spec, err)
	}
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for a running job to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runScheduler(lc fx.Lifecycle, s *Scheduler) {
	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if err := s.Register(runCtx); err != nil {
				cancel()
				return err
			}
			s.log.Infow("billing scheduler started", "schedule", s.spec)
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.log.Infow("stopping billing scheduler")
			err := s.Stop(ctx)
			cancel()
			return err
		},
	})
}
