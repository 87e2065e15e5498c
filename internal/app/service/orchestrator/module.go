package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/dunning"
	"github.com/fatflowers/billing-orchestrator/pkg/metrics"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

// transitionMetrics feeds dunning transitions into the billing metrics.
type transitionMetrics struct{ m *metrics.Billing }

func (t transitionMetrics) ObserveTransition(direction types.DunningDirection, to types.DunningLevel) {
	t.m.ObserveDunningTransition(string(direction), int(to))
}

func newTransitionObserver(m *metrics.Billing) dunning.TransitionObserver {
	return transitionMetrics{m: m}
}

func newBillingMetrics() *metrics.Billing {
	return metrics.NewBilling(prometheus.DefaultRegisterer)
}

// Module wires the orchestrator for one-shot runs.
var Module = fx.Options(
	fx.Provide(
		newBillingMetrics,
		newTransitionObserver,
		New,
	),
)

// SchedulerModule adds the cron trigger used by the long-running service.
var SchedulerModule = fx.Options(
	fx.Provide(NewScheduler),
	fx.Invoke(runScheduler),
)
