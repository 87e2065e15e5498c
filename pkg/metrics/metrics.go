package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var HistogramBuckets = []float64{
	// --- Fast (0 - 500ms) ---
	25, 50, 75, 100, 150, 200, 300, 400, 500,

	// --- Medium (500ms - 5s) ---
	750, 1000, 1500, 2000, 3000, 5000,

	// --- Slow phases (5s - 10m) ---
	10000, 30000, 60000, 120000, 300000, 600000,
}

// Metric is a definition for the name, description, type, ID, and
// prometheus.Collector type (i.e. CounterVec, HistogramVec, etc) of each metric
type Metric struct {
	MetricCollector prometheus.Collector
	ID              string
	Name            string
	Description     string
	Type            string
	Args            []string
}

// NewMetric associates prometheus.Collector based on Metric.Type
func NewMetric(m *Metric, subsystem string) prometheus.Collector {
	var metric prometheus.Collector
	switch m.Type {
	case "counter_vec":
		metric = prometheus.NewCounterVec(
			prometheus.CounterOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
			m.Args,
		)
	case "gauge_vec":
		metric = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
			m.Args,
		)
	case "histogram_vec":
		metric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description, Buckets: HistogramBuckets},
			m.Args,
		)
	case "summary_vec":
		metric = prometheus.NewSummaryVec(
			prometheus.SummaryOpts{Subsystem: subsystem, Name: m.Name, Help: m.Description},
			m.Args,
		)
	}
	return metric
}

// register creates each collector and registers it with reg. Collectors that
// are already registered are reused so tests can build several instances.
func register(reg prometheus.Registerer, subsystem string, defs ...*Metric) map[string]prometheus.Collector {
	out := make(map[string]prometheus.Collector, len(defs))
	for _, def := range defs {
		c := NewMetric(def, subsystem)
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				c = are.ExistingCollector
			}
		}
		out[def.ID] = c
	}
	return out
}

var phaseDuration = &Metric{
	ID:          "phaseDur",
	Name:        "phase_duration_ms",
	Description: "Billing phase latency in milliseconds, partitioned by phase and final status.",
	Type:        "histogram_vec",
	Args:        []string{"phase", "status"},
}

var phaseTotal = &Metric{
	ID:          "phaseTotal",
	Name:        "phase_total",
	Description: "Billing phase executions by phase and status (success, failed, skipped).",
	Type:        "counter_vec",
	Args:        []string{"phase", "status"},
}

var dunningTransitions = &Metric{
	ID:          "dunningTransitions",
	Name:        "dunning_transitions_total",
	Description: "Committed dunning level changes by direction and target level.",
	Type:        "counter_vec",
	Args:        []string{"direction", "to_level"},
}

var entityErrors = &Metric{
	ID:          "entityErrors",
	Name:        "entity_errors_total",
	Description: "Per-entity failures recorded by billing phases.",
	Type:        "counter_vec",
	Args:        []string{"phase"},
}

// Billing holds the collectors of the billing cycle.
type Billing struct {
	phaseDur           *prometheus.HistogramVec
	phaseTotal         *prometheus.CounterVec
	dunningTransitions *prometheus.CounterVec
	entityErrors       *prometheus.CounterVec
}

func NewBilling(reg prometheus.Registerer) *Billing {
	c := register(reg, "billing", phaseDuration, phaseTotal, dunningTransitions, entityErrors)
	return &Billing{
		phaseDur:           c[phaseDuration.ID].(*prometheus.HistogramVec),
		phaseTotal:         c[phaseTotal.ID].(*prometheus.CounterVec),
		dunningTransitions: c[dunningTransitions.ID].(*prometheus.CounterVec),
		entityErrors:       c[entityErrors.ID].(*prometheus.CounterVec),
	}
}

// ObservePhase records one phase outcome. status is success, failed or skipped.
func (b *Billing) ObservePhase(phase, status string, elapsed time.Duration, entityErrs int) {
	b.phaseTotal.WithLabelValues(phase, status).Inc()
	if status != "skipped" {
		b.phaseDur.WithLabelValues(phase, status).Observe(float64(elapsed) / float64(time.Millisecond))
	}
	if entityErrs > 0 {
		b.entityErrors.WithLabelValues(phase).Add(float64(entityErrs))
	}
}

func (b *Billing) ObserveDunningTransition(direction string, toLevel int) {
	b.dunningTransitions.WithLabelValues(direction, strconv.Itoa(toLevel)).Inc()
}

// MillisecondsSince returns the elapsed time in fractional milliseconds.
func MillisecondsSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}

const (
	RefererKey = "X-Referer"
)
