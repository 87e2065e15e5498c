package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fatflowers/billing-orchestrator/internal/app/service/phase"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/phaselock"
	"github.com/fatflowers/billing-orchestrator/internal/clock"
	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
	"github.com/fatflowers/billing-orchestrator/pkg/logctx"
	"github.com/fatflowers/billing-orchestrator/pkg/metrics"
	"github.com/fatflowers/billing-orchestrator/pkg/tool"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

var (
	ErrUnknownPhase = errors.New("unknown phase")
	// ErrRunPanic wraps a panic that escaped the phase boundary.
	ErrRunPanic = errors.New("billing run panicked")
)

const (
	SkipAlreadyCompleted = "already_completed"
	SkipLockHeld         = "lock_held"
	SkipNotSelected      = "not_selected"
)

// RunOptions tunes a single invocation.
type RunOptions struct {
	// Today overrides the logical run date; the period derives from it.
	Today *time.Time
	// Phases restricts the run to a subset. Empty runs all phases.
	Phases []types.Phase
	// CorrelationID is generated when empty.
	CorrelationID string
}

// PhaseSummary reports one phase of a run.
type PhaseSummary struct {
	Phase      types.Phase          `json:"phase"`
	Skipped    bool                 `json:"skipped"`
	SkipReason string               `json:"skip_reason,omitempty"`
	Status     types.PhaseRunStatus `json:"status,omitempty"`
	Counts     map[string]int       `json:"counts"`
	Errors     []string             `json:"errors"`
	DurationMs int64                `json:"duration_ms"`
}

// Summary is returned to every caller of Run.
type Summary struct {
	Success       bool           `json:"success"`
	CorrelationID string         `json:"correlation_id"`
	Period        string         `json:"period"`
	Today         string         `json:"today"`
	Phases        []PhaseSummary `json:"phases"`
	Error         string         `json:"error,omitempty"`
}

type Orchestrator struct {
	cfg        *cfgpkg.Config
	log        *zap.SugaredLogger
	locks      *phaselock.Manager
	clock      clock.Clock
	processors []phase.Processor
	metrics    *metrics.Billing
	tracer     trace.Tracer
}

type Params struct {
	fx.In

	Config     *cfgpkg.Config
	Log        *zap.SugaredLogger
	Locks      *phaselock.Manager
	Clock      clock.Clock
	Metrics    *metrics.Billing
	Processors []phase.Processor `group:"phases"`
}

func New(p Params) *Orchestrator {
	return NewOrchestrator(p.Config, p.Log, p.Locks, p.Clock, p.Metrics, p.Processors...)
}

// NewOrchestrator orders processors by their phase's position in the cycle.
func NewOrchestrator(cfg *cfgpkg.Config, log *zap.SugaredLogger, locks *phaselock.Manager, clk clock.Clock, m *metrics.Billing, processors ...phase.Processor) *Orchestrator {
	ordered := slices.Clone(processors)
	slices.SortStableFunc(ordered, func(a, b phase.Processor) int {
		return slices.Index(types.AllPhases, a.Phase()) - slices.Index(types.AllPhases, b.Phase())
	})
	return &Orchestrator{
		cfg:        cfg,
		log:        log,
		locks:      locks,
		clock:      clk,
		processors: ordered,
		metrics:    m,
		tracer:     otel.Tracer("github.com/fatflowers/billing-orchestrator/orchestrator"),
	}
}

// ValidatePhases rejects names outside the cycle.
func ValidatePhases(phases []types.Phase) error {
	for _, p := range phases {
		if !p.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownPhase, p)
		}
	}
	return nil
}

// Run executes the selected phases in order. Every phase gets its own lock,
// timeout and panic boundary, so one failing phase never prevents the next.
// A non-nil error is returned only for invalid options or a panic outside the
// phase boundary; the summary is always populated.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (summary *Summary, err error) {
	cid := opts.CorrelationID
	if cid == "" {
		cid = tool.NewCorrelationID()
	}
	summary = &Summary{CorrelationID: cid, Phases: []PhaseSummary{}}
	lg := o.log.With("correlation_id", cid)

	defer func() {
		if r := recover(); r != nil {
			lg.Errorw("billing run panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrRunPanic, r)
			summary.Success = false
			summary.Error = err.Error()
		}
	}()

	if err := ValidatePhases(opts.Phases); err != nil {
		summary.Error = err.Error()
		return summary, err
	}

	ctx = logctx.WithCorrelationID(ctx, cid)
	ctx = logctx.WithLogger(ctx, lg)
	var today time.Time
	if opts.Today != nil {
		ctx = clock.WithTime(ctx, *opts.Today)
		today = types.DateOf(*opts.Today)
	}
	now := o.clock.Now(ctx)
	if opts.Today == nil {
		local := now.In(o.cfg.Billing.Location())
		today = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	}
	pc := phase.Context{
		JobName:       o.cfg.Billing.JobName,
		Period:        types.PeriodOf(today),
		CorrelationID: cid,
		Today:         today,
		Now:           now.UTC(),
	}
	summary.Period = pc.Period.String()
	summary.Today = today.Format(time.DateOnly)

	ctx, span := o.tracer.Start(ctx, "billing.run", trace.WithAttributes(
		attribute.String("billing.correlation_id", cid),
		attribute.String("billing.period", summary.Period),
		attribute.String("billing.job", pc.JobName),
	))
	defer span.End()

	lg.Infow("billing run started", "period", summary.Period, "today", summary.Today, "phases", opts.Phases)
	start := time.Now()

	summary.Success = true
	for _, p := range o.processors {
		if len(opts.Phases) > 0 && !slices.Contains(opts.Phases, p.Phase()) {
			continue
		}
		ps := o.runPhase(ctx, pc, p)
		if ps.Status == types.PhaseRunStatusFailed {
			summary.Success = false
		}
		summary.Phases = append(summary.Phases, ps)
	}

	if !summary.Success {
		span.SetStatus(codes.Error, "one or more phases failed")
	}
	lg.Infow("billing run finished", "success", summary.Success, "duration_ms", time.Since(start).Milliseconds())
	return summary, nil
}

func (o *Orchestrator) runPhase(ctx context.Context, pc phase.Context, p phase.Processor) (ps PhaseSummary) {
	name := p.Phase()
	ps = PhaseSummary{Phase: name, Counts: map[string]int{}, Errors: []string{}}
	lg := logctx.FromCtx(ctx, o.log).With("phase", name)
	start := time.Now()

	ctx, span := o.tracer.Start(ctx, "billing.phase", trace.WithAttributes(attribute.String("billing.phase", string(name))))
	defer func() {
		ps.DurationMs = time.Since(start).Milliseconds()
		status := string(ps.Status)
		if ps.Skipped {
			status = "skipped"
		}
		span.SetAttributes(attribute.String("billing.phase_status", status), attribute.Int("billing.entity_errors", ps.Counts["failed"]))
		if ps.Status == types.PhaseRunStatusFailed {
			span.SetStatus(codes.Error, strings.Join(ps.Errors, "; "))
		}
		span.End()
		if o.metrics != nil {
			o.metrics.ObservePhase(string(name), status, time.Since(start), ps.Counts["failed"])
		}
	}()

	key := phaselock.Key{JobName: pc.JobName, Phase: name, RunDate: types.RunDateOf(pc.Today)}
	lock, err := o.locks.AcquireLock(ctx, key, pc.CorrelationID)
	switch {
	case errors.Is(err, phaselock.ErrAlreadyCompleted):
		ps.Skipped, ps.SkipReason = true, SkipAlreadyCompleted
		lg.Infow("phase skipped", "reason", ps.SkipReason)
		return ps
	case errors.Is(err, phaselock.ErrLockHeld):
		ps.Skipped, ps.SkipReason = true, SkipLockHeld
		lg.Infow("phase skipped", "reason", ps.SkipReason)
		return ps
	case err != nil:
		ps.Status = types.PhaseRunStatusFailed
		ps.Errors = append(ps.Errors, err.Error())
		lg.Errorw("phase lock failed", "err", err)
		return ps
	}

	timeout := o.cfg.Billing.PhaseTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tally, runErr := o.execute(phaseCtx, pc, p)
	if runErr == nil && phaseCtx.Err() != nil {
		runErr = fmt.Errorf("phase did not finish: %w", phaseCtx.Err())
	}

	result := phase.Result{Counts: map[string]int{}, Errors: []phase.EntityError{}}
	if tally != nil {
		result = tally.Result()
	}
	ps.Counts = result.Counts
	ps.Errors = lo.Map(result.Errors, func(e phase.EntityError, _ int) string { return e.String() })

	ps.Status = types.PhaseRunStatusSuccess
	var errMsg string
	if runErr != nil {
		ps.Errors = append(ps.Errors, runErr.Error())
		errMsg = runErr.Error()
	}
	if runErr != nil || len(result.Errors) > 0 {
		ps.Status = types.PhaseRunStatusFailed
		if errMsg == "" {
			errMsg = fmt.Sprintf("%d entity failure(s)", len(result.Errors))
		}
	}

	if err := o.locks.CompleteLock(ctx, lock, ps.Status, resultsPayload(result, runErr), errMsg); err != nil {
		ps.Status = types.PhaseRunStatusFailed
		ps.Errors = append(ps.Errors, err.Error())
		lg.Errorw("phase lock completion failed", "err", err)
	}

	lg.Infow("phase finished", "status", ps.Status, "counts", ps.Counts, "entity_errors", len(result.Errors),
		"duration_ms", time.Since(start).Milliseconds())
	return ps
}

// execute runs a processor behind a panic boundary.
func (o *Orchestrator) execute(ctx context.Context, pc phase.Context, p phase.Processor) (tally *phase.Tally, err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.FromCtx(ctx, o.log).Errorw("phase panic", "phase", p.Phase(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", phase.ErrPanic, r)
		}
	}()
	return p.Run(ctx, pc)
}

func resultsPayload(r phase.Result, runErr error) json.RawMessage {
	payload := struct {
		phase.Result
		Fatal string `json:"fatal,omitempty"`
	}{Result: r}
	if runErr != nil {
		payload.Fatal = runErr.Error()
	}
	raw, _ := json.Marshal(payload)
	return raw
}
