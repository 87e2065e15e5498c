package phase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

// ErrPanic marks a per-entity step that panicked; the fold recovers it as an entity failure.
var ErrPanic = errors.New("panic in phase step")

// Context is the logical frame shared by every phase of one orchestrator invocation.
type Context struct {
	JobName       string
	Period        types.BillingPeriod
	CorrelationID string
	// Today is the logical run date at midnight UTC.
	Today time.Time
	// Now is the instant the run started; trial expiry compares against it.
	Now time.Time
}

// Processor is one phase of the billing cycle.
type Processor interface {
	Phase() types.Phase
	// Run processes every eligible entity. A returned error is phase-fatal and
	// means no entities were attempted; per-entity failures go to the tally.
	Run(ctx context.Context, pc Context) (*Tally, error)
}

// Outcome lists the count keys a single step contributes to the tally.
type Outcome []string

func Done(keys ...string) Outcome { return Outcome(keys) }

type EntityError struct {
	EntityID string `json:"entity_id"`
	Error    string `json:"error"`
}

func (e EntityError) String() string {
	return fmt.Sprintf("%s: %s", e.EntityID, e.Error)
}

// Result is the serializable view of a tally, persisted as phase run results.
type Result struct {
	Counts map[string]int `json:"counts"`
	Errors []EntityError  `json:"errors"`
}

// Tally folds per-entity outcomes. It is safe for concurrent use.
type Tally struct {
	mu     sync.Mutex
	counts map[string]int
	errors []EntityError
}

func NewTally() *Tally {
	return &Tally{counts: make(map[string]int)}
}

func (t *Tally) Add(key string, n int) {
	t.mu.Lock()
	t.counts[key] += n
	t.mu.Unlock()
}

func (t *Tally) Inc(key string) { t.Add(key, 1) }

func (t *Tally) Record(o Outcome) {
	t.mu.Lock()
	for _, k := range o {
		t.counts[k]++
	}
	t.mu.Unlock()
}

// Fail records an entity failure. Any failure makes the phase failed.
func (t *Tally) Fail(entityID string, err error) {
	t.mu.Lock()
	t.counts["failed"]++
	t.errors = append(t.errors, EntityError{EntityID: entityID, Error: err.Error()})
	t.mu.Unlock()
}

func (t *Tally) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.errors) > 0
}

func (t *Tally) Count(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[key]
}

// Result copies the tally. Errors are sorted by entity id.
func (t *Tally) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	counts := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		counts[k] = v
	}
	errs := make([]EntityError, len(t.errors))
	copy(errs, t.errors)
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].EntityID < errs[j].EntityID })
	return Result{Counts: counts, Errors: errs}
}
