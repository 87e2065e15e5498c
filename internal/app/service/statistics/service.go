package statistics

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/fatflowers/billing-orchestrator/internal/clock"
	"github.com/fatflowers/billing-orchestrator/internal/models"
	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

const recentRunsLimit = 20

// LevelCount is the number of entities sitting at a dunning level.
type LevelCount struct {
	Level  types.DunningLevel  `json:"level"`
	Action types.DunningAction `json:"action"`
	Count  int64               `json:"count"`
}

// OverdueTotal sums open, past-due invoices of one currency.
type OverdueTotal struct {
	Currency string          `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
	Invoices int             `json:"invoices"`
	Entities int             `json:"entities"`
}

type StatusCount struct {
	Status types.SubscriptionStatus `json:"status"`
	Count  int64                    `json:"count"`
}

type OverviewResponse struct {
	Today         string             `json:"today"`
	DunningLevels []LevelCount       `json:"dunning_levels"`
	Overdue       []OverdueTotal     `json:"overdue"`
	Subscriptions []StatusCount      `json:"subscriptions"`
	RecentRuns    []*models.PhaseRun `json:"recent_runs"`
}

// Service provides billing overview statistics
type Service struct {
	db    *gorm.DB
	clock clock.Clock
	loc   *time.Location
}

func NewService(db *gorm.DB, clk clock.Clock, cfg *cfgpkg.Config) *Service {
	return &Service{db: db, clock: clk, loc: cfg.Billing.Location()}
}

func (s *Service) today(ctx context.Context) time.Time {
	local := s.clock.Now(ctx).In(s.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

type levelRow struct {
	Level types.DunningLevel
	Count int64
}

func (s *Service) getDunningLevels(ctx context.Context) ([]LevelCount, error) {
	var rows []levelRow
	err := s.db.WithContext(ctx).Model(&models.BillingEntity{}).
		Select("current_dunning_level AS level, count(*) AS count").
		Group("current_dunning_level").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	byLevel := lo.SliceToMap(rows, func(r levelRow) (types.DunningLevel, int64) { return r.Level, r.Count })
	out := make([]LevelCount, 0, int(types.MaxDunningLevel)+1)
	for l := types.DunningLevelNone; l <= types.MaxDunningLevel; l++ {
		out = append(out, LevelCount{Level: l, Action: l.Action(), Count: byLevel[l]})
	}
	return out, nil
}

// getOverdue sums in Go so decimal amounts survive every driver unchanged.
func (s *Service) getOverdue(ctx context.Context, today time.Time) ([]OverdueTotal, error) {
	var invoices []models.Invoice
	err := s.db.WithContext(ctx).
		Select("id", "entity_id", "amount", "currency").
		Where("status IN ?", types.OpenInvoiceStatuses).
		Where("due_date < ?", today).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	byCurrency := lo.GroupBy(invoices, func(inv models.Invoice) string { return inv.Currency })
	out := lo.MapToSlice(byCurrency, func(cur string, invs []models.Invoice) OverdueTotal {
		return OverdueTotal{
			Currency: cur,
			Amount: lo.Reduce(invs, func(acc decimal.Decimal, inv models.Invoice, _ int) decimal.Decimal {
				return acc.Add(inv.Amount)
			}, decimal.Zero),
			Invoices: len(invs),
			Entities: len(lo.Uniq(lo.Map(invs, func(inv models.Invoice, _ int) string { return inv.EntityID }))),
		}
	})
	slices.SortFunc(out, func(a, b OverdueTotal) int { return strings.Compare(a.Currency, b.Currency) })
	return out, nil
}

func (s *Service) getSubscriptions(ctx context.Context) ([]StatusCount, error) {
	var rows []StatusCount
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Select("status, count(*) AS count").
		Group("status").
		Order("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) getRecentRuns(ctx context.Context) ([]*models.PhaseRun, error) {
	var runs []*models.PhaseRun
	err := s.db.WithContext(ctx).
		Order("started_at DESC, id DESC").
		Limit(recentRunsLimit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// GetOverview collects the dashboard sections concurrently.
func (s *Service) GetOverview(ctx context.Context) (*OverviewResponse, error) {
	today := s.today(ctx)
	res := &OverviewResponse{Today: today.Format(time.DateOnly)}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		res.DunningLevels, err = s.getDunningLevels(gctx)
		return wrap("dunning levels", err)
	})
	g.Go(func() (err error) {
		res.Overdue, err = s.getOverdue(gctx, today)
		return wrap("overdue totals", err)
	})
	g.Go(func() (err error) {
		res.Subscriptions, err = s.getSubscriptions(gctx)
		return wrap("subscription counts", err)
	})
	g.Go(func() (err error) {
		res.RecentRuns, err = s.getRecentRuns(gctx)
		return wrap("recent runs", err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return res, nil
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

var Module = fx.Options(
	fx.Provide(NewService),
)
