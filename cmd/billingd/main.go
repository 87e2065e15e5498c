package main

// @title           Billing Orchestrator API
// @version         1.0
// @description     Admin API for the recurring billing and dunning cycle.

// @host      localhost:8888
// @BasePath  /

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/fatflowers/billing-orchestrator/internal/app"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/orchestrator"
	"github.com/fatflowers/billing-orchestrator/internal/app/service/phaselock"
	cfgpkg "github.com/fatflowers/billing-orchestrator/pkg/config"
	"github.com/fatflowers/billing-orchestrator/pkg/types"
)

var errRunFailed = errors.New("billing run finished with failed phases")

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "billingd",
		Short:         "Recurring billing and dunning orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newRunCmd(), newUnlockCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API and the scheduled billing cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := fx.New(app.Module, fx.StartTimeout(app.DefaultStartTimeout), fx.StopTimeout(app.DefaultStopTimeout))
			if err := a.Err(); err != nil {
				return fmt.Errorf("failed to build app: %w", err)
			}
			a.Run()
			return nil
		},
	}
}

// withCore starts the core graph, hands the populated targets to fn, then stops it.
func withCore(fn func(ctx context.Context) error, targets ...any) error {
	a := fx.New(app.CoreModule, fx.NopLogger, fx.Populate(targets...))
	startCtx, cancel := context.WithTimeout(context.Background(), app.DefaultStartTimeout)
	defer cancel()
	if err := a.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start app: %w", err)
	}
	runErr := fn(context.Background())

	stopCtx, cancel2 := context.WithTimeout(context.Background(), app.DefaultStopTimeout)
	defer cancel2()
	if err := a.Stop(stopCtx); err != nil && runErr == nil {
		return fmt.Errorf("failed to stop app: %w", err)
	}
	return runErr
}

func newRunCmd() *cobra.Command {
	var (
		today  string
		phases []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the billing cycle once and print the summary as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts orchestrator.RunOptions
			if today != "" {
				d, err := time.ParseInLocation(time.DateOnly, today, time.UTC)
				if err != nil {
					return fmt.Errorf("invalid --today %q: want YYYY-MM-DD", today)
				}
				opts.Today = &d
			}
			for _, p := range phases {
				opts.Phases = append(opts.Phases, types.Phase(p))
			}
			if err := orchestrator.ValidatePhases(opts.Phases); err != nil {
				return err
			}

			var orch *orchestrator.Orchestrator
			return withCore(func(ctx context.Context) error {
				summary, err := orch.Run(ctx, opts)
				if summary != nil {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					if encErr := enc.Encode(summary); encErr != nil {
						return encErr
					}
				}
				if err != nil {
					return err
				}
				if !summary.Success {
					return errRunFailed
				}
				return nil
			}, &orch)
		},
	}
	cmd.Flags().StringVar(&today, "today", "", "logical run date (YYYY-MM-DD); defaults to today in billing.timezone")
	cmd.Flags().StringSliceVar(&phases, "phase", nil, "restrict the run to these phases (repeatable)")
	return cmd
}

func newUnlockCmd() *cobra.Command {
	var job, phaseName, runDate string
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Mark a stuck running phase lock as failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ph := types.Phase(phaseName)
			if !ph.Valid() {
				return fmt.Errorf("unknown phase %q", phaseName)
			}
			d, err := types.ParseRunDate(runDate)
			if err != nil {
				return err
			}

			var (
				locks *phaselock.Manager
				cfg   *cfgpkg.Config
			)
			return withCore(func(ctx context.Context) error {
				key := phaselock.Key{JobName: job, Phase: ph, RunDate: d}
				if key.JobName == "" {
					key.JobName = cfg.Billing.JobName
				}
				n, err := locks.ResetLock(ctx, key)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d running lock(s) for %s\n", n, key)
				return nil
			}, &locks, &cfg)
		},
	}
	cmd.Flags().StringVar(&job, "job", "", "job name (defaults to billing.job_name)")
	cmd.Flags().StringVar(&phaseName, "phase", "", "phase to unlock")
	cmd.Flags().StringVar(&runDate, "date", "", "logical run date of the lock (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("phase")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}
