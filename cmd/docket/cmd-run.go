package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

type cmdRun struct {
	Flows     []string `long:"flows" description:"Flow names to execute in order (default: every plan flow)"`
	Mode      string   `long:"mode" choice:"stub" choice:"cli" choice:"sdk" description:"Backend mode (default from config)"`
	BudgetUSD float64  `long:"budget-usd" description:"Run budget cap in USD (default from config)"`
	WorkDir   string   `long:"workdir" description:"Repository the run operates on (default: cwd)"`
	Workers   int      `long:"workers" description:"Per-flow parallelism for disjoint steps"`

	opts *globalOptions
}

func (cmd *cmdRun) Execute(_ []string) error {
	sup, cfg, err := cmd.opts.buildSupervisor(cmd.Mode, cmd.WorkDir, cmd.Workers)
	if err != nil {
		return err
	}
	budgetUSD := cmd.BudgetUSD
	if budgetUSD == 0 {
		budgetUSD = cfg.BudgetUSD
	}
	mode := cmd.Mode
	if mode == "" {
		mode = cfg.Mode
	}
	flows := cmd.Flows
	if len(flows) == 0 {
		flows = cfg.Flows
	}

	runID, err := sup.Start(ledger.RunSpec{Flows: flows, Mode: mode, BudgetUSD: budgetUSD})
	if err != nil {
		return err
	}
	fmt.Printf("run_id=%s\n", runID)
	return drive(sup, runID)
}

// drive executes the run under signal-aware cancellation and maps the final
// status to the process exit code. SIGINT and SIGTERM leave the run
// resumable.
func drive(sup interface {
	Drive(ctx context.Context, runID string) (*ledger.RunMeta, error)
}, runID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	meta, err := sup.Drive(ctx, runID)
	if meta != nil {
		fmt.Printf("status=%s\n", meta.Status)
		if meta.StatusReason != "" {
			fmt.Printf("reason=%s\n", meta.StatusReason)
		}
		fmt.Printf("cost_usd=%.4f\n", meta.CumulativeCost)
	}
	if err != nil {
		return err
	}

	switch meta.Status {
	case ledger.RunCompleted:
		return nil
	case ledger.RunEscalated:
		return exitf(exitGovernance, "run %s escalated: %s (resolve via `docket status %s` and the control API)", runID, meta.StatusReason, runID)
	case ledger.RunPaused:
		return exitf(exitGovernance, "run %s paused: %s (resume with `docket resume %s`)", runID, meta.StatusReason, runID)
	default:
		return exitf(exitGovernance, "run %s %s: %s", runID, meta.Status, meta.StatusReason)
	}
}
