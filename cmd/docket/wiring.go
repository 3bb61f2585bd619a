package main

import (
	"fmt"
	"os"
	"time"

	"github.com/EffortlessMetrics/docket/internal/backend"
	"github.com/EffortlessMetrics/docket/internal/budget"
	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/plan"
	"github.com/EffortlessMetrics/docket/internal/routing"
	"github.com/EffortlessMetrics/docket/internal/skill"
	"github.com/EffortlessMetrics/docket/internal/supervisor"
)

// loadConfig reads docket.yaml and applies the global flag overrides.
func (g *globalOptions) loadConfig() (*plan.Config, error) {
	cfg, err := plan.LoadConfig(g.Config)
	if err != nil {
		return nil, err
	}
	if g.RunBase != "" {
		cfg.RunBase = g.RunBase
	}
	return cfg, nil
}

// loadPlan resolves the plan: the configured directory when set, the
// builtin four-stage plan otherwise.
func loadPlan(cfg *plan.Config) (*plan.Plan, error) {
	if cfg.PlanDir == "" {
		return plan.Builtin(), nil
	}
	return plan.LoadDir(cfg.PlanDir)
}

// buildBackend selects the execution engine. Credentials come from the
// environment only; the config names the variable, never the value.
func buildBackend(cfg *plan.Config, mode string) (backend.Backend, error) {
	if mode == "" {
		mode = cfg.Mode
	}
	switch mode {
	case "stub":
		return backend.NewStub(), nil
	case "cli":
		if len(cfg.Backend.CLICommand) == 0 {
			return nil, fmt.Errorf("mode cli needs backend.cli_command in %s", "docket.yaml")
		}
		return backend.NewCLI(cfg.Backend.CLICommand), nil
	case "sdk":
		if cfg.Backend.SDKBaseURL == "" || cfg.Backend.SDKModel == "" {
			return nil, fmt.Errorf("mode sdk needs backend.sdk_base_url and backend.sdk_model")
		}
		var pricer *backend.Pricer
		if cfg.Pricing != "" {
			var err error
			if pricer, err = backend.LoadPricing(cfg.Pricing); err != nil {
				return nil, err
			}
		}
		return backend.NewSDK(cfg.Backend.SDKBaseURL, cfg.Backend.SDKModel, cfg.Backend.APIKeyEnv, pricer), nil
	default:
		return nil, fmt.Errorf("unknown backend mode %q (stub, cli, sdk)", mode)
	}
}

// buildSupervisor assembles the full kernel for one process.
func (g *globalOptions) buildSupervisor(mode, workDir string, workers int) (*supervisor.Supervisor, *plan.Config, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := ledger.Open(cfg.RunBase)
	if err != nil {
		return nil, nil, err
	}
	p, err := loadPlan(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := plan.ValidateOrError(p); err != nil {
		return nil, nil, err
	}
	catalog, err := routing.LoadCatalog(cfg.DetourCatalog)
	if err != nil {
		return nil, nil, err
	}
	exec, err := buildBackend(cfg, mode)
	if err != nil {
		return nil, nil, err
	}
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	if workers == 0 {
		workers = cfg.Workers
	}
	clock := budget.WallClock{}
	return &supervisor.Supervisor{
		Store:    store,
		Plan:     p,
		Backend:  exec,
		Skills:   skill.NewRunner(clock),
		Clock:    clock,
		Catalog:  catalog,
		WorkDir:  workDir,
		Workers:  workers,
		Watchdog: time.Duration(cfg.Watchdog),
	}, cfg, nil
}
