package main

import (
	"fmt"
	"os"

	"github.com/EffortlessMetrics/docket/internal/plan"
)

type cmdValidate struct {
	Plan string `long:"plan" description:"Plan file or directory (default from config; builtin plan otherwise)"`

	opts *globalOptions
}

func (cmd *cmdValidate) Execute(_ []string) error {
	cfg, err := cmd.opts.loadConfig()
	if err != nil {
		return err
	}

	var p *plan.Plan
	switch {
	case cmd.Plan != "":
		info, err := os.Stat(cmd.Plan)
		if err != nil {
			return err
		}
		if info.IsDir() {
			p, err = plan.LoadDir(cmd.Plan)
		} else {
			p, err = plan.Load(cmd.Plan)
		}
		if err != nil {
			return err
		}
	default:
		if p, err = loadPlan(cfg); err != nil {
			return err
		}
	}

	diags := plan.Validate(p)
	failed := false
	for _, d := range diags {
		fmt.Printf("%s: %s (%s)\n", d.Severity, d.Message, d.Rule)
		if d.Severity == plan.SeverityError {
			failed = true
		}
	}
	if failed {
		return exitf(exitGovernance, "plan has errors")
	}
	fmt.Printf("ok: %d flows, %d diagnostics\n", len(p.Flows), len(diags))
	return nil
}
