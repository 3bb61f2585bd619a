package main

import (
	"os"

	"github.com/EffortlessMetrics/docket/internal/selftest"
)

type cmdSelftest struct {
	Mode string `long:"mode" choice:"stub" choice:"cli" choice:"sdk" description:"Backend mode to probe (default from config)"`

	opts *globalOptions
}

func (cmd *cmdSelftest) Execute(_ []string) error {
	cfg, err := cmd.opts.loadConfig()
	if err != nil {
		return err
	}
	p, err := loadPlan(cfg)
	if err != nil {
		return err
	}
	// Backend wiring failures are reported by the optional layer, not fatal
	// to the probe run itself.
	exec, err := buildBackend(cfg, cmd.Mode)
	if err != nil {
		exec = nil
	}

	report := selftest.Run(selftest.Options{
		Plan:       p,
		ServerAddr: cfg.Server.Addr,
		Backend:    exec,
	})
	if werr := report.Write(os.Stdout); werr != nil {
		return werr
	}
	if report.OK {
		return nil
	}
	for _, layer := range report.Layers {
		if layer.Name == selftest.LayerKernel && !layer.OK {
			return exitf(exitKernel, "selftest: kernel layer failed")
		}
	}
	return exitf(exitGovernance, "selftest: governance layer failed")
}
