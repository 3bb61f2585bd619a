package main

import (
	"github.com/EffortlessMetrics/docket/internal/server"
)

type cmdServe struct {
	Addr    string `long:"addr" description:"Listen address (default from config, 127.0.0.1:8644)"`
	Mode    string `long:"mode" choice:"stub" choice:"cli" choice:"sdk" description:"Backend mode (default from config)"`
	WorkDir string `long:"workdir" description:"Repository runs operate on (default: cwd)"`
	Workers int    `long:"workers" description:"Per-flow parallelism for disjoint steps"`

	opts *globalOptions
}

func (cmd *cmdServe) Execute(_ []string) error {
	sup, cfg, err := cmd.opts.buildSupervisor(cmd.Mode, cmd.WorkDir, cmd.Workers)
	if err != nil {
		return err
	}
	addr := cmd.Addr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	return server.New(server.Config{Addr: addr}, sup).ListenAndServe()
}
