package main

type cmdResume struct {
	Mode    string `long:"mode" choice:"stub" choice:"cli" choice:"sdk" description:"Backend mode (default from config)"`
	WorkDir string `long:"workdir" description:"Repository the run operates on (default: cwd)"`
	Workers int    `long:"workers" description:"Per-flow parallelism for disjoint steps"`

	Args struct {
		RunID string `positional-arg-name:"run_id" required:"yes" description:"Run to resume"`
	} `positional-args:"yes"`

	opts *globalOptions
}

func (cmd *cmdResume) Execute(_ []string) error {
	sup, _, err := cmd.opts.buildSupervisor(cmd.Mode, cmd.WorkDir, cmd.Workers)
	if err != nil {
		return err
	}
	return drive(sup, cmd.Args.RunID)
}
