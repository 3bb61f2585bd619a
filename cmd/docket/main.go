// Command docket drives deterministic multi-stage agent runs: start,
// resume, inspect, and serve them over HTTP. See `docket --help`.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/EffortlessMetrics/docket/internal/budget"
	"github.com/EffortlessMetrics/docket/internal/supervisor"
)

// Process exit codes. Everything that needs an operator lands on
// exitGovernance; broken machinery lands on exitKernel.
const (
	exitOK         = 0
	exitGovernance = 1
	exitKernel     = 2
	exitBudget     = 3
	exitBoundary   = 4
)

// codedError carries an explicit exit code out of a command.
type codedError struct {
	code int
	msg  string
}

func (e *codedError) Error() string { return e.msg }

func exitf(code int, format string, args ...any) error {
	return &codedError{code: code, msg: fmt.Sprintf(format, args...)}
}

type globalOptions struct {
	Config  string `long:"config" default:"docket.yaml" description:"Run configuration file"`
	RunBase string `long:"run-base" description:"Run ledger base directory (overrides config)"`
	Log     string `long:"log" env:"DOCKET_LOG" description:"Log level: trace, debug, info, warn, error"`
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	_ = godotenv.Load()

	opts := &globalOptions{}
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.CommandHandler = func(cmd flags.Commander, cmdArgs []string) error {
		setupLogging(opts.Log)
		return cmd.Execute(cmdArgs)
	}

	_, _ = parser.AddCommand("run", "Start a run", `
Start a run over the configured plan and drive it to a terminal or parked
state. Blocks until the run finishes.
`, &cmdRun{opts: opts})

	_, _ = parser.AddCommand("resume", "Resume a parked run", `
Resume a paused, escalated, or interrupted run from its last checkpoint.
Committed steps are skipped; steps without a committed handoff re-run.
`, &cmdResume{opts: opts})

	_, _ = parser.AddCommand("status", "Show run status", `
Print a snapshot of one run, or list all runs when no run id is given.
`, &cmdStatus{opts: opts})

	_, _ = parser.AddCommand("serve", "Serve the control API", `
Serve the HTTP control surface: run submission, status, event streaming,
pause/resume/cancel, escalations, and Prometheus metrics.
`, &cmdServe{opts: opts})

	_, _ = parser.AddCommand("validate", "Validate plan files", `
Validate the plan without running anything and print every diagnostic.
`, &cmdValidate{opts: opts})

	_, _ = parser.AddCommand("selftest", "Run the layered health check", `
Probe the kernel's own invariants (KERNEL), the safety surfaces
(GOVERNANCE), and the environment (OPTIONAL). JSON report on stdout.
`, &cmdSelftest{opts: opts})

	_, err := parser.ParseArgs(args)
	if err == nil {
		return exitOK
	}
	if flags.WroteHelp(err) {
		return exitOK
	}

	var coded *codedError
	switch {
	case errors.As(err, &coded):
		if coded.msg != "" {
			fmt.Fprintln(os.Stderr, coded.msg)
		}
		return coded.code
	case errors.Is(err, budget.ErrBudgetExhausted):
		fmt.Fprintln(os.Stderr, err)
		return exitBudget
	case errors.Is(err, supervisor.ErrBoundary):
		fmt.Fprintln(os.Stderr, err)
		return exitBoundary
	default:
		fmt.Fprintln(os.Stderr, err)
		return exitKernel
	}
}

func setupLogging(level string) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if level == "" {
		level = "info"
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.WithFields(log.Fields{"level": level}).Warn("unknown log level, using info")
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}
