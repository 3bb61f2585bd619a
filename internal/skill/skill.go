// Package skill executes deterministic side-tools: test runners, linters,
// scanners. A skill is an opaque command; the kernel cares about its exit
// code and captured output, nothing else. All captured text is redacted
// before anything links to it.
package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"

	"github.com/EffortlessMetrics/docket/internal/budget"
	"github.com/EffortlessMetrics/docket/internal/redact"
)

// Invocation describes one skill call.
type Invocation struct {
	Key     string
	Command string
	Dir     string
	// OutDir receives stdout.log, stderr.log, and the invocation record.
	OutDir  string
	Timeout time.Duration
	Env     []string
}

// Result is what the caller gets back. Output lives in files, never in the
// result itself.
type Result struct {
	CallID     string `json:"call_id"`
	ExitCode   int    `json:"exit_code"`
	StdoutPath string `json:"stdout_path"`
	StderrPath string `json:"stderr_path"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
}

// Runner executes skills under the skill timeout scope.
type Runner struct {
	Clock budget.Clock
}

// NewRunner returns a runner on the given clock.
func NewRunner(clock budget.Clock) *Runner {
	if clock == nil {
		clock = budget.WallClock{}
	}
	return &Runner{Clock: clock}
}

// Run executes the invocation and captures its output. A non-zero exit is
// not an error here; the caller classifies the exit code. Errors mean the
// skill could not be started or its output could not be captured.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if strings.TrimSpace(inv.Command) == "" {
		return nil, fmt.Errorf("skill %s: empty command", inv.Key)
	}
	if inv.OutDir == "" {
		return nil, fmt.Errorf("skill %s: no output directory", inv.Key)
	}
	if err := os.MkdirAll(inv.OutDir, 0o755); err != nil {
		return nil, err
	}

	callID := ulid.Make().String()
	cctx, cancel := budget.WithScope(ctx, budget.ScopeSkill, inv.Timeout)
	defer cancel()

	record := map[string]any{
		"call_id": callID,
		"skill":   inv.Key,
		// Non-login, non-interactive shell: no user dotfiles, no prompts.
		"argv":        []string{"bash", "-c", inv.Command},
		"working_dir": inv.Dir,
	}
	if data, err := json.MarshalIndent(record, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(inv.OutDir, "invocation.json"), append(data, '\n'), 0o644)
	}

	cmd := exec.CommandContext(cctx, "bash", "-c", inv.Command)
	cmd.Dir = inv.Dir
	cmd.Env = append(os.Environ(), inv.Env...)
	// Skills never get interactive input.
	cmd.Stdin = strings.NewReader("")

	stdoutPath := filepath.Join(inv.OutDir, "stdout.log")
	stderrPath := filepath.Join(inv.OutDir, "stderr.log")
	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return nil, err
	}
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		stdoutFile.Close()
		return nil, err
	}
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile

	start := r.Clock.Now()
	runErr := cmd.Run()
	duration := r.Clock.Now().Sub(start)
	stdoutFile.Close()
	stderrFile.Close()

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	timedOut := cctx.Err() == context.DeadlineExceeded
	if timedOut {
		// The conventional timeout exit, so classification sees it without
		// inspecting the context.
		exitCode = 124
	}

	for _, path := range []string{stdoutPath, stderrPath} {
		if err := redactFile(path); err != nil {
			return nil, fmt.Errorf("redact %s: %w", filepath.Base(path), err)
		}
	}

	result := &Result{
		CallID:     callID,
		ExitCode:   exitCode,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
		DurationMS: duration.Milliseconds(),
		TimedOut:   timedOut,
	}
	if data, err := json.MarshalIndent(result, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(inv.OutDir, "timing.json"), append(data, '\n'), 0o644)
	}

	if runErr != nil && cmd.ProcessState == nil && !timedOut {
		return nil, fmt.Errorf("skill %s: %w", inv.Key, runErr)
	}
	log.WithFields(log.Fields{
		"skill":       inv.Key,
		"call_id":     callID,
		"exit_code":   exitCode,
		"duration_ms": result.DurationMS,
		"timed_out":   timedOut,
	}).Debug("skill completed")
	return result, nil
}

// redactFile rewrites a captured output file with credentials scrubbed.
func redactFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	clean := redact.Bytes(data)
	if string(clean) == string(data) {
		return nil
	}
	return os.WriteFile(path, clean, 0o644)
}
