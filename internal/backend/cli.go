package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/redact"
)

// CLI shells out to an agent command-line tool: prompt on stdin, output on
// stdout, exit code as the verdict. It advertises nothing; the subsumption
// wrapper bridges structured output and hot context.
type CLI struct {
	// Command is the argv template. The agent key is appended as the final
	// argument when AppendAgentKey is set.
	Command        []string
	AppendAgentKey bool
	Env            []string
	Engine         string
}

// NewCLI builds a CLI backend for the given argv.
func NewCLI(command []string) *CLI {
	return &CLI{Command: command, Engine: "cli"}
}

func (c *CLI) Name() string {
	if c.Engine != "" {
		return c.Engine
	}
	return "cli"
}

func (c *CLI) Capabilities() CapabilitySet { return CapabilitySet{} }

func (c *CLI) Execute(ctx context.Context, spec StepSpec, pack PromptPack) (*StepResult, error) {
	if len(c.Command) == 0 {
		return nil, &CallError{Engine: c.Name(), Message: "no command configured", Hint: "permanent"}
	}
	if spec.OutDir == "" {
		return nil, &CallError{Engine: c.Name(), Message: "step has no output directory", Hint: "permanent"}
	}
	if err := os.MkdirAll(spec.OutDir, 0o755); err != nil {
		return nil, err
	}

	argv := append([]string(nil), c.Command...)
	if c.AppendAgentKey {
		argv = append(argv, spec.AgentKey)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = spec.OutDir
	cmd.Env = append(os.Environ(), c.Env...)

	var prompt strings.Builder
	if pack.System != "" {
		prompt.WriteString(pack.System)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString(pack.Prompt)
	cmd.Stdin = strings.NewReader(prompt.String())

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	outPath := filepath.Join(spec.OutDir, "output.txt")
	if err := os.WriteFile(outPath, redact.Bytes(stdout.Bytes()), 0o644); err != nil {
		return nil, err
	}
	if stderr.Len() > 0 {
		errPath := filepath.Join(spec.OutDir, "stderr.txt")
		if err := os.WriteFile(errPath, redact.Bytes(stderr.Bytes()), 0o644); err != nil {
			return nil, err
		}
	}

	tokens := ledger.TokenCount{
		Prompt:     estimateTokens(prompt.String()),
		Completion: estimateTokens(stdout.String()),
	}
	tokens.Total = tokens.Prompt + tokens.Completion

	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &StepResult{
				Status:         ledger.StepFailed,
				Engine:         c.Name(),
				OutputTextPath: outPath,
				Tokens:         tokens,
				ExitCode:       &exitCode,
			}, &CallError{
				Engine:  c.Name(),
				Message: fmt.Sprintf("agent cli exited %d: %s", exitCode, firstLine(stderr.String())),
			}
	}

	zero := 0
	return &StepResult{
		Status:         ledger.StepSucceeded,
		Engine:         c.Name(),
		OutputTextPath: outPath,
		Tokens:         tokens,
		ExitCode:       &zero,
	}, nil
}

func estimateTokens(s string) int { return (len(s) + 3) / 4 }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
