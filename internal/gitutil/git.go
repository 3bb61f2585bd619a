// Package gitutil shells out to git for the little the kernel needs:
// identifying the current commit, shaping diffs for the boundary gate, and
// binding evidence to the SHA it was produced against.
package gitutil

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
)

// CommandError carries the full context of a failed git invocation.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, string, error) {
	// Background auto-maintenance spawns helper processes mid-run; keep
	// kernel invocations deterministic.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	outStr := stdout.String()
	errStr := stderr.String()
	if err != nil {
		return outStr, errStr, &CommandError{Args: args, Stdout: outStr, Stderr: errStr, Err: err}
	}
	return outStr, errStr, nil
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	out, _, err := runGit(dir, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(out) == "true"
}

// HeadSHA returns the current commit of dir.
func HeadSHA(dir string) (string, error) {
	out, _, err := runGit(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsClean reports whether the work tree has no pending changes.
func IsClean(dir string) (bool, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// Diff returns the textual diff between baseRef and the work tree. The
// boundary gate scans this before anything is published.
func Diff(dir, baseRef string) (string, error) {
	out, _, err := runGit(dir, "diff", baseRef)
	if err != nil {
		return "", err
	}
	return out, nil
}

// DiffNameOnly returns the file paths changed between baseRef and HEAD.
func DiffNameOnly(dir, baseRef string) ([]string, error) {
	out, _, err := runGit(dir, "diff", "--name-only", baseRef)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			files = append(files, trimmed)
		}
	}
	return files, nil
}

// DiffShape summarizes a diff for the routing navigator: counts, no prose.
type DiffShape struct {
	Files int
	Lines int
}

// ShapeOf computes the diff shape between baseRef and the work tree.
func ShapeOf(dir, baseRef string) (DiffShape, error) {
	out, _, err := runGit(dir, "diff", "--numstat", baseRef)
	if err != nil {
		return DiffShape{}, err
	}
	shape := DiffShape{}
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		shape.Files++
		var added, removed int
		fmt.Sscanf(fields[0], "%d", &added)
		fmt.Sscanf(fields[1], "%d", &removed)
		shape.Lines += added + removed
	}
	return shape, nil
}
