// Package gate is the last check before any external mutation. It scans the
// outgoing diff for credential material, verifies that handoff evidence is
// bound to the commit being published, and holds the force-push line. Gate
// failures are fatal: no retries, the run escalates with state preserved.
package gate

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	log "github.com/sirupsen/logrus"

	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/metrics"
	"github.com/EffortlessMetrics/docket/internal/redact"
)

// Input is everything the gate consults for one publish attempt.
type Input struct {
	// Diff is the full proposed change, scanned for secrets.
	Diff string
	// Handoff claims what was done; its evidence paths are verified.
	Handoff *ledger.Handoff
	// Receipt binds the evidence to the commit it was produced against.
	Receipt *ledger.Receipt
	// HeadSHA is the commit about to be published.
	HeadSHA string
	// ForcePush and Ref describe the push; SandboxScopes are the ref globs
	// where history rewrite is tolerated.
	ForcePush     bool
	Ref           string
	SandboxScopes []string
}

// Verdict is the gate's decision. Fatal verdicts halt the run.
type Verdict struct {
	Allowed  bool
	Fatal    bool
	Reasons  []string
	Findings []redact.Finding
}

// block appends a reason and marks the verdict.
func (v *Verdict) block(fatal bool, format string, args ...any) {
	v.Allowed = false
	if fatal {
		v.Fatal = true
	}
	v.Reasons = append(v.Reasons, fmt.Sprintf(format, args...))
}

// Inspect runs every check and returns the combined verdict. Checks do not
// short-circuit; the operator sees everything wrong at once.
func Inspect(in Input) Verdict {
	v := Verdict{Allowed: true}

	if findings := redact.Scan(in.Diff); len(findings) > 0 {
		v.Findings = findings
		v.block(true, "diff contains credential material: %s", redact.Describe(findings))
	}

	if in.Handoff != nil {
		for claim, path := range in.Handoff.Summary.Evidence {
			if path == "" {
				v.block(false, "claim %q has no evidence path", claim)
				continue
			}
			if _, err := os.Stat(path); err != nil {
				v.block(false, "evidence for %q missing at %s", claim, path)
			}
		}
	}
	if in.Receipt != nil && in.HeadSHA != "" && in.Receipt.CommitSHA != "" && in.Receipt.CommitSHA != in.HeadSHA {
		v.block(false, "evidence bound to %s but publishing %s: stale", short(in.Receipt.CommitSHA), short(in.HeadSHA))
	}

	if in.ForcePush && !inSandbox(in.Ref, in.SandboxScopes) {
		v.block(true, "force-push to %s outside sandbox scope", in.Ref)
	}

	verdict := "allowed"
	if !v.Allowed {
		verdict = "blocked"
		if v.Fatal {
			verdict = "fatal"
		}
	}
	metrics.GateVerdicts.WithLabelValues(verdict).Inc()
	log.WithFields(log.Fields{
		"verdict": verdict,
		"reasons": strings.Join(v.Reasons, "; "),
	}).Info("boundary gate inspected")
	return v
}

func inSandbox(ref string, scopes []string) bool {
	for _, scope := range scopes {
		if ok, err := doublestar.Match(scope, ref); err == nil && ok {
			return true
		}
	}
	return false
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
