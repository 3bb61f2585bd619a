package plan

import (
	"fmt"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// Diagnostic is one validation finding. Errors make a plan unrunnable;
// warnings run but are surfaced by the validate command.
type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Flow     string   `json:"flow,omitempty"`
	StepID   string   `json:"step_id,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

// stepTimeoutCeiling matches the hard per-step deadline; a plan asking for
// more would never be honored.
const stepTimeoutCeiling = 15 * time.Minute

// Validate runs every plan lint rule and returns the combined findings.
func Validate(p *Plan) []Diagnostic {
	if p == nil {
		return []Diagnostic{{Rule: "plan_nil", Severity: SeverityError, Message: "plan is nil"}}
	}
	var diags []Diagnostic
	diags = append(diags, lintFlowNames(p)...)
	diags = append(diags, lintStepIDs(p)...)
	diags = append(diags, lintStepShape(p)...)
	diags = append(diags, lintDependencies(p)...)
	diags = append(diags, lintCycles(p)...)
	diags = append(diags, lintMicroloops(p)...)
	diags = append(diags, lintWriteScopes(p)...)
	diags = append(diags, lintTimeouts(p)...)
	return diags
}

// ValidateOrError returns an error summarizing ERROR findings, or nil.
func ValidateOrError(p *Plan) error {
	var errs []Diagnostic
	for _, d := range Validate(p) {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	msg := fmt.Sprintf("plan has %d error(s): ", len(errs))
	for i, d := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += d.Rule + ": " + d.Message
	}
	return fmt.Errorf("%s", msg)
}

func lintFlowNames(p *Plan) []Diagnostic {
	var diags []Diagnostic
	seen := map[string]bool{}
	for _, f := range p.Flows {
		if f.Name == "" {
			diags = append(diags, Diagnostic{Rule: "flow_name_empty", Severity: SeverityError,
				Message: "flow with empty name"})
			continue
		}
		if seen[f.Name] {
			diags = append(diags, Diagnostic{Rule: "flow_name_duplicate", Severity: SeverityError,
				Flow: f.Name, Message: fmt.Sprintf("flow %q declared more than once", f.Name)})
		}
		seen[f.Name] = true
		if len(f.Steps) == 0 {
			diags = append(diags, Diagnostic{Rule: "flow_empty", Severity: SeverityError,
				Flow: f.Name, Message: fmt.Sprintf("flow %q has no steps", f.Name)})
		}
		if f.ExitCriteria == "" {
			diags = append(diags, Diagnostic{Rule: "flow_exit_criteria_missing", Severity: SeverityWarning,
				Flow: f.Name, Message: fmt.Sprintf("flow %q has no exit criteria", f.Name),
				Fix: "add exit_criteria so verification has a target"})
		}
	}
	return diags
}

func lintStepIDs(p *Plan) []Diagnostic {
	var diags []Diagnostic
	for _, f := range p.Flows {
		seen := map[string]bool{}
		for _, s := range f.Steps {
			if s.ID == "" {
				diags = append(diags, Diagnostic{Rule: "step_id_empty", Severity: SeverityError,
					Flow: f.Name, Message: "step with empty id"})
				continue
			}
			if seen[s.ID] {
				diags = append(diags, Diagnostic{Rule: "step_id_duplicate", Severity: SeverityError,
					Flow: f.Name, StepID: s.ID,
					Message: fmt.Sprintf("step %q declared more than once", s.ID)})
			}
			seen[s.ID] = true
		}
	}
	return diags
}

func lintStepShape(p *Plan) []Diagnostic {
	var diags []Diagnostic
	for _, f := range p.Flows {
		for _, s := range f.Steps {
			switch s.ResolvedKind() {
			case StepAgent:
				if s.AgentKey == "" {
					diags = append(diags, Diagnostic{Rule: "agent_key_missing", Severity: SeverityError,
						Flow: f.Name, StepID: s.ID,
						Message: fmt.Sprintf("agent step %q has no agent_key", s.ID)})
				}
				if s.Run != "" {
					diags = append(diags, Diagnostic{Rule: "agent_step_has_run", Severity: SeverityError,
						Flow: f.Name, StepID: s.ID,
						Message: fmt.Sprintf("agent step %q sets run; use kind: skill", s.ID)})
				}
			case StepSkill:
				if s.Run == "" {
					diags = append(diags, Diagnostic{Rule: "skill_run_missing", Severity: SeverityError,
						Flow: f.Name, StepID: s.ID,
						Message: fmt.Sprintf("skill step %q has no run command", s.ID)})
				}
			default:
				diags = append(diags, Diagnostic{Rule: "step_kind_unknown", Severity: SeverityError,
					Flow: f.Name, StepID: s.ID,
					Message: fmt.Sprintf("step %q has unknown kind %q", s.ID, s.Kind)})
			}
		}
	}
	return diags
}

func lintDependencies(p *Plan) []Diagnostic {
	var diags []Diagnostic
	for _, f := range p.Flows {
		ids := map[string]bool{}
		for _, s := range f.Steps {
			ids[s.ID] = true
		}
		for _, s := range f.Steps {
			for _, dep := range s.DependsOn {
				if dep == s.ID {
					diags = append(diags, Diagnostic{Rule: "dependency_self", Severity: SeverityError,
						Flow: f.Name, StepID: s.ID,
						Message: fmt.Sprintf("step %q depends on itself", s.ID)})
					continue
				}
				if !ids[dep] {
					diags = append(diags, Diagnostic{Rule: "dependency_unknown", Severity: SeverityError,
						Flow: f.Name, StepID: s.ID,
						Message: fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep)})
				}
			}
		}
	}
	return diags
}

func lintCycles(p *Plan) []Diagnostic {
	var diags []Diagnostic
	for _, f := range p.Flows {
		if _, err := f.TopoOrder(); err != nil {
			diags = append(diags, Diagnostic{Rule: "dependency_cycle", Severity: SeverityError,
				Flow: f.Name, Message: err.Error()})
		}
	}
	return diags
}

func lintMicroloops(p *Plan) []Diagnostic {
	var diags []Diagnostic
	for _, f := range p.Flows {
		for _, s := range f.Steps {
			if s.Microloop == nil {
				continue
			}
			if s.ResolvedKind() == StepSkill {
				diags = append(diags, Diagnostic{Rule: "microloop_on_skill", Severity: SeverityError,
					Flow: f.Name, StepID: s.ID,
					Message: fmt.Sprintf("skill step %q cannot carry a microloop", s.ID)})
			}
			if s.Microloop.Critic == "" {
				diags = append(diags, Diagnostic{Rule: "microloop_critic_missing", Severity: SeverityError,
					Flow: f.Name, StepID: s.ID,
					Message: fmt.Sprintf("microloop on step %q names no critic", s.ID)})
			}
			if s.Microloop.MaxIterations < 0 {
				diags = append(diags, Diagnostic{Rule: "microloop_iterations_negative", Severity: SeverityError,
					Flow: f.Name, StepID: s.ID,
					Message: fmt.Sprintf("microloop on step %q has negative max_iterations", s.ID)})
			}
			if s.Microloop.MaxIterations > 8 {
				diags = append(diags, Diagnostic{Rule: "microloop_iterations_high", Severity: SeverityWarning,
					Flow: f.Name, StepID: s.ID,
					Message: fmt.Sprintf("microloop on step %q allows %d iterations", s.ID, s.Microloop.MaxIterations),
					Fix:     "long loops usually mean the step is underspecified"})
			}
		}
	}
	return diags
}

func lintWriteScopes(p *Plan) []Diagnostic {
	var diags []Diagnostic
	for _, f := range p.Flows {
		for _, s := range f.Steps {
			for _, pattern := range s.Writes {
				if !doublestar.ValidatePattern(pattern) {
					diags = append(diags, Diagnostic{Rule: "write_scope_invalid", Severity: SeverityError,
						Flow: f.Name, StepID: s.ID,
						Message: fmt.Sprintf("step %q write scope %q is not a valid glob", s.ID, pattern)})
				}
			}
		}
	}
	return diags
}

func lintTimeouts(p *Plan) []Diagnostic {
	var diags []Diagnostic
	for _, f := range p.Flows {
		for _, s := range f.Steps {
			if s.Timeout.Std() < 0 {
				diags = append(diags, Diagnostic{Rule: "timeout_negative", Severity: SeverityError,
					Flow: f.Name, StepID: s.ID,
					Message: fmt.Sprintf("step %q has negative timeout", s.ID)})
			}
			if s.Timeout.Std() > stepTimeoutCeiling {
				diags = append(diags, Diagnostic{Rule: "timeout_exceeds_ceiling", Severity: SeverityWarning,
					Flow: f.Name, StepID: s.ID,
					Message: fmt.Sprintf("step %q timeout %s exceeds the %s hard ceiling and will be clamped",
						s.ID, s.Timeout.Std(), stepTimeoutCeiling)})
			}
		}
	}
	return diags
}
