// Package plan holds the declarative inputs of a run: flow and step
// definitions loaded from YAML, the run configuration file, and the
// validation rules that reject malformed plans before anything executes.
package plan

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// StepKind separates agent-driven steps from deterministic skill steps.
type StepKind string

const (
	StepAgent StepKind = "agent"
	StepSkill StepKind = "skill"
)

// Tier names the seniority of the agent driving a step. The packer and the
// micro-loop pick their defaults from it.
type Tier string

const (
	TierImplementer Tier = "implementer"
	TierCritic      Tier = "critic"
	TierNavigator   Tier = "navigator"
)

// Duration wraps time.Duration with YAML support for "90s" / "10m" forms.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Microloop configures the author/critic refinement loop on a step.
type Microloop struct {
	Critic        string `yaml:"critic"`
	MaxIterations int    `yaml:"max_iterations,omitempty"`
}

// ContextBudget overrides the role-default packer budgets for one step.
type ContextBudget struct {
	MaxInputTokens  int `yaml:"max_input_tokens"`
	MaxOutputTokens int `yaml:"max_output_tokens"`
}

// Step is one unit of work inside a flow.
type Step struct {
	ID            string         `yaml:"id"`
	Kind          StepKind       `yaml:"kind,omitempty"`
	AgentKey      string         `yaml:"agent_key,omitempty"`
	Tier          Tier           `yaml:"tier,omitempty"`
	Run           string         `yaml:"run,omitempty"`
	Prompt        string         `yaml:"prompt,omitempty"`
	DependsOn     []string       `yaml:"depends_on,omitempty"`
	Writes        []string       `yaml:"writes,omitempty"`
	Microloop     *Microloop     `yaml:"microloop,omitempty"`
	Timeout       Duration       `yaml:"timeout,omitempty"`
	ContextBudget *ContextBudget `yaml:"context_budget,omitempty"`
	ACIDs         []string       `yaml:"ac_ids,omitempty"`
}

// ResolvedKind defaults to agent when the plan author omitted kind.
func (s *Step) ResolvedKind() StepKind {
	if s.Kind == "" {
		return StepAgent
	}
	return s.Kind
}

// ResolvedTier defaults to implementer for agent steps.
func (s *Step) ResolvedTier() Tier {
	if s.Tier == "" {
		return TierImplementer
	}
	return s.Tier
}

// Flow is a named stage of the run with its own goal and exit criteria.
type Flow struct {
	Name         string   `yaml:"name"`
	Goal         string   `yaml:"goal"`
	ExitCriteria string   `yaml:"exit_criteria"`
	NonGoals     []string `yaml:"non_goals,omitempty"`
	Steps        []*Step  `yaml:"steps"`
}

// Step returns the step with the given id, or nil.
func (f *Flow) Step(id string) *Step {
	for _, s := range f.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Plan is the full set of flows available to a run.
type Plan struct {
	Version int     `yaml:"version"`
	Flows   []*Flow `yaml:"flows"`
}

// Flow returns the named flow, or nil.
func (p *Plan) Flow(name string) *Flow {
	for _, f := range p.Flows {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// FlowNames lists flows in declaration order.
func (p *Plan) FlowNames() []string {
	names := make([]string, 0, len(p.Flows))
	for _, f := range p.Flows {
		names = append(names, f.Name)
	}
	return names
}

// Parse decodes a plan document. Unknown fields are rejected so typos in
// plan files fail loudly instead of silently configuring nothing.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &p, nil
}

// Load reads and parses a single plan file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// LoadDir merges every *.yaml plan file under dir, sorted by filename so the
// merge order is stable. Duplicate flow names across files are an error.
func LoadDir(dir string) (*Plan, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plan dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, fmt.Errorf("no plan files under %s", dir)
	}
	merged := &Plan{Version: 1}
	seen := map[string]string{}
	for _, path := range paths {
		p, err := Load(path)
		if err != nil {
			return nil, err
		}
		if p.Version != 0 {
			merged.Version = p.Version
		}
		for _, f := range p.Flows {
			if prev, dup := seen[f.Name]; dup {
				return nil, fmt.Errorf("flow %q defined in both %s and %s", f.Name, prev, path)
			}
			seen[f.Name] = path
			merged.Flows = append(merged.Flows, f)
		}
	}
	return merged, nil
}

// TopoOrder returns step IDs in dependency order. Ready steps are emitted in
// declaration order so two runs of the same plan schedule identically.
// Returns an error when the dependency graph has a cycle.
func (f *Flow) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(f.Steps))
	dependents := make(map[string][]string, len(f.Steps))
	for _, s := range f.Steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}
	order := make([]string, 0, len(f.Steps))
	for len(order) < len(f.Steps) {
		progressed := false
		for _, s := range f.Steps {
			if indegree[s.ID] != 0 {
				continue
			}
			indegree[s.ID] = -1
			order = append(order, s.ID)
			progressed = true
			for _, dep := range dependents[s.ID] {
				indegree[dep]--
			}
		}
		if !progressed {
			return nil, fmt.Errorf("flow %q: dependency cycle among remaining steps", f.Name)
		}
	}
	return order, nil
}
