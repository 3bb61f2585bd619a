package plan

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const samplePlan = `
version: 1
flows:
  - name: build
    goal: Implement the change.
    exit_criteria: Checks pass.
    steps:
      - id: implement
        agent_key: implementer
        writes: ["src/**"]
        microloop:
          critic: code-critic
          max_iterations: 5
      - id: checks
        kind: skill
        run: "go test ./..."
        depends_on: [implement]
        timeout: 10m
`

func TestParseSamplePlan(t *testing.T) {
	p, err := Parse([]byte(samplePlan))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	f := p.Flow("build")
	if f == nil {
		t.Fatalf("flow build missing, have %v", p.FlowNames())
	}
	if got := len(f.Steps); got != 2 {
		t.Fatalf("got %d steps want 2", got)
	}
	checks := f.Step("checks")
	if checks == nil {
		t.Fatalf("step checks missing")
	}
	if checks.ResolvedKind() != StepSkill {
		t.Fatalf("got kind %q want skill", checks.ResolvedKind())
	}
	if checks.Timeout.Std() != 10*time.Minute {
		t.Fatalf("got timeout %s want 10m", checks.Timeout.Std())
	}
	impl := f.Step("implement")
	if impl.Microloop == nil || impl.Microloop.Critic != "code-critic" {
		t.Fatalf("microloop not parsed: %+v", impl.Microloop)
	}
	if impl.ResolvedTier() != TierImplementer {
		t.Fatalf("got tier %q want implementer default", impl.ResolvedTier())
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("version: 1\nflows:\n  - name: x\n    stepz: []\n"))
	if err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestTopoOrderRespectsDependencies(t *testing.T) {
	f := &Flow{Name: "f", Steps: []*Step{
		{ID: "c", DependsOn: []string{"a", "b"}},
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}}
	order, err := f.TopoOrder()
	if err != nil {
		t.Fatalf("topo: %v", err)
	}
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Fatalf("bad order %v", order)
	}
}

func TestTopoOrderDetectsCycle(t *testing.T) {
	f := &Flow{Name: "f", Steps: []*Step{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}}
	if _, err := f.TopoOrder(); err == nil {
		t.Fatalf("expected cycle error")
	}
}

func TestLoadDirMergesAndRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	one := "version: 1\nflows:\n  - name: alpha\n    steps:\n      - id: s\n        agent_key: a\n"
	two := "flows:\n  - name: beta\n    steps:\n      - id: s\n        agent_key: a\n"
	if err := os.WriteFile(filepath.Join(dir, "01-alpha.yaml"), []byte(one), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "02-beta.yaml"), []byte(two), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if len(p.Flows) != 2 || p.Flows[0].Name != "alpha" || p.Flows[1].Name != "beta" {
		t.Fatalf("merge order wrong: %v", p.FlowNames())
	}

	dup := "flows:\n  - name: alpha\n    steps:\n      - id: s\n        agent_key: a\n"
	if err := os.WriteFile(filepath.Join(dir, "03-dup.yaml"), []byte(dup), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDir(dir); err == nil {
		t.Fatalf("expected duplicate flow error")
	}
}

func TestBuiltinPlanIsValid(t *testing.T) {
	p := Builtin()
	for _, d := range Validate(p) {
		if d.Severity == SeverityError {
			t.Fatalf("builtin plan invalid: %+v", d)
		}
	}
	for _, name := range []string{"signal", "plan", "build", "gate"} {
		if p.Flow(name) == nil {
			t.Fatalf("builtin plan missing flow %q", name)
		}
	}
}
