package plan

// Builtin returns the default four-stage plan used when no plan directory is
// configured. Selftest and the scripted backend lean on its step IDs.
func Builtin() *Plan {
	return &Plan{
		Version: 1,
		Flows: []*Flow{
			{
				Name:         "signal",
				Goal:         "Understand the change request and collect repository signals.",
				ExitCriteria: "A triage note exists naming scope, risk, and affected areas.",
				Steps: []*Step{
					{
						ID:       "triage",
						AgentKey: "triager",
						Writes:   []string{"notes/triage.md"},
					},
				},
			},
			{
				Name:         "plan",
				Goal:         "Produce an implementation plan with acceptance criteria.",
				ExitCriteria: "The plan is verified by its critic.",
				Steps: []*Step{
					{
						ID:       "draft",
						AgentKey: "planner",
						Writes:   []string{"notes/plan.md"},
						Microloop: &Microloop{
							Critic: "plan-critic",
						},
					},
				},
			},
			{
				Name:         "build",
				Goal:         "Implement the planned change.",
				ExitCriteria: "Checks pass and the diff is verified by its critic.",
				NonGoals:     []string{"refactors outside the planned scope"},
				Steps: []*Step{
					{
						ID:       "implement",
						AgentKey: "implementer",
						Writes:   []string{"src/**", "internal/**"},
						Microloop: &Microloop{
							Critic:        "code-critic",
							MaxIterations: 5,
						},
					},
					{
						ID:        "checks",
						Kind:      StepSkill,
						Run:       "go test ./...",
						DependsOn: []string{"implement"},
					},
				},
			},
			{
				Name:         "gate",
				Goal:         "Hold the outgoing diff against boundary policy.",
				ExitCriteria: "No credential material, evidence bound to the current commit.",
				Steps: []*Step{
					{
						ID:       "boundary",
						AgentKey: "gatekeeper",
					},
				},
			},
		},
	}
}
