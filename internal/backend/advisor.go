package backend

import (
	"context"
	"os"
	"strings"
)

// Advisor adapts a backend into the routing navigator's advice channel: one
// small prompt in, one short reply out. The router enforces the vocabulary;
// this adapter only carries text.
type Advisor struct {
	B   Backend
	Dir string
}

// Advise executes a navigator-tier call and returns the reply text.
func (a *Advisor) Advise(ctx context.Context, prompt string) (string, error) {
	result, err := a.B.Execute(ctx, StepSpec{
		StepID:   "navigator",
		AgentKey: "navigator",
		Tier:     "navigator",
		OutDir:   a.Dir,
	}, PromptPack{
		Prompt:          prompt,
		MaxOutputTokens: 16,
	})
	if err != nil {
		return "", err
	}
	if result.OutputTextPath != "" {
		text, err := os.ReadFile(result.OutputTextPath)
		if err == nil {
			return strings.TrimSpace(string(text)), nil
		}
	}
	return "", &CallError{Engine: a.B.Name(), Message: "navigator produced no output", Hint: "retriable"}
}
