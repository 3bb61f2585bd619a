package backend

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/EffortlessMetrics/docket/internal/ledger"
)

// HandoffSchemaPrompt is injected for backends without native structured
// output. The engine is asked for a fenced JSON block matching the handoff
// envelope; the wrapper extracts and validates it.
const HandoffSchemaPrompt = `After your work, emit exactly one fenced json block containing your handoff envelope:

` + "```json" + `
{
  "status": "VERIFIED | UNVERIFIED | BLOCKED",
  "summary": {"what_i_did": "...", "what_i_found": "...", "key_decisions": [], "evidence": {}},
  "concerns": [{"severity": "...", "description": "...", "location": "file:line", "recommendation": "..."}],
  "assumptions": [],
  "routing": {"recommendation": "...", "can_further_iteration_help": true, "reason": "..."}
}
` + "```" + `

Status BLOCKED is reserved for literal missing inputs or environment failure. When something is ambiguous, record an assumption and use UNVERIFIED.`

// subsumed bridges capability gaps so the scheduler sees one uniform
// backend. Every branch on capabilities in the whole kernel lives here.
type subsumed struct {
	inner Backend
}

// Subsume wraps a backend, advertising the full capability set and bridging
// whatever the inner engine lacks.
func Subsume(b Backend) Backend {
	if _, ok := b.(*subsumed); ok {
		return b
	}
	return &subsumed{inner: b}
}

func (s *subsumed) Name() string                { return s.inner.Name() }
func (s *subsumed) Capabilities() CapabilitySet { return FullSet() }

func (s *subsumed) Execute(ctx context.Context, spec StepSpec, pack PromptPack) (*StepResult, error) {
	caps := s.inner.Capabilities()

	if !caps.Has(CapHotContext) && pack.HotContext != "" {
		// No session memory on the engine side: fold the compact summary
		// into the prompt itself.
		pack.Prompt = "## Session context\n\n" + pack.HotContext + "\n\n" + pack.Prompt
		pack.HotContext = ""
	}
	if !caps.Has(CapStructuredOutput) {
		if pack.SchemaHint == "" {
			pack.SchemaHint = HandoffSchemaPrompt
		}
		pack.Prompt += "\n\n" + pack.SchemaHint
	}

	result, err := s.inner.Execute(ctx, spec, pack)
	if err != nil || result == nil {
		return result, err
	}

	if !caps.Has(CapStructuredOutput) && len(result.Structured) == 0 && result.OutputTextPath != "" {
		text, readErr := os.ReadFile(result.OutputTextPath)
		if readErr == nil {
			if raw, ok := ExtractFencedJSON(string(text)); ok {
				result.Structured = raw
			}
		}
	}
	return result, nil
}

// ExtractFencedJSON pulls the last fenced json block out of agent prose,
// falling back to the first top-level object. Agents talk around their
// output; the parser only trusts the fence.
func ExtractFencedJSON(text string) (json.RawMessage, bool) {
	const fence = "```"
	var candidate string
	rest := text
	for {
		start := strings.Index(rest, fence)
		if start < 0 {
			break
		}
		after := rest[start+len(fence):]
		if nl := strings.IndexByte(after, '\n'); nl >= 0 {
			lang := strings.TrimSpace(after[:nl])
			body := after[nl+1:]
			end := strings.Index(body, fence)
			if end < 0 {
				break
			}
			if lang == "json" || lang == "" {
				candidate = strings.TrimSpace(body[:end])
			}
			rest = body[end+len(fence):]
			continue
		}
		break
	}
	if candidate == "" {
		// No fence: accept a bare top-level object if the whole remainder
		// parses.
		start := strings.IndexByte(text, '{')
		endIdx := strings.LastIndexByte(text, '}')
		if start < 0 || endIdx <= start {
			return nil, false
		}
		candidate = text[start : endIdx+1]
	}
	if !json.Valid([]byte(candidate)) {
		return nil, false
	}
	return json.RawMessage(candidate), true
}

// ParseHandoff decodes and version-stamps a structured handoff payload.
func ParseHandoff(raw json.RawMessage) (*ledger.Handoff, error) {
	var h ledger.Handoff
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, &CallError{Message: "failed to parse handoff json: " + err.Error(), Hint: "retriable"}
	}
	return &h, nil
}
