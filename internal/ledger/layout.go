package ledger

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Layout resolves every path under one run root. All writers go through it
// so the on-disk shape stays in one place.
type Layout struct {
	Root string
}

func (l Layout) MetaPath() string        { return filepath.Join(l.Root, "meta.json") }
func (l Layout) EventsPath() string      { return filepath.Join(l.Root, "events.jsonl") }
func (l Layout) PIDPath() string         { return filepath.Join(l.Root, "run.pid") }
func (l Layout) CursorPath() string      { return filepath.Join(l.Root, "checkpoint.json") }
func (l Layout) EscalationsDir() string  { return filepath.Join(l.Root, "escalations") }
func (l Layout) BreakersPath() string    { return filepath.Join(l.Root, "breakers.json") }
func (l Layout) FlowDir(flow string) string {
	return filepath.Join(l.Root, sanitize(flow))
}
func (l Layout) ReceiptsDir(flow string) string {
	return filepath.Join(l.FlowDir(flow), "receipts")
}
func (l Layout) HandoffsDir(flow string) string {
	return filepath.Join(l.FlowDir(flow), "handoffs")
}
func (l Layout) QuarantineDir(flow string) string {
	return filepath.Join(l.FlowDir(flow), "quarantine")
}
func (l Layout) ReceiptPath(flow, stepID, agentKey string) string {
	return filepath.Join(l.ReceiptsDir(flow), entityName(stepID, agentKey))
}
func (l Layout) HandoffPath(flow, stepID, agentKey string) string {
	return filepath.Join(l.HandoffsDir(flow), entityName(stepID, agentKey))
}
func (l Layout) DecisionsPath(flow string) string {
	return filepath.Join(l.FlowDir(flow), "routing", "decisions.jsonl")
}
func (l Layout) ScentTrailPath(flow string) string {
	return filepath.Join(l.FlowDir(flow), "scent_trail.json")
}
func (l Layout) DegradationsPath(flow string) string {
	return filepath.Join(l.FlowDir(flow), "degradations.jsonl")
}
func (l Layout) StepLogPath(flow, stepID string) string {
	return filepath.Join(l.FlowDir(flow), "logs", sanitize(stepID)+".jsonl")
}
func (l Layout) TranscriptPath(flow, stepID, agentKey, engine string) string {
	name := fmt.Sprintf("%s-%s-%s.jsonl", sanitize(stepID), sanitize(agentKey), sanitize(engine))
	return filepath.Join(l.FlowDir(flow), "llm", name)
}
func (l Layout) ForensicsDir(flow, incident string) string {
	return filepath.Join(l.FlowDir(flow), "forensics", sanitize(incident))
}
func (l Layout) StepWorkDir(flow, stepID string) string {
	return filepath.Join(l.FlowDir(flow), "work", sanitize(stepID))
}

func entityName(stepID, agentKey string) string {
	return fmt.Sprintf("%s-%s.json", sanitize(stepID), sanitize(agentKey))
}

var unsafePath = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitize keeps identifiers filesystem-safe without losing readability.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = unsafePath.ReplaceAllString(s, "_")
	if s == "" {
		return "_"
	}
	return s
}
