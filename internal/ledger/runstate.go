package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/EffortlessMetrics/docket/internal/redact"
)

// Meta reads the run manifest.
func (rl *RunLedger) Meta() (*RunMeta, error) {
	data, err := os.ReadFile(rl.layout.MetaPath())
	if err != nil {
		return nil, err
	}
	var meta RunMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse meta.json: %w", err)
	}
	if err := CheckVersion(meta.SchemaVersion); err != nil {
		return nil, fmt.Errorf("meta.json: %w", err)
	}
	return &meta, nil
}

// UpdateMeta applies mutate under the ledger lock and rewrites the manifest
// atomically. The manifest is run state; entity files stay append-only.
func (rl *RunLedger) UpdateMeta(mutate func(*RunMeta)) (*RunMeta, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	meta, err := rl.Meta()
	if err != nil {
		return nil, err
	}
	mutate(meta)
	meta.UpdatedAt = time.Now().UTC()
	if err := rl.writeMeta(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (rl *RunLedger) writeMeta(meta *RunMeta) error {
	meta.SchemaVersion = SchemaVersion
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return writeFileAtomic(rl.layout.MetaPath(), append(redact.Bytes(data), '\n'))
}

// WritePID records the owning process for liveness checks.
func (rl *RunLedger) WritePID(pid int) error {
	return writeFileAtomic(rl.layout.PIDPath(), []byte(strconv.Itoa(pid)+"\n"))
}

// ReadPID returns the recorded pid, or 0 when absent.
func (rl *RunLedger) ReadPID() int {
	data, err := os.ReadFile(rl.layout.PIDPath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// ClearPID removes the pid file on clean shutdown.
func (rl *RunLedger) ClearPID() {
	_ = os.Remove(rl.layout.PIDPath())
}

// Cursor is a fast-resume hint. The receipts and handoffs on disk are the
// authority; the cursor only tells resume where to start scanning.
type Cursor struct {
	Flow      string    `json:"flow"`
	StepID    string    `json:"step_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WriteCursor records the last fully checkpointed step.
func (rl *RunLedger) WriteCursor(flow, stepID string) error {
	return writeJSONAtomic(rl.layout.CursorPath(), Cursor{
		Flow:      flow,
		StepID:    stepID,
		UpdatedAt: time.Now().UTC(),
	})
}

// ReadCursor returns the cursor hint, or nil when absent or unreadable.
func (rl *RunLedger) ReadCursor() *Cursor {
	data, err := os.ReadFile(rl.layout.CursorPath())
	if err != nil {
		return nil
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}
	return &c
}

// Checkpoint describes the last committed step of a flow and how far its
// checkpointing got.
type Checkpoint struct {
	StepID          string
	AgentKey        string
	Receipt         *Receipt
	HandoffPresent  bool
	DecisionPresent bool
}

// ListReceipts returns the flow's committed receipts in commit order,
// oldest CompletedAt first. Receipts carry their own identity, so filenames
// are never parsed back. Superseded and quarantined receipts are skipped.
func (rl *RunLedger) ListReceipts(flow string) ([]*Receipt, error) {
	dir := rl.layout.ReceiptsDir(flow)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var receipts []*Receipt
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".superseded-") || strings.HasPrefix(name, ".") {
			continue
		}
		var r Receipt
		if err := rl.readEntity(flow, filepath.Join(dir, name), &r); err != nil {
			if errors.Is(err, ErrMissing) {
				continue
			}
			return nil, err
		}
		receipt := r
		receipts = append(receipts, &receipt)
	}
	sort.Slice(receipts, func(i, j int) bool {
		if receipts[i].CompletedAt.Equal(receipts[j].CompletedAt) {
			return receipts[i].StepID < receipts[j].StepID
		}
		return receipts[i].CompletedAt.Before(receipts[j].CompletedAt)
	})
	return receipts, nil
}

// ReadLastCheckpoint returns the flow's most recently committed step, or
// nil when the flow has none.
func (rl *RunLedger) ReadLastCheckpoint(flow string) (*Checkpoint, error) {
	receipts, err := rl.ListReceipts(flow)
	if err != nil || len(receipts) == 0 {
		return nil, err
	}
	r := receipts[len(receipts)-1]
	return &Checkpoint{
		StepID:          r.StepID,
		AgentKey:        r.AgentKey,
		Receipt:         r,
		HandoffPresent:  rl.HasHandoff(flow, r.StepID, r.AgentKey),
		DecisionPresent: rl.hasDecision(flow, r.StepID),
	}, nil
}

func (rl *RunLedger) hasDecision(flow, stepID string) bool {
	decisions, err := rl.ReadDecisions(flow)
	if err != nil {
		return false
	}
	for i := len(decisions) - 1; i >= 0; i-- {
		if decisions[i].FromStep == stepID {
			return true
		}
	}
	return false
}

// Escalation is one item in the operator queue.
type Escalation struct {
	SchemaVersion string         `json:"schema_version"`
	Key           string         `json:"key"`
	RunID         string         `json:"run_id"`
	Flow          string         `json:"flow"`
	StepID        string         `json:"step_id"`
	Reason        string         `json:"reason"`
	Details       map[string]any `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Resolution    *Resolution    `json:"resolution,omitempty"`
}

// Resolution is the operator's answer to an escalation, expressed in the
// same closed vocabulary the router uses.
type Resolution struct {
	Decision   Decision  `json:"decision"`
	Target     string    `json:"target,omitempty"`
	Note       string    `json:"note,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
}

// WriteEscalation enqueues an escalation.
func (rl *RunLedger) WriteEscalation(e *Escalation) error {
	if e.Key == "" {
		return errors.New("escalation needs a key")
	}
	e.SchemaVersion = SchemaVersion
	e.RunID = rl.runID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	path := filepath.Join(rl.layout.EscalationsDir(), sanitize(e.Key)+".json")
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(redact.Bytes(data), '\n'))
}

// ReadEscalation loads one escalation by key.
func (rl *RunLedger) ReadEscalation(key string) (*Escalation, error) {
	path := filepath.Join(rl.layout.EscalationsDir(), sanitize(key)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("escalation %s: %w", key, ErrMissing)
		}
		return nil, err
	}
	var e Escalation
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse escalation %s: %w", key, err)
	}
	return &e, nil
}

// ListEscalations returns the queue, oldest first.
func (rl *RunLedger) ListEscalations() ([]*Escalation, error) {
	entries, err := os.ReadDir(rl.layout.EscalationsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Escalation
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		e, err := rl.ReadEscalation(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ResolveEscalation attaches a resolution to a queued escalation.
func (rl *RunLedger) ResolveEscalation(key string, res Resolution) (*Escalation, error) {
	e, err := rl.ReadEscalation(key)
	if err != nil {
		return nil, err
	}
	if e.Resolution != nil {
		return nil, fmt.Errorf("escalation %s: %w", key, ErrAlreadyCommitted)
	}
	if !res.Decision.Valid() {
		return nil, fmt.Errorf("resolution decision %q outside the routing vocabulary", res.Decision)
	}
	if res.ResolvedAt.IsZero() {
		res.ResolvedAt = time.Now().UTC()
	}
	e.Resolution = &res
	return e, rl.WriteEscalation(e)
}

// BreakerSnapshot is the persisted view of one circuit breaker. Snapshots
// are advisory; a restarted process treats every target as closed until it
// sees fresh failures.
type BreakerSnapshot struct {
	Target              string     `json:"target"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// WriteBreakers persists the current breaker states for forensics.
func (rl *RunLedger) WriteBreakers(snaps []BreakerSnapshot) error {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Target < snaps[j].Target })
	return writeJSONAtomic(rl.layout.BreakersPath(), snaps)
}

// ReadBreakers loads the persisted breaker states.
func (rl *RunLedger) ReadBreakers() ([]BreakerSnapshot, error) {
	data, err := os.ReadFile(rl.layout.BreakersPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var snaps []BreakerSnapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

// WriteForensics stores a named snapshot file under the flow's incident
// directory and returns its path.
func (rl *RunLedger) WriteForensics(flow, incident, name string, data []byte) (string, error) {
	dir := rl.layout.ForensicsDir(flow, incident)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, sanitize(name))
	if err := writeFileAtomic(path, redact.Bytes(data)); err != nil {
		return "", err
	}
	return path, nil
}
