package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/EffortlessMetrics/docket/internal/redact"
)

// ErrAlreadyCommitted is returned when a receipt or handoff for the same
// step and agent has already been committed.
var ErrAlreadyCommitted = errors.New("already committed")

// ErrMissing marks an entity that does not exist, including entities that
// were quarantined after failing to parse.
var ErrMissing = errors.New("entity missing")

// QuarantineError reports an entity moved aside after corruption. It
// unwraps to ErrMissing so callers treat the entity as absent.
type QuarantineError struct {
	Entity      string
	Quarantined string
	Cause       error
}

func (e *QuarantineError) Error() string {
	return fmt.Sprintf("%s quarantined to %s: %v", e.Entity, e.Quarantined, e.Cause)
}

func (e *QuarantineError) Unwrap() error { return ErrMissing }

const readCacheSize = 512

// Store manages run ledgers under one base directory.
type Store struct {
	base string
}

// Open ensures base exists and returns a store rooted there.
func Open(base string) (*Store, error) {
	if base == "" {
		return nil, errors.New("ledger base dir is empty")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger base: %w", err)
	}
	return &Store{base: base}, nil
}

// Base returns the store's root directory.
func (s *Store) Base() string { return s.base }

// RunDir returns the root of one run's ledger.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.base, sanitize(runID))
}

// Create initializes the ledger for a new run and writes its manifest.
func (s *Store) Create(runID string, spec RunSpec, now time.Time) (*RunLedger, error) {
	dir := s.RunDir(runID)
	if _, err := os.Stat(filepath.Join(dir, "meta.json")); err == nil {
		return nil, fmt.Errorf("run %s: %w", runID, ErrAlreadyCommitted)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	rl, err := s.open(runID)
	if err != nil {
		return nil, err
	}
	meta := &RunMeta{
		SchemaVersion: SchemaVersion,
		RunID:         runID,
		Spec:          spec,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
		Status:        RunPending,
	}
	if err := rl.writeMeta(meta); err != nil {
		return nil, err
	}
	return rl, nil
}

// OpenRun attaches to an existing run ledger.
func (s *Store) OpenRun(runID string) (*RunLedger, error) {
	dir := s.RunDir(runID)
	if _, err := os.Stat(filepath.Join(dir, "meta.json")); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, ErrMissing)
	}
	return s.open(runID)
}

// List returns manifests of every run under the store, newest first.
func (s *Store) List() ([]*RunMeta, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, err
	}
	var metas []*RunMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		rl, err := s.OpenRun(e.Name())
		if err != nil {
			continue
		}
		meta, err := rl.Meta()
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})
	return metas, nil
}

func (s *Store) open(runID string) (*RunLedger, error) {
	receipts, err := lru.New[string, *Receipt](readCacheSize)
	if err != nil {
		return nil, err
	}
	handoffs, err := lru.New[string, *Handoff](readCacheSize)
	if err != nil {
		return nil, err
	}
	rl := &RunLedger{
		runID:    runID,
		layout:   Layout{Root: s.RunDir(runID)},
		receipts: receipts,
		handoffs: handoffs,
	}
	rl.eventSeq = rl.countEvents()
	return rl, nil
}

// RunLedger is one run's view of the store. A single kernel process owns
// the writes; readers (status server, CLI) may attach read-only.
type RunLedger struct {
	runID  string
	layout Layout

	mu       sync.Mutex
	eventSeq int64

	receipts *lru.Cache[string, *Receipt]
	handoffs *lru.Cache[string, *Handoff]
}

// RunID returns the owning run's id.
func (rl *RunLedger) RunID() string { return rl.runID }

// Root returns the run's ledger directory.
func (rl *RunLedger) Root() string { return rl.layout.Root }

// Layout exposes path resolution for components that write their own files
// inside the run root (skill outputs, transcripts, forensics).
func (rl *RunLedger) Layout() Layout { return rl.layout }

// commitExclusive persists data at path, failing with ErrAlreadyCommitted
// when the path exists. The link-then-remove dance makes the existence
// check and the publish a single atomic step.
func commitExclusive(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Link(tmpName, path); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s: %w", filepath.Base(path), ErrAlreadyCommitted)
		}
		return err
	}
	return syncDir(dir)
}

// WriteReceipt commits a receipt. Exactly one receipt may exist per
// (step, agent); a second commit returns ErrAlreadyCommitted.
func (rl *RunLedger) WriteReceipt(flow string, r *Receipt) error {
	if r.StepID == "" || r.AgentKey == "" {
		return errors.New("receipt needs step_id and agent_key")
	}
	r.SchemaVersion = SchemaVersion
	r.RunID = rl.runID
	r.Flow = flow
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	path := rl.layout.ReceiptPath(flow, r.StepID, r.AgentKey)
	if err := commitExclusive(path, append(redact.Bytes(data), '\n')); err != nil {
		return err
	}
	rl.receipts.Add(entityKey(flow, r.StepID, r.AgentKey), r)
	return nil
}

// ReadReceipt loads a committed receipt. Corrupt files are quarantined and
// reported via QuarantineError (ErrMissing to errors.Is).
func (rl *RunLedger) ReadReceipt(flow, stepID, agentKey string) (*Receipt, error) {
	key := entityKey(flow, stepID, agentKey)
	if r, ok := rl.receipts.Get(key); ok {
		return r, nil
	}
	path := rl.layout.ReceiptPath(flow, stepID, agentKey)
	var r Receipt
	if err := rl.readEntity(flow, path, &r); err != nil {
		return nil, err
	}
	if err := CheckVersion(r.SchemaVersion); err != nil {
		return nil, fmt.Errorf("receipt %s/%s: %w", flow, stepID, err)
	}
	rl.receipts.Add(key, &r)
	return &r, nil
}

// WriteHandoff commits a handoff envelope, one per (step, agent).
func (rl *RunLedger) WriteHandoff(flow string, h *Handoff) error {
	if h.Meta.StepID == "" || h.Meta.AgentKey == "" {
		return errors.New("handoff meta needs step_id and agent_key")
	}
	h.SchemaVersion = SchemaVersion
	h.RunID = rl.runID
	h.Meta.FlowKey = flow
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal handoff: %w", err)
	}
	path := rl.layout.HandoffPath(flow, h.Meta.StepID, h.Meta.AgentKey)
	if err := commitExclusive(path, append(redact.Bytes(data), '\n')); err != nil {
		return err
	}
	rl.handoffs.Add(entityKey(flow, h.Meta.StepID, h.Meta.AgentKey), h)
	return nil
}

// ReadHandoff loads a committed handoff.
func (rl *RunLedger) ReadHandoff(flow, stepID, agentKey string) (*Handoff, error) {
	key := entityKey(flow, stepID, agentKey)
	if h, ok := rl.handoffs.Get(key); ok {
		return h, nil
	}
	path := rl.layout.HandoffPath(flow, stepID, agentKey)
	var h Handoff
	if err := rl.readEntity(flow, path, &h); err != nil {
		return nil, err
	}
	if err := CheckVersion(h.SchemaVersion); err != nil {
		return nil, fmt.Errorf("handoff %s/%s: %w", flow, stepID, err)
	}
	rl.handoffs.Add(key, &h)
	return &h, nil
}

// HasHandoff reports whether a handoff was committed for the step.
func (rl *RunLedger) HasHandoff(flow, stepID, agentKey string) bool {
	_, err := os.Stat(rl.layout.HandoffPath(flow, stepID, agentKey))
	return err == nil
}

// HasReceipt reports whether a receipt was committed for the step.
func (rl *RunLedger) HasReceipt(flow, stepID, agentKey string) bool {
	_, err := os.Stat(rl.layout.ReceiptPath(flow, stepID, agentKey))
	return err == nil
}

// SupersedeReceipt moves a receipt aside so an explicit retry can commit a
// fresh one. The superseded bytes stay on disk.
func (rl *RunLedger) SupersedeReceipt(flow, stepID, agentKey string) error {
	if err := supersede(rl.layout.ReceiptPath(flow, stepID, agentKey)); err != nil {
		return fmt.Errorf("supersede receipt %s/%s: %w", flow, stepID, err)
	}
	rl.receipts.Remove(entityKey(flow, stepID, agentKey))
	return nil
}

// SupersedeHandoff is SupersedeReceipt for the step's handoff envelope.
func (rl *RunLedger) SupersedeHandoff(flow, stepID, agentKey string) error {
	if err := supersede(rl.layout.HandoffPath(flow, stepID, agentKey)); err != nil {
		return fmt.Errorf("supersede handoff %s/%s: %w", flow, stepID, err)
	}
	rl.handoffs.Remove(entityKey(flow, stepID, agentKey))
	return nil
}

func supersede(path string) error {
	if _, err := os.Stat(path); err != nil {
		return ErrMissing
	}
	for n := 1; ; n++ {
		dest := strings.TrimSuffix(path, ".json") + fmt.Sprintf(".superseded-%d.json", n)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := os.Rename(path, dest); err != nil {
			return err
		}
		break
	}
	return syncDir(filepath.Dir(path))
}

// readEntity reads and decodes a JSON entity, quarantining it on parse
// failure. I/O errors pass through for the caller to classify as transient.
func (rl *RunLedger) readEntity(flow, path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", filepath.Base(path), ErrMissing)
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		qpath, qerr := rl.quarantine(flow, path)
		if qerr != nil {
			return fmt.Errorf("quarantine %s after parse failure: %v (parse: %w)", path, qerr, err)
		}
		return &QuarantineError{Entity: filepath.Base(path), Quarantined: qpath, Cause: err}
	}
	return nil
}

// quarantine moves a corrupt file into the flow's quarantine directory,
// keeping the original name plus a timestamp.
func (rl *RunLedger) quarantine(flow, path string) (string, error) {
	qdir := rl.layout.QuarantineDir(flow)
	if err := os.MkdirAll(qdir, 0o755); err != nil {
		return "", err
	}
	dest := filepath.Join(qdir, fmt.Sprintf("%s.%d", filepath.Base(path), time.Now().UnixNano()))
	if err := os.Rename(path, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func entityKey(flow, stepID, agentKey string) string {
	return flow + "/" + stepID + "-" + agentKey
}
