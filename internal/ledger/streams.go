package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/EffortlessMetrics/docket/internal/redact"
)

// maxStreamLine bounds a single jsonl record; streams carry envelopes and
// counters, not payloads.
const maxStreamLine = 1 << 20

// AppendEvent assigns the next sequence number and appends to events.jsonl.
// Returns the stored event, seq filled in.
func (rl *RunLedger) AppendEvent(ev Event) (Event, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.eventSeq++
	ev.Seq = rl.eventSeq
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event: %w", err)
	}
	if err := appendLine(rl.layout.EventsPath(), redact.Bytes(line)); err != nil {
		rl.eventSeq--
		return Event{}, err
	}
	return ev, nil
}

// ReadEvents returns events with Seq > after, oldest first. Used for SSE
// replay and the status CLI.
func (rl *RunLedger) ReadEvents(after int64) ([]Event, error) {
	f, err := os.Open(rl.layout.EventsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			// A torn tail line from a crash is skipped, not fatal.
			continue
		}
		if ev.Seq > after {
			events = append(events, ev)
		}
	}
	return events, sc.Err()
}

func (rl *RunLedger) countEvents() int64 {
	f, err := os.Open(rl.layout.EventsPath())
	if err != nil {
		return 0
	}
	defer f.Close()
	var last int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err == nil && ev.Seq > last {
			last = ev.Seq
		}
	}
	return last
}

// AppendDecision appends one routing decision to the flow's decision stream.
func (rl *RunLedger) AppendDecision(flow string, d *RoutingDecision) error {
	d.SchemaVersion = SchemaVersion
	d.RunID = rl.runID
	d.Flow = flow
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	if !d.Decision.Valid() {
		return fmt.Errorf("decision %q outside the routing vocabulary", d.Decision)
	}
	line, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	return appendLine(rl.layout.DecisionsPath(flow), redact.Bytes(line))
}

// ReadDecisions returns the flow's routing decisions in append order.
func (rl *RunLedger) ReadDecisions(flow string) ([]RoutingDecision, error) {
	return readStream[RoutingDecision](rl.layout.DecisionsPath(flow))
}

// AppendScent adds an entry to the flow's scent trail. The trail is an
// accumulated array; prior entries are never modified, corrections are new
// entries.
func (rl *RunLedger) AppendScent(flow string, e ScentEntry) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	trail, err := rl.readScentLocked(flow)
	if err != nil {
		return err
	}
	trail = append(trail, e)
	data, err := json.MarshalIndent(trail, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scent trail: %w", err)
	}
	return writeFileAtomic(rl.layout.ScentTrailPath(flow), append(redact.Bytes(data), '\n'))
}

// ReadScentTrail returns the flow's accumulated scent entries.
func (rl *RunLedger) ReadScentTrail(flow string) ([]ScentEntry, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.readScentLocked(flow)
}

func (rl *RunLedger) readScentLocked(flow string) ([]ScentEntry, error) {
	path := rl.layout.ScentTrailPath(flow)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var trail []ScentEntry
	if err := json.Unmarshal(data, &trail); err != nil {
		qpath, qerr := rl.quarantine(flow, path)
		if qerr != nil {
			return nil, fmt.Errorf("quarantine scent trail: %v (parse: %w)", qerr, err)
		}
		// The trail restarts empty; the quarantined file keeps the history.
		return nil, &QuarantineError{Entity: "scent_trail.json", Quarantined: qpath, Cause: err}
	}
	return trail, nil
}

// AppendDegradation records a capability downgrade on the flow's stream.
func (rl *RunLedger) AppendDegradation(flow string, d Degradation) error {
	if d.At.IsZero() {
		d.At = time.Now().UTC()
	}
	line, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal degradation: %w", err)
	}
	return appendLine(rl.layout.DegradationsPath(flow), redact.Bytes(line))
}

// ReadDegradations returns the flow's degradation records in append order.
func (rl *RunLedger) ReadDegradations(flow string) ([]Degradation, error) {
	return readStream[Degradation](rl.layout.DegradationsPath(flow))
}

// AppendStepLog writes one execution event to the step's log stream.
func (rl *RunLedger) AppendStepLog(flow, stepID string, record map[string]any) error {
	if record == nil {
		record = map[string]any{}
	}
	if _, ok := record["at"]; !ok {
		record["at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal step log: %w", err)
	}
	return appendLine(rl.layout.StepLogPath(flow, stepID), redact.Bytes(line))
}

// AppendTranscript stores one backend exchange record when the backend
// surfaces transcripts.
func (rl *RunLedger) AppendTranscript(flow, stepID, agentKey, engine string, record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	return appendLine(rl.layout.TranscriptPath(flow, stepID, agentKey, engine), redact.Bytes(line))
}

// readStream decodes a whole jsonl file. Torn tail lines are skipped.
func readStream[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxStreamLine)
	for sc.Scan() {
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, sc.Err()
}
