package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/EffortlessMetrics/docket/internal/backend"
	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/runstate"
)

// validRunID matches ULIDs, UUIDs, and other safe identifiers.
var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": s.registry.Active(),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	metas, err := s.sup.Store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list runs: %v", err))
		return
	}
	out := make([]RunSummary, 0, len(metas))
	for _, m := range metas {
		out = append(out, RunSummary{
			RunID:      m.RunID,
			Status:     m.Status,
			Reason:     m.StatusReason,
			ActiveFlow: m.ActiveFlow,
			CostUSD:    m.CumulativeCost,
			CreatedAt:  m.CreatedAt,
			UpdatedAt:  m.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	runID, err := s.sup.Start(ledger.RunSpec{
		Flows:     req.Flows,
		Mode:      req.Mode,
		BudgetUSD: req.BudgetUSD,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	host := &RunHost{
		RunID:       runID,
		Broadcaster: NewBroadcaster(),
		StartedAt:   time.Now().UTC(),
	}
	if err := s.registry.Register(runID, host); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	go s.hostRun(host)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitRunResponse{RunID: runID, Status: "accepted"})
}

// hostRun drives the run and tails its event stream into the broadcaster
// until the drive returns.
func (s *Server) hostRun(host *RunHost) {
	defer host.Broadcaster.Close()

	tailCtx := make(chan struct{})
	tailDone := make(chan struct{})
	go func() {
		defer close(tailDone)
		rl, err := s.sup.Store.OpenRun(host.RunID)
		if err != nil {
			return
		}
		var after int64
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			events, err := rl.ReadEvents(after)
			if err == nil {
				for _, ev := range events {
					host.Broadcaster.Send(ev)
					after = ev.Seq
				}
			}
			select {
			case <-tailCtx:
				// One final drain so the stream ends with the terminal events.
				if events, err := rl.ReadEvents(after); err == nil {
					for _, ev := range events {
						host.Broadcaster.Send(ev)
					}
				}
				return
			case <-ticker.C:
			}
		}
	}()

	meta, err := s.sup.Drive(s.baseCtx, host.RunID)
	close(tailCtx)
	// Wait for the final drain before the deferred Close; Send drops
	// events on a closed broadcaster.
	<-tailDone
	host.SetResult(meta, err)
	if err != nil {
		log.WithFields(log.Fields{"run_id": host.RunID, "error": err}).Warn("hosted run ended with error")
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	snap, err := runstate.Collect(s.sup.Store, runID, time.Now())
	if err != nil {
		if errors.Is(err, ledger.ErrMissing) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if !validRunID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	if host, ok := s.registry.Get(runID); ok {
		WriteSSE(w, r, host.Broadcaster)
		return
	}
	// Not hosted here: replay the ledger and close.
	rl, err := s.sup.Store.OpenRun(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}
	events, err := rl.ReadEvents(0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeStaticSSE(w, events)
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.sup.Pause(runID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "pausing"})
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.sup.ResumePaused(runID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if err := s.sup.Cancel(runID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	rl, err := s.sup.Store.OpenRun(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}
	escalations, err := rl.ListEscalations()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if escalations == nil {
		escalations = []*ledger.Escalation{}
	}
	writeJSON(w, http.StatusOK, escalations)
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	key := r.PathValue("key")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}

	esc, err := s.sup.Resolve(runID, key, ledger.Resolution{
		Decision:   ledger.Decision(req.Decision),
		Target:     req.Target,
		Note:       req.Note,
		ResolvedBy: req.ResolvedBy,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrMissing):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ledger.ErrAlreadyCommitted):
			writeError(w, http.StatusConflict, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Plan)
}

func (s *Server) handlePlatformStatus(w http.ResponseWriter, r *http.Request) {
	inner := s.sup.Backend
	native := map[string]bool{}
	var bridged []string
	caps := inner.Capabilities()
	for _, c := range []backend.Capability{
		backend.CapStructuredOutput,
		backend.CapStreaming,
		backend.CapHotContext,
		backend.CapHooks,
	} {
		native[string(c)] = caps.Has(c)
		if !caps.Has(c) {
			bridged = append(bridged, string(c))
		}
	}

	status := PlatformStatus{
		Engine:     inner.Name(),
		Native:     native,
		Bridged:    bridged,
		PlanFlows:  s.sup.Plan.FlowNames(),
		ActiveRuns: s.registry.Active(),
	}
	if s.sup.Catalog != nil && len(s.sup.Catalog.Entries) > 0 {
		status.Detours = map[string]string{}
		for _, e := range s.sup.Catalog.Entries {
			status.Detours[e.SignaturePrefix] = e.Target()
		}
	}
	writeJSON(w, http.StatusOK, status)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
