package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/EffortlessMetrics/docket/internal/ledger"
	"github.com/EffortlessMetrics/docket/internal/runstate"
)

type cmdStatus struct {
	JSON bool `long:"json" description:"Emit the full snapshot as JSON"`

	Args struct {
		RunID string `positional-arg-name:"run_id" description:"Run to inspect (omit to list all runs)"`
	} `positional-args:"yes"`

	opts *globalOptions
}

func (cmd *cmdStatus) Execute(_ []string) error {
	cfg, err := cmd.opts.loadConfig()
	if err != nil {
		return err
	}
	store, err := ledger.Open(cfg.RunBase)
	if err != nil {
		return err
	}

	if cmd.Args.RunID == "" {
		return listRuns(store, cmd.JSON)
	}

	snap, err := runstate.Collect(store, cmd.Args.RunID, time.Now())
	if err != nil {
		return err
	}
	if cmd.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	m := snap.Meta
	fmt.Printf("run_id=%s\n", m.RunID)
	fmt.Printf("status=%s\n", m.Status)
	if m.StatusReason != "" {
		fmt.Printf("reason=%s\n", m.StatusReason)
	}
	if m.ActiveFlow != "" {
		fmt.Printf("active_flow=%s\n", m.ActiveFlow)
	}
	fmt.Printf("cost_usd=%.4f\n", m.CumulativeCost)
	fmt.Printf("tokens=%d\n", m.Tokens.Total)
	if snap.OwnerAlive {
		fmt.Printf("owner_pid=%d\n", snap.OwnerPID)
	}
	for _, fp := range snap.Flows {
		fmt.Printf("flow=%s receipts=%d decisions=%d\n", fp.Flow, fp.Receipts, fp.Decisions)
		for _, r := range fp.Steps {
			fmt.Printf("  step=%s agent=%s status=%s cost_usd=%.4f\n", r.StepID, r.AgentKey, r.Status, r.CostUSD)
		}
	}
	if snap.Unresolved > 0 {
		fmt.Printf("unresolved_escalations=%d\n", snap.Unresolved)
		for _, esc := range snap.Escalations {
			if esc.Resolution == nil {
				fmt.Printf("escalation=%s flow=%s step=%s reason=%q\n", esc.Key, esc.Flow, esc.StepID, esc.Reason)
			}
		}
	}
	for _, ev := range snap.Events {
		fmt.Printf("event seq=%d type=%s step=%s\n", ev.Seq, ev.Type, ev.StepID)
	}
	return nil
}

func listRuns(store *ledger.Store, asJSON bool) error {
	metas, err := store.List()
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(metas)
	}
	if len(metas) == 0 {
		fmt.Println("no runs")
		return nil
	}
	for _, m := range metas {
		fmt.Printf("run_id=%s status=%s flow=%s cost_usd=%.4f updated=%s\n",
			m.RunID, m.Status, m.ActiveFlow, m.CumulativeCost, m.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}
