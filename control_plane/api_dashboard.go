package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/itskum47/adpilot/control_plane/scheduler"
	"github.com/itskum47/adpilot/control_plane/store"
)

// AutomatedRunView is the most recent automated rule run.
type AutomatedRunView struct {
	RuleID   string                  `json:"rule_id"`
	RuleName string                  `json:"rule_name"`
	RanAt    time.Time               `json:"ran_at"`
	Summary  *store.ExecutionSummary `json:"summary"`
}

// DashboardMetrics represents the complete dashboard state.
type DashboardMetrics struct {
	// Fleet
	AgentsOnline int `json:"agents_online"`
	AgentsTotal  int `json:"agents_total"`
	// Agent ID to breaker state, for agents whose circuit is not closed.
	OpenCircuits map[string]string `json:"open_circuits"`

	// Work
	QueuedCommands  int               `json:"queued_commands"`
	RunningCommands int               `json:"running_commands"`
	ActiveRules     int               `json:"active_rules"`
	LastAutomated   *AutomatedRunView `json:"last_automated_run,omitempty"`

	// Leadership
	IsLeader          bool   `json:"is_leader"`
	CurrentEpoch      int64  `json:"current_epoch"`
	LeaderTransitions int64  `json:"leader_transitions"`
	NodeID            string `json:"node_id"`
	ClusterRole       string `json:"cluster_role"`

	Scheduler scheduler.Snapshot `json:"scheduler"`

	Timestamp int64 `json:"timestamp"`
}

// handleGetDashboard returns the current dashboard metrics.
func (a *API) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	metrics, err := a.dashboardService.GetDashboardMetrics(r.Context(), p.ScopeUserID())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// handleRunJob runs a scheduler job immediately, outside its ticker and
// regardless of the scheduler mode.
func (a *API) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["job"]
	err := a.scheduler.RunNow(r.Context(), name)
	if errors.Is(err, scheduler.ErrUnknownJob) {
		a.writeError(w, r, fmt.Errorf("job %s: %w", name, store.ErrNotFound))
		return
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	for _, st := range a.scheduler.Snapshot().Jobs {
		if st.Name == name {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": name})
}
