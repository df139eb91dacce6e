package main

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/itskum47/adpilot/control_plane/logging"
	"github.com/itskum47/adpilot/control_plane/rules"
	"github.com/itskum47/adpilot/control_plane/store"
)

// automatedRuleView is an automated rule plus whether a scan is in flight
// on this node.
type automatedRuleView struct {
	*store.AutomatedRule
	Running bool `json:"running"`
}

func (a *API) automatedView(rule *store.AutomatedRule) automatedRuleView {
	return automatedRuleView{AutomatedRule: rule, Running: a.runner.Running(rule.ID)}
}

func (a *API) handleListAutomatedRules(w http.ResponseWriter, r *http.Request) {
	list, err := a.store.ListAutomatedRules(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]automatedRuleView, 0, len(list))
	for _, rule := range list {
		out = append(out, a.automatedView(rule))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleGetAutomatedRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.store.GetAutomatedRule(r.Context(), mux.Vars(r)["rule_id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.automatedView(rule))
}

type patchAutomatedRequest struct {
	Enabled *bool `json:"enabled"`
}

func (a *API) handlePatchAutomatedRule(w http.ResponseWriter, r *http.Request) {
	var req patchAutomatedRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Enabled == nil {
		a.writeError(w, r, fmt.Errorf("enabled is required: %w", store.ErrValidation))
		return
	}
	rule, err := a.store.SetAutomatedRuleEnabled(r.Context(), mux.Vars(r)["rule_id"], *req.Enabled)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	l := logging.FromContext(r.Context())
	l.Info().Str("rule_id", rule.ID).Bool("enabled", rule.Enabled).Msg("automated rule toggled")
	writeJSON(w, http.StatusOK, rule)
}

// handleRunAutomatedRule runs a global scan immediately, skipping the
// interval gate. A disabled rule is refused.
func (a *API) handleRunAutomatedRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.store.GetAutomatedRule(r.Context(), mux.Vars(r)["rule_id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	summary, err := a.runner.RunAutomatedRule(r.Context(), rule, rules.TriggerManual)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
