package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/itskum47/adpilot/control_plane/auth"
	"github.com/itskum47/adpilot/control_plane/logging"
	"github.com/itskum47/adpilot/control_plane/rulegen"
	"github.com/itskum47/adpilot/control_plane/rules"
	"github.com/itskum47/adpilot/control_plane/store"
)

const defaultHistoryLimit = 50

func normalizeAction(action *store.RuleAction) error {
	action.Type = strings.ToUpper(strings.TrimSpace(action.Type))
	switch action.Type {
	case store.ActionPause, store.ActionActivate:
		return nil
	}
	return fmt.Errorf("action.type must be PAUSE or ACTIVATE: %w", store.ErrValidation)
}

func normalizeMode(mode string) (string, error) {
	switch m := strings.ToUpper(strings.TrimSpace(mode)); m {
	case "":
		return store.ModeManual, nil
	case store.ModeAuto, store.ModeManual:
		return m, nil
	}
	return "", fmt.Errorf("execution_mode must be AUTO or MANUAL: %w", store.ErrValidation)
}

// accessibleAgent loads agentID and checks the principal may use it.
func (a *API) accessibleAgent(w http.ResponseWriter, r *http.Request, agentID string) (*store.Agent, bool) {
	if strings.TrimSpace(agentID) == "" {
		a.writeError(w, r, fmt.Errorf("agent_id is required: %w", store.ErrValidation))
		return nil, false
	}
	return a.loadAgent(w, r, agentID)
}

// loadRule fetches an ad-set rule the principal may act on.
func (a *API) loadRule(w http.ResponseWriter, r *http.Request) (*store.AdSetRule, bool) {
	p, ok := a.principal(w, r)
	if !ok {
		return nil, false
	}
	id := mux.Vars(r)["rule_id"]
	rule, err := a.store.GetAdSetRule(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	if !p.CanAccess(rule.UserID) {
		a.writeError(w, r, fmt.Errorf("rule %s: access denied: %w", id, store.ErrForbidden))
		return nil, false
	}
	return rule, true
}

func (a *API) handleListRules(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	list, err := a.store.ListAdSetRules(r.Context(), store.RuleFilter{
		UserID:     p.ScopeUserID(),
		AgentID:    q.Get("agent_id"),
		CampaignID: q.Get("campaign_id"),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type ruleRequest struct {
	AgentID       string              `json:"agent_id"`
	CampaignID    string              `json:"campaign_id"`
	RuleName      string              `json:"rule_name"`
	Description   *string             `json:"description"`
	IsActive      *bool               `json:"is_active"`
	ExecutionMode string              `json:"execution_mode"`
	FilterConfig  *store.FilterConfig `json:"filter_config"`
	Action        *store.RuleAction   `json:"action"`
}

func (a *API) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	var missing []string
	if req.CampaignID == "" {
		missing = append(missing, "campaign_id")
	}
	if strings.TrimSpace(req.RuleName) == "" {
		missing = append(missing, "rule_name")
	}
	if req.FilterConfig == nil {
		missing = append(missing, "filter_config")
	}
	if req.Action == nil {
		missing = append(missing, "action")
	}
	if len(missing) > 0 {
		a.writeError(w, r, fmt.Errorf("missing required fields: %s: %w", strings.Join(missing, ", "), store.ErrValidation))
		return
	}
	agent, ok := a.accessibleAgent(w, r, req.AgentID)
	if !ok {
		return
	}
	if err := rules.Validate(req.FilterConfig); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := normalizeAction(req.Action); err != nil {
		a.writeError(w, r, err)
		return
	}
	mode, err := normalizeMode(req.ExecutionMode)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	rule := &store.AdSetRule{
		ID:            auth.RandomID("rule"),
		UserID:        agent.UserID,
		AgentID:       agent.ID,
		CampaignID:    req.CampaignID,
		RuleName:      strings.TrimSpace(req.RuleName),
		IsActive:      req.IsActive == nil || *req.IsActive,
		ExecutionMode: mode,
		FilterConfig:  *req.FilterConfig,
		Action:        *req.Action,
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if err := a.store.CreateAdSetRule(r.Context(), rule); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (a *API) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.loadRule(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleUpdateRule applies the fields present in the body. Agent and
// campaign are fixed at creation.
func (a *API) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.loadRule(w, r)
	if !ok {
		return
	}
	var req ruleRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if name := strings.TrimSpace(req.RuleName); name != "" {
		rule.RuleName = name
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if req.ExecutionMode != "" {
		mode, err := normalizeMode(req.ExecutionMode)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		rule.ExecutionMode = mode
	}
	if req.FilterConfig != nil {
		if err := rules.Validate(req.FilterConfig); err != nil {
			a.writeError(w, r, err)
			return
		}
		rule.FilterConfig = *req.FilterConfig
	}
	if req.Action != nil {
		if err := normalizeAction(req.Action); err != nil {
			a.writeError(w, r, err)
			return
		}
		rule.Action = *req.Action
	}
	if err := a.store.UpdateAdSetRule(r.Context(), rule); err != nil {
		a.writeError(w, r, err)
		return
	}
	updated, err := a.store.GetAdSetRule(r.Context(), rule.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.loadRule(w, r)
	if !ok {
		return
	}
	if err := a.store.DeleteAdSetRule(r.Context(), rule.ID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.timeline.Forget(rule.ID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Rule deleted successfully"})
}

// handleExecuteRule runs a rule now. It shares the per-rule guard with the
// scheduler, so a concurrent run answers 409.
func (a *API) handleExecuteRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.loadRule(w, r)
	if !ok {
		return
	}
	if !rule.IsActive {
		a.writeError(w, r, fmt.Errorf("rule is not active: %w", store.ErrValidation))
		return
	}
	report, err := a.runner.ExecuteAdSetRule(r.Context(), rule, rules.TriggerManual)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	l := logging.FromContext(r.Context())
	l.Info().Str("rule_id", rule.ID).Int("matched", report.MatchedCount).Msg("rule executed manually")
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleRuleHistory(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.loadRule(w, r)
	if !ok {
		return
	}
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			a.writeError(w, r, fmt.Errorf("limit must be a positive integer: %w", store.ErrValidation))
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, a.timeline.GetEvents(rule.ID, limit))
}

type previewRequest struct {
	AgentID      string             `json:"agent_id"`
	CampaignID   string             `json:"campaign_id"`
	FilterConfig store.FilterConfig `json:"filter_config"`
}

func (a *API) handlePreviewRule(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.CampaignID == "" {
		a.writeError(w, r, fmt.Errorf("campaign_id is required: %w", store.ErrValidation))
		return
	}
	agent, ok := a.accessibleAgent(w, r, req.AgentID)
	if !ok {
		return
	}
	if err := rules.Validate(&req.FilterConfig); err != nil {
		a.writeError(w, r, err)
		return
	}
	report, err := a.executor.Preview(r.Context(), agent.ID, req.CampaignID, req.FilterConfig)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type generateRequest struct {
	NaturalLanguage string `json:"natural_language"`
	AgentID         string `json:"agent_id"`
	CampaignID      string `json:"campaign_id"`
}

// handleGenerateRule returns a validated draft. Nothing is saved.
func (a *API) handleGenerateRule(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.NaturalLanguage) == "" || req.CampaignID == "" {
		a.writeError(w, r, fmt.Errorf("natural_language and campaign_id are required: %w", store.ErrValidation))
		return
	}
	if _, ok := a.accessibleAgent(w, r, req.AgentID); !ok {
		return
	}
	draft, err := a.rulegen.Generate(r.Context(), req.NaturalLanguage)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*rulegen.Draft
		AgentID    string `json:"agent_id"`
		CampaignID string `json:"campaign_id"`
	}{draft, req.AgentID, req.CampaignID})
}

func (a *API) handleListOperators(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"operators":        rules.Operators(),
		"attribute_fields": rules.AttributeFields,
		"metric_fields":    rules.MetricFields,
	})
}
