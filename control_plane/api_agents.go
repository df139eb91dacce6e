package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/itskum47/adpilot/control_plane/auth"
	"github.com/itskum47/adpilot/control_plane/logging"
	"github.com/itskum47/adpilot/control_plane/observability"
	"github.com/itskum47/adpilot/control_plane/rollup"
	"github.com/itskum47/adpilot/control_plane/store"
)

// Polling intervals handed to agents on config:pull.
const (
	pollHeartbeatSeconds = 30
	pollCommandsSeconds  = 60
	pollConfigSeconds    = 60
	pollSyncMinutes      = 15
)

const hiddenToken = "[HIDDEN]"

type bootstrap struct {
	Token     string `json:"token"`
	DockerRun string `json:"docker_run"`
}

// agentView is an agent as returned to operators. Bootstrap carries the
// plaintext token only right after it was issued.
type agentView struct {
	*store.Agent
	Bootstrap *bootstrap `json:"bootstrap,omitempty"`
}

func (a *API) bootstrapFor(agentID, token string) *bootstrap {
	return &bootstrap{
		Token: token,
		DockerRun: fmt.Sprintf("docker run -d --name adpilot-agent --restart unless-stopped -e AGENT_ID=%s -e AGENT_TOKEN=%s %s",
			agentID, token, a.cfg.Agent.DockerImage),
	}
}

func newAgentID() string {
	return "agent-" + uuid.NewString()[:8]
}

// validateAllowedIPs accepts single addresses and CIDR prefixes.
func validateAllowedIPs(ips []string) ([]string, error) {
	out := make([]string, 0, len(ips))
	for _, raw := range ips {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			if _, err := netip.ParsePrefix(s); err != nil {
				return nil, fmt.Errorf("allowed_ips: %q is not a valid CIDR: %w", s, store.ErrValidation)
			}
		} else if _, err := netip.ParseAddr(s); err != nil {
			return nil, fmt.Errorf("allowed_ips: %q is not a valid IP: %w", s, store.ErrValidation)
		}
		out = append(out, s)
	}
	return out, nil
}

type createAgentRequest struct {
	Name       string   `json:"name"`
	UserID     string   `json:"user_id"`
	AllowedIP  string   `json:"allowed_ip"`
	AllowedIPs []string `json:"allowed_ips"`
	BaseURL    string   `json:"base_url"`
}

func (a *API) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	var req createAgentRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		a.writeError(w, r, fmt.Errorf("name is required: %w", store.ErrValidation))
		return
	}
	owner := req.UserID
	if owner == "" {
		owner = p.UserID
	}
	if !p.CanAccess(owner) {
		a.writeError(w, r, fmt.Errorf("can only create agents for yourself: %w", store.ErrForbidden))
		return
	}
	if req.AllowedIP != "" {
		req.AllowedIPs = append(req.AllowedIPs, req.AllowedIP)
	}
	ips, err := validateAllowedIPs(req.AllowedIPs)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	token, hash, err := auth.NewAgentToken()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	agent := &store.Agent{
		UserID:     owner,
		Name:       strings.TrimSpace(req.Name),
		Status:     store.AgentOffline,
		AllowedIPs: ips,
		BaseURL:    strings.TrimRight(req.BaseURL, "/"),
		TokenHash:  hash,
	}
	// Eight hex characters collide rarely; retry a few times when they do.
	for attempt := 0; ; attempt++ {
		agent.ID = newAgentID()
		err = a.store.CreateAgent(r.Context(), agent)
		if err == nil || !errors.Is(err, store.ErrConflict) || attempt == 4 {
			break
		}
	}
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	l := logging.FromContext(r.Context())
	l.Info().Str("agent_id", agent.ID).Str("owner", owner).Msg("agent created")
	writeJSON(w, http.StatusCreated, agentView{Agent: agent, Bootstrap: a.bootstrapFor(agent.ID, token)})
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	p, ok := a.principal(w, r)
	if !ok {
		return
	}
	agents, err := a.store.ListAgents(r.Context(), p.ScopeUserID())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := make([]agentView, 0, len(agents))
	for _, ag := range agents {
		v := agentView{Agent: ag}
		if ag.TokenHash != "" {
			v.Bootstrap = a.bootstrapFor(ag.ID, hiddenToken)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// loadAgent fetches an agent the principal may act on. A foreign agent is
// forbidden rather than hidden, matching the console's expectations.
func (a *API) loadAgent(w http.ResponseWriter, r *http.Request, id string) (*store.Agent, bool) {
	p, ok := a.principal(w, r)
	if !ok {
		return nil, false
	}
	agent, err := a.store.GetAgent(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	if !p.CanAccess(agent.UserID) {
		a.writeError(w, r, fmt.Errorf("agent %s: access denied: %w", id, store.ErrForbidden))
		return nil, false
	}
	return agent, true
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := a.loadAgent(w, r, mux.Vars(r)["agent_id"])
	if !ok {
		return
	}
	v := agentView{Agent: agent}
	if agent.TokenHash != "" {
		v.Bootstrap = a.bootstrapFor(agent.ID, hiddenToken)
	}
	writeJSON(w, http.StatusOK, v)
}

type updateAgentRequest struct {
	Name       *string   `json:"name"`
	AllowedIPs *[]string `json:"allowed_ips"`
	BaseURL    *string   `json:"base_url"`
}

func (a *API) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	var req updateAgentRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	agent, err := a.store.GetAgent(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) != "" {
		agent.Name = strings.TrimSpace(*req.Name)
	}
	if req.AllowedIPs != nil {
		ips, err := validateAllowedIPs(*req.AllowedIPs)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		agent.AllowedIPs = ips
	}
	if req.BaseURL != nil {
		agent.BaseURL = strings.TrimRight(*req.BaseURL, "/")
	}
	if err := a.store.UpdateAgentProfile(r.Context(), agent); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agentView{Agent: agent})
}

func (a *API) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	if err := a.store.DeleteAgent(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.proxy.Forget(id)
	a.heartbeatLimiter.Forget(id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Agent deleted successfully"})
}

// handleRotateAgentToken issues a fresh token. The old one stops working
// immediately; this is also how a lost token is recovered.
func (a *API) handleRotateAgentToken(w http.ResponseWriter, r *http.Request) {
	agent, ok := a.loadAgent(w, r, mux.Vars(r)["agent_id"])
	if !ok {
		return
	}
	token, hash, err := auth.NewAgentToken()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.store.SetAgentTokenHash(r.Context(), agent.ID, hash); err != nil {
		a.writeError(w, r, err)
		return
	}
	l := logging.FromContext(r.Context())
	l.Info().Str("agent_id", agent.ID).Msg("agent token rotated")
	writeJSON(w, http.StatusOK, agentView{Agent: agent, Bootstrap: a.bootstrapFor(agent.ID, token)})
}

// -- Agent-facing endpoints --

type heartbeatRequest struct {
	Message string `json:"message"`
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["agent_id"]
	if !a.heartbeatLimiter.Allow(id) {
		observability.Heartbeats.WithLabelValues("rate_limited").Inc()
		a.writeRateLimitError(w, "heartbeat")
		return
	}
	token, err := agentToken(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req heartbeatRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	if _, err := a.liveness.Heartbeat(r.Context(), id, token, remoteIP(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": req.Message})
}

// authenticateAgent checks the bearer token of an agent-facing call.
func (a *API) authenticateAgent(w http.ResponseWriter, r *http.Request) (*store.Agent, bool) {
	token, err := agentToken(r)
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	agent, err := a.liveness.Authenticate(r.Context(), mux.Vars(r)["agent_id"], token)
	if err != nil {
		a.writeError(w, r, err)
		return nil, false
	}
	return agent, true
}

type polling struct {
	HeartbeatSeconds int `json:"heartbeat_seconds"`
	CommandsSeconds  int `json:"commands_seconds"`
	ConfigSeconds    int `json:"config_seconds"`
	SyncMinutes      int `json:"sync_minutes"`
}

type agentAccount struct {
	ID              string   `json:"id"`
	MetaAdAccountID string   `json:"meta_ad_account_id"`
	CredRef         string   `json:"cred_ref"`
	Permissions     []string `json:"permissions"`
}

type agentConfig struct {
	AgentID    string         `json:"agent_id"`
	Version    string         `json:"version"`
	Polling    polling        `json:"polling"`
	AdAccounts []agentAccount `json:"ad_accounts"`
}

func (a *API) handleConfigPull(w http.ResponseWriter, r *http.Request) {
	agent, ok := a.authenticateAgent(w, r)
	if !ok {
		return
	}
	accounts, err := a.store.ListAdAccountsByAgent(r.Context(), agent.ID, true)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out := agentConfig{
		AgentID: agent.ID,
		Version: time.Now().UTC().Format(time.RFC3339),
		Polling: polling{
			HeartbeatSeconds: pollHeartbeatSeconds,
			CommandsSeconds:  pollCommandsSeconds,
			ConfigSeconds:    pollConfigSeconds,
			SyncMinutes:      pollSyncMinutes,
		},
		AdAccounts: make([]agentAccount, 0, len(accounts)),
	}
	for _, acc := range accounts {
		out.AdAccounts = append(out.AdAccounts, agentAccount{
			ID:              acc.ID,
			MetaAdAccountID: acc.MetaAdAccountID,
			CredRef:         acc.CredRef,
			Permissions:     []string{"READ", "WRITE"},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleCommandsPull(w http.ResponseWriter, r *http.Request) {
	agent, ok := a.authenticateAgent(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			a.writeError(w, r, fmt.Errorf("limit must be an integer: %w", store.ErrValidation))
			return
		}
		limit = n
	}
	cmds, err := a.queue.Pull(r.Context(), agent.ID, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

type commandResultRequest struct {
	StartedAt  *time.Time     `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at"`
	Success    *bool          `json:"success"`
	Details    map[string]any `json:"details"`
}

func (a *API) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	token, err := agentToken(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req commandResultRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if req.Success == nil {
		a.writeError(w, r, fmt.Errorf("success is required: %w", store.ErrValidation))
		return
	}
	_, err = a.queue.ReportResult(r.Context(), mux.Vars(r)["command_id"], token, store.CommandResult{
		StartedAt:  req.StartedAt,
		FinishedAt: req.FinishedAt,
		Success:    *req.Success,
		Details:    req.Details,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleMetricsIngest stores an agent's metrics report for one of its own
// ad accounts.
func (a *API) handleMetricsIngest(w http.ResponseWriter, r *http.Request) {
	agent, ok := a.authenticateAgent(w, r)
	if !ok {
		return
	}
	var batch rollup.IngestBatch
	if err := decode(r, &batch); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := batch.Validate(); err != nil {
		a.writeError(w, r, err)
		return
	}
	acc, err := a.store.GetAdAccount(r.Context(), batch.AdAccountID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if acc.AgentID != agent.ID {
		a.writeError(w, r, fmt.Errorf("ad account %s is not served by agent %s: %w", acc.ID, agent.ID, store.ErrForbidden))
		return
	}
	n, err := rollup.Ingest(r.Context(), a.store, acc, &batch, rollup.RetentionCutoff(time.Now(), a.cfg.Retention.Days))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ingested": n})
}
