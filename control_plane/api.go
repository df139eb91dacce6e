package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/agentproxy"
	"github.com/itskum47/adpilot/control_plane/auth"
	"github.com/itskum47/adpilot/control_plane/commands"
	"github.com/itskum47/adpilot/control_plane/config"
	"github.com/itskum47/adpilot/control_plane/coordination"
	"github.com/itskum47/adpilot/control_plane/idempotency"
	"github.com/itskum47/adpilot/control_plane/logging"
	"github.com/itskum47/adpilot/control_plane/middleware"
	"github.com/itskum47/adpilot/control_plane/observability"
	"github.com/itskum47/adpilot/control_plane/rulegen"
	"github.com/itskum47/adpilot/control_plane/rules"
	"github.com/itskum47/adpilot/control_plane/scheduler"
	"github.com/itskum47/adpilot/control_plane/store"
	"github.com/itskum47/adpilot/control_plane/timeline"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// APIDeps is everything the HTTP layer talks to. Elector is nil without Redis.
// Dashboard and Hub are built by NewAPI when left nil.
type APIDeps struct {
	Config      *config.Config
	Store       store.Store
	Tokens      *auth.TokenIssuer
	Liveness    *coordination.LivenessTracker
	Queue       *commands.Queue
	Executor    *rules.Executor
	Runner      *Runner
	RuleGen     *rulegen.Client
	Proxy       *agentproxy.Client
	Timeline    *timeline.Store
	Scheduler   *scheduler.Scheduler
	Elector     *coordination.LeaderElector
	Idempotency *idempotency.Store
	Dashboard   *DashboardService
	Hub         *MetricsHub
	Logger      zerolog.Logger
}

type API struct {
	cfg       *config.Config
	store     store.Store
	tokens    *auth.TokenIssuer
	liveness  *coordination.LivenessTracker
	queue     *commands.Queue
	executor  *rules.Executor
	runner    *Runner
	rulegen   *rulegen.Client
	proxy     *agentproxy.Client
	timeline  *timeline.Store
	scheduler *scheduler.Scheduler
	elector   *coordination.LeaderElector

	dashboardService *DashboardService
	wsHub            *MetricsHub

	idempotency *idempotency.Store

	// Storm protection: agents heartbeat every 30s, a burst above
	// cfg.Agent.HeartbeatRPS is a misbehaving agent.
	heartbeatLimiter *scheduler.TokenBucketLimiter

	logger zerolog.Logger
}

func NewAPI(d APIDeps) *API {
	rps := d.Config.Agent.HeartbeatRPS
	if rps <= 0 {
		rps = 1
	}
	api := &API{
		cfg:              d.Config,
		store:            d.Store,
		tokens:           d.Tokens,
		liveness:         d.Liveness,
		queue:            d.Queue,
		executor:         d.Executor,
		runner:           d.Runner,
		rulegen:          d.RuleGen,
		proxy:            d.Proxy,
		timeline:         d.Timeline,
		scheduler:        d.Scheduler,
		elector:          d.Elector,
		idempotency:      d.Idempotency,
		heartbeatLimiter: scheduler.NewTokenBucketLimiter(rps, 3),
		logger:           d.Logger.With().Str("component", "api").Logger(),
	}
	api.dashboardService = d.Dashboard
	if api.dashboardService == nil {
		var breakers BreakerReporter
		if d.Proxy != nil {
			breakers = d.Proxy
		}
		api.dashboardService = NewDashboardService(d.Store, d.Scheduler, d.Elector, breakers)
	}
	api.wsHub = d.Hub
	if api.wsHub == nil {
		api.wsHub = NewMetricsHub(api.dashboardService, api.logger)
	}
	return api
}

// Hub is the dashboard websocket hub.
func (a *API) Hub() *MetricsHub {
	return a.wsHub
}

// Router builds the full HTTP handler including the middleware chain.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, http.StatusMethodNotAllowed, "validation", "method not allowed")
	})

	authed := middleware.AuthMiddleware(a.tokens)
	idem := idempotency.Middleware(a.idempotency, principalScope, a.logger)
	op := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, authed(h)).Methods(methods...)
	}
	opIdem := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, authed(idem(h))).Methods(methods...)
	}
	admin := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, authed(middleware.RequireAdmin(h))).Methods(methods...)
	}
	adminIdem := func(path string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, authed(middleware.RequireAdmin(idem(h)))).Methods(methods...)
	}

	// Public
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/auth/login", a.handleLogin).Methods(http.MethodPost)

	// Agent-facing, authenticated by agent token
	r.HandleFunc("/agents/commands/{command_id}/result", a.handleCommandResult).Methods(http.MethodPost)
	r.HandleFunc("/agents/{agent_id}/heartbeat", a.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/agents/{agent_id}/config:pull", a.handleConfigPull).Methods(http.MethodPost)
	r.HandleFunc("/agents/{agent_id}/commands:pull", a.handleCommandsPull).Methods(http.MethodPost)
	r.HandleFunc("/agents/{agent_id}/metrics", a.handleMetricsIngest).Methods(http.MethodPost)

	// Users
	admin("/users", a.handleCreateUser, http.MethodPost)
	admin("/users", a.handleListUsers, http.MethodGet)
	admin("/users/{user_id}", a.handleDeleteUser, http.MethodDelete)
	op("/auth/me", a.handleMe, http.MethodGet)

	// Agents
	op("/agents", a.handleListAgents, http.MethodGet)
	opIdem("/agents", a.handleCreateAgent, http.MethodPost)
	op("/agents/{agent_id}", a.handleGetAgent, http.MethodGet)
	admin("/agents/{agent_id}", a.handleUpdateAgent, http.MethodPut)
	admin("/agents/{agent_id}", a.handleDeleteAgent, http.MethodDelete)
	op("/agents/{agent_id}/token:rotate", a.handleRotateAgentToken, http.MethodPost)

	// Ad accounts
	opIdem("/ad-accounts", a.handleCreateAdAccount, http.MethodPost)
	op("/ad-accounts", a.handleListAdAccounts, http.MethodGet)
	op("/ad-accounts/{ad_account_id}", a.handleGetAdAccount, http.MethodGet)

	// Commands
	opIdem("/commands", a.handleSubmitCommand, http.MethodPost)
	op("/commands", a.handleListCommands, http.MethodGet)
	op("/commands/{command_id}", a.handleGetCommand, http.MethodGet)

	// Ad-set rules
	op("/ad-set-rules/preview", a.handlePreviewRule, http.MethodPost)
	op("/ad-set-rules/generate", a.handleGenerateRule, http.MethodPost)
	op("/ad-set-rules", a.handleListRules, http.MethodGet)
	opIdem("/ad-set-rules", a.handleCreateRule, http.MethodPost)
	op("/ad-set-rules/{rule_id}", a.handleGetRule, http.MethodGet)
	op("/ad-set-rules/{rule_id}", a.handleUpdateRule, http.MethodPut)
	op("/ad-set-rules/{rule_id}", a.handleDeleteRule, http.MethodDelete)
	opIdem("/ad-set-rules/{rule_id}/execute", a.handleExecuteRule, http.MethodPost)
	op("/ad-set-rules/{rule_id}/history", a.handleRuleHistory, http.MethodGet)
	op("/rules/operators", a.handleListOperators, http.MethodGet)

	// Automated rules
	op("/automated-rules", a.handleListAutomatedRules, http.MethodGet)
	op("/automated-rules/{rule_id}", a.handleGetAutomatedRule, http.MethodGet)
	admin("/automated-rules/{rule_id}", a.handlePatchAutomatedRule, http.MethodPatch)
	adminIdem("/automated-rules/{rule_id}/run", a.handleRunAutomatedRule, http.MethodPost)

	// Dashboard
	op("/api/dashboard", a.handleGetDashboard, http.MethodGet)
	adminIdem("/jobs/{job}/run", a.handleRunJob, http.MethodPost)
	r.Handle("/api/dashboard/stream", tokenFromQuery(authed(http.HandlerFunc(a.handleDashboardStream)))).Methods(http.MethodGet)

	var h http.Handler = r
	h = middleware.CORSMiddleware(a.cfg.Server.CORSOrigin)(h)
	h = middleware.Logging(h)
	h = middleware.RequestID(a.logger)(h)
	h = middleware.Recovery(h)
	return h
}

// principalScope namespaces idempotency keys by the calling operator.
func principalScope(r *http.Request) string {
	p, err := middleware.GetPrincipalFromContext(r.Context())
	if err != nil {
		return "anonymous"
	}
	return p.UserID
}

// tokenFromQuery lets browsers, which cannot set headers on a websocket
// handshake, pass the access token as ?token=.
func tokenFromQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if t := r.URL.Query().Get("token"); t != "" {
				r.Header.Set("Authorization", "Bearer "+t)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) principal(w http.ResponseWriter, r *http.Request) (middleware.Principal, bool) {
	p, err := middleware.GetPrincipalFromContext(r.Context())
	if err != nil {
		middleware.WriteError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return middleware.Principal{}, false
	}
	return p, true
}

func requester(p middleware.Principal) commands.Requester {
	return commands.Requester{UserID: p.UserID, Admin: p.IsAdmin()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into dst. Unknown fields are tolerated so agents
// and the console can evolve independently.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty: %w", store.ErrValidation)
		}
		return fmt.Errorf("invalid request body: %v: %w", err, store.ErrValidation)
	}
	return nil
}

// writeError maps a sentinel to its category. Anything unmapped is logged
// and reported as internal without detail.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, category := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, store.ErrValidation):
		status, category = http.StatusBadRequest, "validation"
	case errors.Is(err, store.ErrUnauthorized):
		status, category = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, store.ErrForbidden):
		status, category = http.StatusForbidden, "forbidden"
	case errors.Is(err, store.ErrNotFound):
		status, category = http.StatusNotFound, "not_found"
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrRunInProgress):
		status, category = http.StatusConflict, "conflict"
	case errors.Is(err, store.ErrAgentUnavailable), errors.Is(err, store.ErrAgentUnreachable),
		errors.Is(err, scheduler.ErrCircuitOpen),
		errors.Is(err, rulegen.ErrDisabled), errors.Is(err, rulegen.ErrUpstream):
		status, category = http.StatusServiceUnavailable, "unavailable"
	}

	if status == http.StatusInternalServerError {
		l := logging.FromContext(r.Context())
		l.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		middleware.WriteError(w, status, category, "internal server error")
		return
	}
	middleware.WriteError(w, status, category, err.Error())
}

// writeRateLimitError writes a 429 with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, route string) {
	observability.APIRateLimited.WithLabelValues(route).Inc()

	// 1s base + up to 1s jitter, rounded to whole seconds
	retryAfter := 1000 + rand.Intn(1000)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", (retryAfter+999)/1000))
	middleware.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}

// agentToken reads the bearer token an agent presents.
func agentToken(r *http.Request) (string, error) {
	t, err := auth.ExtractToken(r.Header.Get("Authorization"))
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, store.ErrUnauthorized)
	}
	return t, nil
}

// remoteIP is the peer address without the port.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		l := logging.FromContext(r.Context())
		l.Warn().Err(err).Msg("readiness check failed")
		middleware.WriteError(w, http.StatusServiceUnavailable, "unavailable", "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":          true,
		"scheduler_mode": a.scheduler.Mode(),
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
