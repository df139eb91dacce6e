// Package agentproxy is the HTTP boundary to agent processes, which proxy the
// Meta Ads API. Every call is bounded by a timeout, a per-agent token bucket
// and a per-agent circuit breaker. The client never retries.
package agentproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/config"
	"github.com/itskum47/adpilot/control_plane/observability"
	"github.com/itskum47/adpilot/control_plane/scheduler"
	"github.com/itskum47/adpilot/control_plane/store"
)

// Meta delivery statuses accepted by the status endpoints.
const (
	StatusActive = "ACTIVE"
	StatusPaused = "PAUSED"
)

// StatusError is a non-2xx agent response.
type StatusError struct {
	Op     string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("agent %s: HTTP %d", e.Op, e.Code)
	}
	return fmt.Sprintf("agent %s: HTTP %d: %s", e.Op, e.Code, e.Detail)
}

func (e *StatusError) Unwrap() error { return store.ErrAgentUnreachable }

// Campaign is one node of the hierarchical campaign listing.
type Campaign struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Status string  `json:"status"`
	AdSets []AdSet `json:"ad_sets"`
}

type AdSet struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	Ads    []Ad   `json:"ads"`
}

type Ad struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	EffectiveStatus string `json:"effective_status"`
}

// IsActive reports whether the ad is delivering.
func (a Ad) IsActive() bool {
	return a.Status == StatusActive || a.EffectiveStatus == StatusActive
}

// Client calls the agent proxy API.
type Client struct {
	httpClient     *http.Client
	defaultBaseURL string
	timeout        time.Duration
	limiter        *scheduler.TokenBucketLimiter
	breakers       *scheduler.BreakerSet
	logger         zerolog.Logger
}

// New builds a Client from the agent configuration.
func New(cfg config.Agent, logger zerolog.Logger) *Client {
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = 10 * time.Second
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = 5
	}
	return &Client{
		httpClient:     &http.Client{},
		defaultBaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout:        cfg.ProxyTimeout,
		limiter:        scheduler.NewTokenBucketLimiter(cfg.RateRPS, cfg.RateBurst),
		breakers:       scheduler.NewBreakerSet(cfg.BreakerThreshold, cfg.BreakerCooldown),
		logger:         logger.With().Str("component", "agentproxy").Logger(),
	}
}

// BreakerStates returns the agents whose circuit is not closed.
func (c *Client) BreakerStates() map[string]string {
	return c.breakers.States()
}

// Forget drops per-agent limiter state.
func (c *Client) Forget(agentID string) {
	c.limiter.Forget(agentID)
}

func (c *Client) baseURL(agent *store.Agent) string {
	if agent != nil && agent.BaseURL != "" {
		return strings.TrimRight(agent.BaseURL, "/")
	}
	return c.defaultBaseURL
}

// ListAdSets returns the ad sets of a campaign as raw JSON objects.
func (c *Client) ListAdSets(ctx context.Context, agent *store.Agent, campaignID string) ([]map[string]any, error) {
	var body struct {
		AdSets []map[string]any `json:"ad_sets"`
		Data   []map[string]any `json:"data"`
	}
	path := "/meta/campaigns/" + url.PathEscape(campaignID) + "/adsets"
	if err := c.do(ctx, agent, "list_adsets", http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	if body.AdSets != nil {
		return body.AdSets, nil
	}
	return body.Data, nil
}

// Hierarchy returns campaigns with nested ad sets and ads.
func (c *Client) Hierarchy(ctx context.Context, agent *store.Agent) ([]Campaign, error) {
	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Data    struct {
			Campaigns []Campaign `json:"campaigns"`
		} `json:"data"`
	}
	if err := c.do(ctx, agent, "hierarchy", http.MethodGet, "/meta/campaigns/hierarchical", nil, &body); err != nil {
		return nil, err
	}
	if body.Status != "success" {
		return nil, fmt.Errorf("agent hierarchy: status %q: %s: %w", body.Status, body.Message, store.ErrAgentUnreachable)
	}
	return body.Data.Campaigns, nil
}

// SetAdSetStatus sets an ad set to ACTIVE or PAUSED.
func (c *Client) SetAdSetStatus(ctx context.Context, agent *store.Agent, adSetID, status string) error {
	return c.setStatus(ctx, agent, "set_adset_status", "/meta/adsets/"+url.PathEscape(adSetID)+"/status", status)
}

// SetAdStatus sets an ad to ACTIVE or PAUSED.
func (c *Client) SetAdStatus(ctx context.Context, agent *store.Agent, adID, status string) error {
	return c.setStatus(ctx, agent, "set_ad_status", "/meta/ads/"+url.PathEscape(adID)+"/status", status)
}

func (c *Client) setStatus(ctx context.Context, agent *store.Agent, op, path, status string) error {
	var body struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, agent, op, http.MethodPut, path, map[string]string{"status": status}, &body); err != nil {
		return err
	}
	if body.Status != "" && body.Status != "success" {
		return fmt.Errorf("agent %s: status %q: %s", op, body.Status, body.Message)
	}
	return nil
}

func (c *Client) do(ctx context.Context, agent *store.Agent, op, method, path string, in, out any) (err error) {
	if agent == nil {
		return fmt.Errorf("agent %s: no agent: %w", op, store.ErrAgentUnavailable)
	}
	base := c.baseURL(agent)
	if base == "" {
		return fmt.Errorf("agent %s: no base url for %s: %w", op, agent.ID, store.ErrAgentUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx, agent.ID); err != nil {
		observability.AgentProxyRequests.WithLabelValues(op, "rate_limited").Inc()
		return fmt.Errorf("agent %s: rate limit: %v: %w", op, err, store.ErrAgentUnreachable)
	}

	cb := c.breakers.For(agent.ID)
	if !cb.Allow() {
		observability.AgentProxyRequests.WithLabelValues(op, "circuit_open").Inc()
		return fmt.Errorf("agent %s (%s): %w: %w", op, agent.ID, scheduler.ErrCircuitOpen, store.ErrAgentUnreachable)
	}

	start := time.Now()
	defer func() {
		observability.AgentProxyLatency.Observe(time.Since(start).Seconds())
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		observability.AgentProxyRequests.WithLabelValues(op, outcome).Inc()
	}()

	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			cb.RecordSuccess()
			return fmt.Errorf("agent %s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reqBody)
	if err != nil {
		cb.RecordSuccess()
		return fmt.Errorf("agent %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cb.RecordFailure()
		c.logger.Warn().Err(err).Str("agent_id", agent.ID).Str("op", op).Msg("agent request failed")
		return fmt.Errorf("agent %s: %v: %w", op, err, store.ErrAgentUnreachable)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		cb.RecordFailure()
		return fmt.Errorf("agent %s: read response: %v: %w", op, err, store.ErrAgentUnreachable)
	}

	if resp.StatusCode >= 500 {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Code: resp.StatusCode, Detail: errorDetail(raw)}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("agent %s: decode response: %v: %w", op, err, store.ErrAgentUnreachable)
	}
	return nil
}

// errorDetail extracts a message from an agent error body.
func errorDetail(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if s, ok := body.Error.(string); ok {
			return s
		}
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsUnreachable reports whether err means the agent could not be reached or
// answered with an error status.
func IsUnreachable(err error) bool {
	return errors.Is(err, store.ErrAgentUnreachable)
}
