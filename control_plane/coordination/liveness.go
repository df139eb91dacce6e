package coordination

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/auth"
	"github.com/itskum47/adpilot/control_plane/observability"
	"github.com/itskum47/adpilot/control_plane/store"
	"github.com/itskum47/adpilot/control_plane/streaming"
)

// LivenessTracker is the only component that moves agents between ONLINE
// and OFFLINE. Heartbeats promote, Sweep demotes.
type LivenessTracker struct {
	store      store.LivenessStore
	staleAfter time.Duration
	events     streaming.Publisher
	logger     zerolog.Logger
	now        func() time.Time
}

func NewLivenessTracker(s store.LivenessStore, staleAfter time.Duration, events streaming.Publisher, logger zerolog.Logger) *LivenessTracker {
	if staleAfter <= 0 {
		staleAfter = 2 * time.Minute
	}
	return &LivenessTracker{
		store:      s,
		staleAfter: staleAfter,
		events:     events,
		logger:     logger.With().Str("component", "liveness").Logger(),
		now:        time.Now,
	}
}

// Authenticate loads the agent and checks its bearer token.
func (t *LivenessTracker) Authenticate(ctx context.Context, agentID, token string) (*store.Agent, error) {
	agent, err := t.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.TokenHash == "" {
		return nil, fmt.Errorf("agent %s not provisioned: %w", agentID, store.ErrUnauthorized)
	}
	if !auth.VerifyAgentToken(agent.TokenHash, token) {
		return nil, fmt.Errorf("agent %s: invalid token: %w", agentID, store.ErrUnauthorized)
	}
	return agent, nil
}

// IPAllowed reports whether remoteIP matches the agent's allowlist. Entries
// are addresses or CIDR prefixes; an empty list allows any address.
func IPAllowed(allowed []string, remoteIP string) bool {
	if len(allowed) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(remoteIP))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			if p, err := netip.ParsePrefix(entry); err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil && a.Unmap() == addr {
			return true
		}
	}
	return false
}

// Heartbeat authenticates the agent, checks its IP allowlist and marks it
// ONLINE.
func (t *LivenessTracker) Heartbeat(ctx context.Context, agentID, token, remoteIP string) (*store.Agent, error) {
	agent, err := t.Authenticate(ctx, agentID, token)
	if err != nil {
		result := "unauthorized"
		if errors.Is(err, store.ErrNotFound) {
			result = "unknown"
		}
		observability.Heartbeats.WithLabelValues(result).Inc()
		return nil, err
	}
	if !IPAllowed(agent.AllowedIPs, remoteIP) {
		observability.Heartbeats.WithLabelValues("forbidden").Inc()
		return nil, fmt.Errorf("agent %s: address %s not allowed: %w", agentID, remoteIP, store.ErrForbidden)
	}

	at := t.now().UTC()
	if err := t.store.MarkAgentOnline(ctx, agentID, at); err != nil {
		return nil, fmt.Errorf("mark agent %s online: %w", agentID, err)
	}
	observability.Heartbeats.WithLabelValues("accepted").Inc()

	if !agent.IsOnline() {
		t.logger.Info().Str("agent_id", agentID).Msg("agent online")
		t.publish(ctx, streaming.TopicAgentOnline, agentID, at)
	}
	agent.Status = store.AgentOnline
	agent.LastHeartbeatAt = &at
	return agent, nil
}

// Sweep demotes every ONLINE agent without a heartbeat in the staleness
// window and returns how many were demoted.
func (t *LivenessTracker) Sweep(ctx context.Context) (int, error) {
	now := t.now().UTC()
	demoted, err := t.store.MarkStaleAgentsOffline(ctx, now.Add(-t.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("demote stale agents: %w", err)
	}
	for _, id := range demoted {
		t.logger.Warn().Str("agent_id", id).Dur("stale_after", t.staleAfter).Msg("agent heartbeat expired, marked OFFLINE")
		t.publish(ctx, streaming.TopicAgentOffline, id, now)
	}
	observability.AgentsDemoted.Add(float64(len(demoted)))

	if agents, err := t.store.ListAgents(ctx, ""); err == nil {
		online := 0
		for _, a := range agents {
			if a.IsOnline() {
				online++
			}
		}
		observability.ConnectedAgents.Set(float64(online))
	}
	return len(demoted), nil
}

func (t *LivenessTracker) publish(ctx context.Context, topic, agentID string, at time.Time) {
	if t.events == nil {
		return
	}
	payload := map[string]any{"agent_id": agentID, "at": at}
	if err := t.events.Publish(ctx, topic, payload); err != nil {
		t.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish agent event")
	}
}
