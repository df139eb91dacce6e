package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/agentproxy"
	"github.com/itskum47/adpilot/control_plane/observability"
	"github.com/itskum47/adpilot/control_plane/store"
	"github.com/itskum47/adpilot/control_plane/streaming"
	"github.com/itskum47/adpilot/control_plane/timeline"
)

// Triggers.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
)

// AdSetProxy is the part of the agent proxy the executor needs.
type AdSetProxy interface {
	ListAdSets(ctx context.Context, agent *store.Agent, campaignID string) ([]map[string]any, error)
	SetAdSetStatus(ctx context.Context, agent *store.Agent, adSetID, status string) error
}

// ExecutorStore is the persistence the executor needs.
type ExecutorStore interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	RecordRuleRun(ctx context.Context, id string, stats store.RuleRunStats) error
}

// ActionResult is the outcome of applying the rule action to one ad set.
type ActionResult struct {
	AdSetID   string `json:"ad_set_id"`
	AdSetName string `json:"ad_set_name"`
	Action    string `json:"action"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// ExecutionReport is returned by Execute.
type ExecutionReport struct {
	RuleID       string         `json:"rule_id"`
	RuleName     string         `json:"rule_name"`
	MatchedCount int            `json:"matched_count"`
	TotalCount   int            `json:"total_count"`
	Results      []ActionResult `json:"results"`
}

// PreviewReport is returned by Preview.
type PreviewReport struct {
	TotalAdSets    int              `json:"total_ad_sets"`
	MatchingAdSets int              `json:"matching_ad_sets"`
	MatchedAdSets  []map[string]any `json:"matched_ad_sets"`
}

// persistTimeout bounds the writes that follow a run. They are detached
// from the run's context so a cancelled caller still gets its statistics.
const persistTimeout = 10 * time.Second

// Executor runs per-campaign ad-set rules against an agent.
type Executor struct {
	store    ExecutorStore
	proxy    AdSetProxy
	events   streaming.Publisher
	timeline *timeline.Store
	logger   zerolog.Logger
	now      func() time.Time
}

func NewExecutor(s ExecutorStore, proxy AdSetProxy, events streaming.Publisher, tl *timeline.Store, logger zerolog.Logger) *Executor {
	return &Executor{
		store:    s,
		proxy:    proxy,
		events:   events,
		timeline: tl,
		logger:   logger.With().Str("component", "rule_executor").Logger(),
		now:      time.Now,
	}
}

// onlineAgent loads the agent and requires it to be ONLINE.
func (e *Executor) onlineAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.IsOnline() {
		return nil, fmt.Errorf("agent %s is %s: %w", agentID, agent.Status, store.ErrAgentUnavailable)
	}
	return agent, nil
}

// Execute evaluates rule against the ad sets of its campaign and applies its
// action to every match. Callers hold the rule's RunGuard.
//
// A failure to list ad sets aborts the run without touching the rule's
// statistics. Once the list is fetched, statistics are always recorded and
// per-ad-set failures are reported in the results.
func (e *Executor) Execute(ctx context.Context, rule *store.AdSetRule, trigger string) (*ExecutionReport, error) {
	if !rule.IsActive {
		return nil, fmt.Errorf("rule %s is inactive: %w", rule.ID, store.ErrValidation)
	}
	agent, err := e.onlineAgent(ctx, rule.AgentID)
	if err != nil {
		e.observe(trigger, "unavailable", time.Now())
		return nil, err
	}

	runID := uuid.NewString()
	start := time.Now()
	e.record(rule.ID, runID, trigger, timeline.StageStarted, nil)

	adSets, err := e.proxy.ListAdSets(ctx, agent, rule.CampaignID)
	if err != nil {
		e.record(rule.ID, runID, trigger, timeline.StageFailed, map[string]string{"error": err.Error()})
		e.observe(trigger, "unreachable", start)
		return nil, fmt.Errorf("fetch ad sets for campaign %s: %w", rule.CampaignID, err)
	}

	status := agentproxy.StatusActive
	if rule.Action.Type == store.ActionPause {
		status = agentproxy.StatusPaused
	}

	report := &ExecutionReport{
		RuleID:     rule.ID,
		RuleName:   rule.RuleName,
		TotalCount: len(adSets),
		Results:    make([]ActionResult, 0),
	}
	for _, raw := range adSets {
		adSet := Entity(raw)
		if !Matches(adSet, rule.FilterConfig) {
			continue
		}
		report.MatchedCount++

		res := ActionResult{
			AdSetID:   stringAttr(adSet, "id"),
			AdSetName: stringAttr(adSet, "name"),
			Action:    rule.Action.Type,
			Success:   true,
		}
		if err := e.proxy.SetAdSetStatus(ctx, agent, res.AdSetID, status); err != nil {
			res.Success = false
			res.Error = err.Error()
			e.logger.Warn().Err(err).Str("rule_id", rule.ID).Str("ad_set_id", res.AdSetID).Msg("ad set status update failed")
		}
		report.Results = append(report.Results, res)
	}

	stats := store.RuleRunStats{
		ExecutedAt:   e.now().UTC(),
		MatchedCount: report.MatchedCount,
		LastAction:   fmt.Sprintf("%s %d ad set(s)", rule.Action.Type, report.MatchedCount),
	}
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.store.RecordRuleRun(persistCtx, rule.ID, stats); err != nil {
		return report, fmt.Errorf("record run of rule %s: %w", rule.ID, err)
	}

	e.record(rule.ID, runID, trigger, timeline.StageFinished, map[string]string{
		"matched_count": fmt.Sprint(report.MatchedCount),
		"total_count":   fmt.Sprint(report.TotalCount),
		"failed":        fmt.Sprint(failedCount(report.Results)),
	})
	e.observe(trigger, "success", start)
	e.publish(persistCtx, report, trigger)

	e.logger.Info().
		Str("rule_id", rule.ID).
		Str("trigger", trigger).
		Int("matched", report.MatchedCount).
		Int("total", report.TotalCount).
		Msg("rule executed")
	return report, nil
}

// Preview evaluates expr against a campaign's ad sets without side effects.
func (e *Executor) Preview(ctx context.Context, agentID, campaignID string, expr store.FilterConfig) (*PreviewReport, error) {
	agent, err := e.onlineAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	adSets, err := e.proxy.ListAdSets(ctx, agent, campaignID)
	if err != nil {
		return nil, fmt.Errorf("fetch ad sets for campaign %s: %w", campaignID, err)
	}

	out := &PreviewReport{TotalAdSets: len(adSets), MatchedAdSets: make([]map[string]any, 0)}
	for _, raw := range adSets {
		if Matches(Entity(raw), expr) {
			out.MatchedAdSets = append(out.MatchedAdSets, raw)
		}
	}
	out.MatchingAdSets = len(out.MatchedAdSets)
	return out, nil
}

func (e *Executor) record(ruleID, runID, trigger, stage string, meta map[string]string) {
	if e.timeline == nil {
		return
	}
	e.timeline.Record(timeline.RunEvent{
		RunID:    runID,
		RuleID:   ruleID,
		Kind:     timeline.KindAdSetRule,
		Trigger:  trigger,
		Stage:    stage,
		Metadata: meta,
	})
}

func (e *Executor) observe(trigger, outcome string, start time.Time) {
	observability.RuleExecutions.WithLabelValues(trigger, outcome).Inc()
	observability.RuleExecutionDuration.Observe(time.Since(start).Seconds())
}

func (e *Executor) publish(ctx context.Context, report *ExecutionReport, trigger string) {
	if e.events == nil {
		return
	}
	payload := struct {
		*ExecutionReport
		Trigger string `json:"trigger"`
	}{report, trigger}
	if err := e.events.Publish(ctx, streaming.TopicRuleExecuted, payload); err != nil {
		e.logger.Warn().Err(err).Str("rule_id", report.RuleID).Msg("failed to publish rule event")
	}
}

func stringAttr(e Entity, key string) string {
	v := FromAny(e[key])
	if v.IsNull() {
		return ""
	}
	return v.String()
}

func failedCount(results []ActionResult) int {
	n := 0
	for _, r := range results {
		if !r.Success {
			n++
		}
	}
	return n
}
