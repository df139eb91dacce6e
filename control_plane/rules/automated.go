package rules

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/agentproxy"
	"github.com/itskum47/adpilot/control_plane/observability"
	"github.com/itskum47/adpilot/control_plane/store"
	"github.com/itskum47/adpilot/control_plane/streaming"
	"github.com/itskum47/adpilot/control_plane/timeline"
)

// Defaults of the seeded global-scan rule.
const (
	DefaultAutomatedRuleName       = "Pause Underperforming Ads"
	DefaultImpressionsThreshold    = 8000
	DefaultCostPerResultThreshold  = 30000 // minor units (300.00)
	DefaultTimeRangeMonths         = 37
	DefaultScheduleIntervalMinutes = 15
	ScopeAllActiveAds              = "all_active_ads"
	ActionPauseAd                  = "pause_ad"

	incompleteDataReason = "Incomplete metrics data"
)

// DefaultAutomatedRule returns the rule seeded at startup when no rule with
// its name exists.
func DefaultAutomatedRule() *store.AutomatedRule {
	now := time.Now().UTC()
	return &store.AutomatedRule{
		ID:          "automated_rule_" + uuid.NewString()[:8],
		Name:        DefaultAutomatedRuleName,
		Description: "Pause active ads with high lifetime impressions and a cost per result above the threshold",
		Enabled:     true,
		Scope:       ScopeAllActiveAds,
		Action:      ActionPauseAd,
		Conditions: store.AutomatedConditions{
			LifetimeImpressionsThreshold: DefaultImpressionsThreshold,
			CostPerResultThreshold:       DefaultCostPerResultThreshold,
			TimeRangeMonths:              DefaultTimeRangeMonths,
		},
		ScheduleIntervalMinutes: DefaultScheduleIntervalMinutes,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
}

// Due reports whether rule may run at now: it must be enabled and its
// interval must have elapsed since the last run.
func Due(rule *store.AutomatedRule, now time.Time) bool {
	if !rule.Enabled {
		return false
	}
	if rule.LastRunAt == nil {
		return true
	}
	interval := time.Duration(rule.ScheduleIntervalMinutes) * time.Minute
	return now.Sub(*rule.LastRunAt) >= interval
}

// Decision is the outcome of EvaluateAd.
type Decision struct {
	ShouldPause bool
	Reason      string
	Metrics     store.AdMetrics
}

func withDefaults(c store.AutomatedConditions) store.AutomatedConditions {
	if c.LifetimeImpressionsThreshold <= 0 {
		c.LifetimeImpressionsThreshold = DefaultImpressionsThreshold
	}
	if c.CostPerResultThreshold <= 0 {
		c.CostPerResultThreshold = DefaultCostPerResultThreshold
	}
	if c.TimeRangeMonths <= 0 {
		c.TimeRangeMonths = DefaultTimeRangeMonths
	}
	return c
}

// EvaluateAd decides whether an ad with metrics m breaches cond. Ads
// without complete data are never paused. Both comparisons are strict.
func EvaluateAd(cond store.AutomatedConditions, m store.AdMetrics) Decision {
	cond = withDefaults(cond)
	if !m.HasCompleteData {
		return Decision{Reason: incompleteDataReason, Metrics: m}
	}

	costThreshold := float64(cond.CostPerResultThreshold) / 100
	if m.LifetimeImpressions > cond.LifetimeImpressionsThreshold && m.CostPerResult > costThreshold {
		return Decision{
			ShouldPause: true,
			Metrics:     m,
			Reason: fmt.Sprintf("Lifetime impressions (%d) > %d AND Cost per result (%.2f EUR) > %s EUR",
				m.LifetimeImpressions, cond.LifetimeImpressionsThreshold, m.CostPerResult,
				strconv.FormatFloat(costThreshold, 'f', -1, 64)),
		}
	}
	return Decision{Metrics: m}
}

// AutomatedStore is the persistence the engine needs.
type AutomatedStore interface {
	ListActiveAdAccounts(ctx context.Context) ([]*store.AdAccount, error)
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	RecordAutomatedRun(ctx context.Context, id string, at time.Time, summary *store.ExecutionSummary) error
}

// AdProxy is the part of the agent proxy the engine needs.
type AdProxy interface {
	Hierarchy(ctx context.Context, agent *store.Agent) ([]agentproxy.Campaign, error)
	SetAdStatus(ctx context.Context, agent *store.Agent, adID, status string) error
}

// MetricsSource returns windowed lifetime metrics for an ad.
type MetricsSource interface {
	Lifetime(ctx context.Context, accountID, metaAdID string, months int) (store.AdMetrics, error)
}

// Candidate is an active ad together with the account and agent serving it.
type Candidate struct {
	Ad      agentproxy.Ad
	Account *store.AdAccount
	Agent   *store.Agent
}

// Engine runs global-scan automated rules.
type Engine struct {
	store    AutomatedStore
	proxy    AdProxy
	metrics  MetricsSource
	events   streaming.Publisher
	timeline *timeline.Store
	logger   zerolog.Logger
	now      func() time.Time
}

func NewEngine(s AutomatedStore, proxy AdProxy, metrics MetricsSource, events streaming.Publisher, tl *timeline.Store, logger zerolog.Logger) *Engine {
	return &Engine{
		store:    s,
		proxy:    proxy,
		metrics:  metrics,
		events:   events,
		timeline: tl,
		logger:   logger.With().Str("component", "automated_rules").Logger(),
		now:      time.Now,
	}
}

// Candidates walks every active account with an ONLINE agent through its
// campaign hierarchy and returns the active ads. Accounts whose agent call
// fails are skipped.
func (e *Engine) Candidates(ctx context.Context) ([]Candidate, error) {
	accounts, err := e.store.ListActiveAdAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active ad accounts: %w", err)
	}

	agents := make(map[string]*store.Agent)
	var out []Candidate
	for _, acc := range accounts {
		if acc.AgentID == "" {
			continue
		}
		agent, seen := agents[acc.AgentID]
		if !seen {
			agent, err = e.store.GetAgent(ctx, acc.AgentID)
			if err != nil {
				e.logger.Warn().Err(err).Str("ad_account_id", acc.ID).Msg("agent lookup failed")
				agent = nil
			}
			agents[acc.AgentID] = agent
		}
		if !agent.IsOnline() {
			continue
		}

		campaigns, err := e.proxy.Hierarchy(ctx, agent)
		if err != nil {
			e.logger.Warn().Err(err).Str("ad_account_id", acc.ID).Str("agent_id", agent.ID).Msg("skipping ad account: hierarchy fetch failed")
			continue
		}
		for _, c := range campaigns {
			for _, as := range c.AdSets {
				for _, ad := range as.Ads {
					if ad.IsActive() {
						out = append(out, Candidate{Ad: ad, Account: acc, Agent: agent})
					}
				}
			}
		}
	}
	return out, nil
}

// Run scans every active ad and pauses those breaching rule's conditions.
// The summary and last_run_at are persisted even when the scan fails.
// Callers check Due and hold the rule's RunGuard.
func (e *Engine) Run(ctx context.Context, rule *store.AutomatedRule, trigger string) *store.ExecutionSummary {
	start := time.Now()
	runID := uuid.NewString()
	summary := &store.ExecutionSummary{PausedAds: make([]store.PausedAd, 0)}
	cond := withDefaults(rule.Conditions)
	e.record(rule.ID, runID, trigger, timeline.StageStarted, nil)

	e.logger.Info().Str("rule_id", rule.ID).Str("rule", rule.Name).Msg("automated rule started")

	candidates, err := e.Candidates(ctx)
	if err != nil {
		summary.Errors++
		e.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("automated rule failed")
	}
	summary.Checked = len(candidates)

	for _, c := range candidates {
		if ctx.Err() != nil {
			summary.Errors++
			e.logger.Warn().Err(ctx.Err()).Str("rule_id", rule.ID).Msg("automated rule interrupted")
			break
		}
		outcome := e.evaluate(ctx, cond, c, summary)
		observability.AutomatedScanAds.WithLabelValues(outcome).Inc()
	}

	summary.ExecutionTimeMS = time.Since(start).Milliseconds()
	at := e.now().UTC()
	// The run may have been cancelled; the summary is still written.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.store.RecordAutomatedRun(persistCtx, rule.ID, at, summary); err != nil {
		e.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("failed to record automated run")
	}

	stage := timeline.StageFinished
	if summary.Errors > 0 {
		stage = timeline.StageFailed
	}
	e.record(rule.ID, runID, trigger, stage, map[string]string{
		"checked":   strconv.Itoa(summary.Checked),
		"paused":    strconv.Itoa(summary.Paused),
		"unchanged": strconv.Itoa(summary.Unchanged),
		"errors":    strconv.Itoa(summary.Errors),
	})
	if e.events != nil {
		payload := struct {
			RuleID string `json:"rule_id"`
			*store.ExecutionSummary
		}{rule.ID, summary}
		if err := e.events.Publish(persistCtx, streaming.TopicAutomatedCompleted, payload); err != nil {
			e.logger.Warn().Err(err).Msg("failed to publish automated rule event")
		}
	}

	e.logger.Info().
		Str("rule_id", rule.ID).
		Int("checked", summary.Checked).
		Int("paused", summary.Paused).
		Int("unchanged", summary.Unchanged).
		Int("errors", summary.Errors).
		Int64("execution_time_ms", summary.ExecutionTimeMS).
		Msg("automated rule completed")
	return summary
}

// evaluate handles one ad. A panic is contained and counted as an error.
func (e *Engine) evaluate(ctx context.Context, cond store.AutomatedConditions, c Candidate, summary *store.ExecutionSummary) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			summary.Errors++
			outcome = "error"
			e.logger.Error().Interface("panic", r).Str("ad_id", c.Ad.ID).Msg("ad evaluation panicked")
		}
	}()

	m, err := e.metrics.Lifetime(ctx, c.Account.ID, c.Ad.ID, cond.TimeRangeMonths)
	if err != nil {
		summary.Errors++
		e.logger.Warn().Err(err).Str("ad_id", c.Ad.ID).Msg("metrics aggregation failed")
		return "error"
	}

	d := EvaluateAd(cond, m)
	if !d.ShouldPause {
		summary.Unchanged++
		return "unchanged"
	}

	if err := e.proxy.SetAdStatus(ctx, c.Agent, c.Ad.ID, agentproxy.StatusPaused); err != nil {
		summary.Errors++
		e.logger.Warn().Err(err).Str("ad_id", c.Ad.ID).Str("agent_id", c.Agent.ID).Msg("failed to pause ad")
		return "error"
	}

	name := c.Ad.Name
	if name == "" {
		name = c.Ad.ID
	}
	summary.Paused++
	summary.PausedAds = append(summary.PausedAds, store.PausedAd{
		AdID:    c.Ad.ID,
		AdName:  name,
		Reason:  d.Reason,
		Metrics: d.Metrics,
	})
	e.logger.Info().
		Str("ad_id", c.Ad.ID).
		Int64("impressions", m.LifetimeImpressions).
		Float64("cost_per_result", m.CostPerResult).
		Str("reason", d.Reason).
		Msg("ad paused")
	return "paused"
}

func (e *Engine) record(ruleID, runID, trigger, stage string, meta map[string]string) {
	if e.timeline == nil {
		return
	}
	e.timeline.Record(timeline.RunEvent{
		RunID:    runID,
		RuleID:   ruleID,
		Kind:     timeline.KindAutomatedRule,
		Trigger:  trigger,
		Stage:    stage,
		Metadata: meta,
	})
}
