package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/store"
	"github.com/itskum47/adpilot/control_plane/timeline"
)

type fakeAdSetProxy struct {
	mu       sync.Mutex
	adSets   []map[string]any
	listErr  error
	failIDs  map[string]bool
	statuses map[string]string
}

func (f *fakeAdSetProxy) ListAdSets(ctx context.Context, agent *store.Agent, campaignID string) ([]map[string]any, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.adSets, nil
}

func (f *fakeAdSetProxy) SetAdSetStatus(ctx context.Context, agent *store.Agent, adSetID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[adSetID] {
		return errors.New("meta rejected update")
	}
	if f.statuses == nil {
		f.statuses = make(map[string]string)
	}
	f.statuses[adSetID] = status
	return nil
}

func setupExecutor(t *testing.T, online bool, proxy *fakeAdSetProxy) (*Executor, *store.MemoryStore, *store.AdSetRule) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := s.CreateAgent(ctx, &store.Agent{ID: "agent-1", UserID: "user_1", Name: "a"}); err != nil {
		t.Fatal(err)
	}
	if online {
		s.MarkAgentOnline(ctx, "agent-1", time.Now())
	}

	rule := &store.AdSetRule{
		ID:            "rule_1",
		UserID:        "user_1",
		AgentID:       "agent-1",
		CampaignID:    "c1",
		RuleName:      "Pause big budgets",
		IsActive:      true,
		ExecutionMode: store.ModeManual,
		FilterConfig:  store.FilterConfig{Conditions: []store.Condition{cond("daily_budget", OpGreaterThan, 8000)}},
		Action:        store.RuleAction{Type: store.ActionPause},
	}
	if err := s.CreateAdSetRule(ctx, rule); err != nil {
		t.Fatal(err)
	}
	return NewExecutor(s, proxy, nil, timeline.NewStore(10), zerolog.Nop()), s, rule
}

func TestExecutePausesMatches(t *testing.T) {
	proxy := &fakeAdSetProxy{
		adSets: []map[string]any{
			{"id": "as1", "name": "Small", "daily_budget": "8000"},
			{"id": "as2", "name": "Big", "daily_budget": "10000"},
			{"id": "as3", "name": "Bigger", "daily_budget": 10001},
		},
		failIDs: map[string]bool{"as3": true},
	}
	exec, s, rule := setupExecutor(t, true, proxy)

	report, err := exec.Execute(context.Background(), rule, TriggerManual)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.MatchedCount != 2 || report.TotalCount != 3 || len(report.Results) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if !report.Results[0].Success || report.Results[1].Success || report.Results[1].Error == "" {
		t.Fatalf("per-item results wrong: %+v", report.Results)
	}
	if proxy.statuses["as2"] != "PAUSED" {
		t.Fatalf("as2 not paused: %v", proxy.statuses)
	}

	stored, _ := s.GetAdSetRule(context.Background(), rule.ID)
	if stored.ExecutionCount != 1 || stored.LastMatchedCount != 2 || stored.LastAction != "PAUSE 2 ad set(s)" || stored.LastExecutedAt == nil {
		t.Fatalf("stats not recorded: %+v", stored)
	}

	history := exec.timeline.GetEvents(rule.ID, 0)
	if len(history) != 2 || history[0].Stage != timeline.StageFinished {
		t.Fatalf("unexpected history: %+v", history)
	}
}

// ctxStore fails writes whose context is already done, as a database
// driver would.
type ctxStore struct {
	*store.MemoryStore
}

func (c ctxStore) RecordRuleRun(ctx context.Context, id string, stats store.RuleRunStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MemoryStore.RecordRuleRun(ctx, id, stats)
}

// cancellingProxy cancels the run's context once the first update lands.
type cancellingProxy struct {
	fakeAdSetProxy
	cancel context.CancelFunc
}

func (c *cancellingProxy) SetAdSetStatus(ctx context.Context, agent *store.Agent, adSetID, status string) error {
	err := c.fakeAdSetProxy.SetAdSetStatus(ctx, agent, adSetID, status)
	c.cancel()
	return err
}

func TestExecuteRecordsStatsAfterCallerCancels(t *testing.T) {
	_, s, rule := setupExecutor(t, true, &fakeAdSetProxy{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proxy := &cancellingProxy{
		fakeAdSetProxy: fakeAdSetProxy{adSets: []map[string]any{
			{"id": "as1", "name": "Big", "daily_budget": 9000},
			{"id": "as2", "name": "Bigger", "daily_budget": 12000},
		}},
		cancel: cancel,
	}
	exec := NewExecutor(ctxStore{s}, proxy, nil, timeline.NewStore(10), zerolog.Nop())

	report, err := exec.Execute(ctx, rule, TriggerManual)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("caller context should be cancelled by now")
	}
	if report.MatchedCount != 2 {
		t.Fatalf("matched = %d, want 2", report.MatchedCount)
	}
	stored, _ := s.GetAdSetRule(context.Background(), rule.ID)
	if stored.ExecutionCount != 1 || stored.LastMatchedCount != 2 || stored.LastExecutedAt == nil {
		t.Fatalf("stats lost after cancel: %+v", stored)
	}
}

func TestExecuteAgentOffline(t *testing.T) {
	exec, _, rule := setupExecutor(t, false, &fakeAdSetProxy{})
	if _, err := exec.Execute(context.Background(), rule, TriggerManual); !errors.Is(err, store.ErrAgentUnavailable) {
		t.Fatalf("expected ErrAgentUnavailable, got %v", err)
	}
}

func TestExecuteInactiveRule(t *testing.T) {
	exec, _, rule := setupExecutor(t, true, &fakeAdSetProxy{})
	rule.IsActive = false
	if _, err := exec.Execute(context.Background(), rule, TriggerManual); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestExecuteFetchFailureLeavesStats(t *testing.T) {
	proxy := &fakeAdSetProxy{listErr: store.ErrAgentUnreachable}
	exec, s, rule := setupExecutor(t, true, proxy)

	if _, err := exec.Execute(context.Background(), rule, TriggerScheduled); !errors.Is(err, store.ErrAgentUnreachable) {
		t.Fatalf("expected ErrAgentUnreachable, got %v", err)
	}
	stored, _ := s.GetAdSetRule(context.Background(), rule.ID)
	if stored.ExecutionCount != 0 || stored.LastExecutedAt != nil {
		t.Fatalf("stats changed on fetch failure: %+v", stored)
	}
}

func TestExecuteNoMatchesStillRecords(t *testing.T) {
	proxy := &fakeAdSetProxy{adSets: []map[string]any{{"id": "as1", "daily_budget": 10}}}
	exec, s, rule := setupExecutor(t, true, proxy)

	report, err := exec.Execute(context.Background(), rule, TriggerScheduled)
	if err != nil || report.MatchedCount != 0 {
		t.Fatalf("unexpected: %+v %v", report, err)
	}
	stored, _ := s.GetAdSetRule(context.Background(), rule.ID)
	if stored.ExecutionCount != 1 || stored.LastAction != "PAUSE 0 ad set(s)" {
		t.Fatalf("stats not recorded: %+v", stored)
	}
}

func TestPreviewHasNoSideEffects(t *testing.T) {
	proxy := &fakeAdSetProxy{adSets: []map[string]any{
		{"id": "as1", "status": "ACTIVE"},
		{"id": "as2", "status": "PAUSED"},
	}}
	exec, s, rule := setupExecutor(t, true, proxy)

	expr := store.FilterConfig{Conditions: []store.Condition{cond("status", OpEquals, "ACTIVE")}}
	p, err := exec.Preview(context.Background(), "agent-1", "c1", expr)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if p.TotalAdSets != 2 || p.MatchingAdSets != 1 || p.MatchedAdSets[0]["id"] != "as1" {
		t.Fatalf("unexpected preview: %+v", p)
	}
	if len(proxy.statuses) != 0 {
		t.Fatal("preview changed ad set status")
	}
	stored, _ := s.GetAdSetRule(context.Background(), rule.ID)
	if stored.ExecutionCount != 0 {
		t.Fatal("preview recorded a run")
	}
}
