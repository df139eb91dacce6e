package rules

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/agentproxy"
	"github.com/itskum47/adpilot/control_plane/rollup"
	"github.com/itskum47/adpilot/control_plane/store"
)

func defaultConditions() store.AutomatedConditions {
	return DefaultAutomatedRule().Conditions
}

func TestEvaluateAdScenarios(t *testing.T) {
	cond := defaultConditions()

	cases := []struct {
		name  string
		m     store.MetricCounters
		pause bool
	}{
		{"breaching ad pauses", store.MetricCounters{Impressions: 9000, SpendMinor: 3_500_000, Conversions: 100}, true},
		{"low impressions", store.MetricCounters{Impressions: 7000, SpendMinor: 3_500_000, Conversions: 100}, false},
		{"impressions at threshold", store.MetricCounters{Impressions: 8000, SpendMinor: 3_500_000, Conversions: 100}, false},
		{"cost at threshold", store.MetricCounters{Impressions: 9000, SpendMinor: 3_000_000, Conversions: 100}, false},
		{"no conversions", store.MetricCounters{Impressions: 9000, SpendMinor: 3_500_000}, false},
		{"no data", store.MetricCounters{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := EvaluateAd(cond, rollup.Summarize(tc.m))
			if d.ShouldPause != tc.pause {
				t.Fatalf("got pause=%v, want %v (%+v)", d.ShouldPause, tc.pause, d)
			}
		})
	}
}

func TestEvaluateAdReason(t *testing.T) {
	d := EvaluateAd(defaultConditions(), rollup.Summarize(store.MetricCounters{Impressions: 9000, SpendMinor: 3_500_000, Conversions: 100}))
	want := "Lifetime impressions (9000) > 8000 AND Cost per result (350.00 EUR) > 300 EUR"
	if d.Reason != want {
		t.Fatalf("reason = %q, want %q", d.Reason, want)
	}

	incomplete := EvaluateAd(defaultConditions(), store.AdMetrics{LifetimeImpressions: 1_000_000, CostPerResult: 1000})
	if incomplete.ShouldPause || incomplete.Reason != incompleteDataReason {
		t.Fatalf("incomplete data must never pause: %+v", incomplete)
	}
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := DefaultAutomatedRule()
	if !Due(r, now) {
		t.Fatal("never-run rule should be due")
	}
	last := now.Add(-14 * time.Minute)
	r.LastRunAt = &last
	if Due(r, now) {
		t.Fatal("rule ran 14 minutes ago and should not be due")
	}
	last = now.Add(-15 * time.Minute)
	if !Due(r, now) {
		t.Fatal("rule should be due after its interval")
	}
	r.Enabled = false
	if Due(r, now) {
		t.Fatal("disabled rule should never be due")
	}
}

type fakeAdProxy struct {
	campaigns map[string][]agentproxy.Campaign // by agent id
	failAgent string
	failPause map[string]bool
	paused    []string
}

func (f *fakeAdProxy) Hierarchy(ctx context.Context, agent *store.Agent) ([]agentproxy.Campaign, error) {
	if agent.ID == f.failAgent {
		return nil, errors.New("agent down")
	}
	return f.campaigns[agent.ID], nil
}

func (f *fakeAdProxy) SetAdStatus(ctx context.Context, agent *store.Agent, adID, status string) error {
	if f.failPause[adID] {
		return errors.New("meta error")
	}
	f.paused = append(f.paused, adID)
	return nil
}

type panickyMetrics struct {
	inner   MetricsSource
	panicOn string
}

func (p panickyMetrics) Lifetime(ctx context.Context, accountID, metaAdID string, months int) (store.AdMetrics, error) {
	if metaAdID == p.panicOn {
		panic("corrupt metrics row")
	}
	return p.inner.Lifetime(ctx, accountID, metaAdID, months)
}

func seedAd(t *testing.T, s *store.MemoryStore, accountID, metaID string, c store.MetricCounters) {
	t.Helper()
	ctx := context.Background()
	ent, err := s.EnsureEntity(ctx, &store.Entity{ID: "ad_" + metaID, Kind: store.EntityAd, UserID: "user_1", AdAccountID: accountID, MetaID: metaID})
	if err != nil {
		t.Fatal(err)
	}
	err = s.InsertSnapshot(ctx, &store.MetricSnapshot{
		ID: "ms_" + accountID + "_" + metaID, UserID: "user_1", AdAccountID: accountID,
		AdID: ent.ID, TS: time.Now().Add(-24 * time.Hour), MetricCounters: c,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestEngineRun(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	for _, id := range []string{"agent-on", "agent-off", "agent-broken"} {
		s.CreateAgent(ctx, &store.Agent{ID: id, UserID: "user_1"})
	}
	s.MarkAgentOnline(ctx, "agent-on", time.Now())
	s.MarkAgentOnline(ctx, "agent-broken", time.Now())

	s.CreateAdAccount(ctx, &store.AdAccount{ID: "acc_on", UserID: "user_1", AgentID: "agent-on", IsActive: true})
	s.CreateAdAccount(ctx, &store.AdAccount{ID: "acc_off", UserID: "user_1", AgentID: "agent-off", IsActive: true})
	s.CreateAdAccount(ctx, &store.AdAccount{ID: "acc_broken", UserID: "user_1", AgentID: "agent-broken", IsActive: true})
	s.CreateAdAccount(ctx, &store.AdAccount{ID: "acc_none", UserID: "user_1", IsActive: true})

	seedAd(t, s, "acc_on", "1", store.MetricCounters{Impressions: 9000, SpendMinor: 3_500_000, Conversions: 100})
	seedAd(t, s, "acc_on", "2", store.MetricCounters{Impressions: 7000, SpendMinor: 3_500_000, Conversions: 100})
	seedAd(t, s, "acc_on", "4", store.MetricCounters{Impressions: 9000, SpendMinor: 3_500_000, Conversions: 100})
	seedAd(t, s, "acc_on", "5", store.MetricCounters{Impressions: 9000, SpendMinor: 3_500_000, Conversions: 100})

	proxy := &fakeAdProxy{
		campaigns: map[string][]agentproxy.Campaign{
			"agent-on": {{ID: "c1", AdSets: []agentproxy.AdSet{{ID: "as1", Ads: []agentproxy.Ad{
				{ID: "1", Name: "Breaching", Status: "ACTIVE"},
				{ID: "2", Status: "ACTIVE"},
				{ID: "3", Status: "ACTIVE"}, // unknown to the registry
				{ID: "4", Status: "PAUSED", EffectiveStatus: "ACTIVE"},
				{ID: "5", Status: "ACTIVE"},
				{ID: "6", Status: "PAUSED"},
				{ID: "7", Status: "ACTIVE"},
			}}}}},
			"agent-off": {{ID: "c2", AdSets: []agentproxy.AdSet{{ID: "as2", Ads: []agentproxy.Ad{{ID: "x", Status: "ACTIVE"}}}}}},
		},
		failAgent: "agent-broken",
		failPause: map[string]bool{"5": true},
	}
	metrics := panickyMetrics{inner: rollup.NewAggregator(s), panicOn: "7"}

	rule := DefaultAutomatedRule()
	if _, err := s.CreateAutomatedRuleIfAbsent(ctx, rule); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(s, proxy, metrics, nil, nil, zerolog.Nop())
	summary := engine.Run(ctx, rule, TriggerScheduled)

	if summary.Checked != 6 {
		t.Fatalf("checked = %d, want 6", summary.Checked)
	}
	if summary.Paused != 2 || summary.Unchanged != 2 || summary.Errors != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(proxy.paused) != 2 || proxy.paused[0] != "1" || proxy.paused[1] != "4" {
		t.Fatalf("unexpected paused ads: %v", proxy.paused)
	}
	if summary.PausedAds[0].AdName != "Breaching" || summary.PausedAds[1].AdName != "4" {
		t.Fatalf("unexpected paused entries: %+v", summary.PausedAds)
	}
	if !strings.HasPrefix(summary.PausedAds[0].Reason, "Lifetime impressions (9000) > 8000") {
		t.Fatalf("unexpected reason: %s", summary.PausedAds[0].Reason)
	}

	stored, _ := s.GetAutomatedRule(ctx, rule.ID)
	if stored.LastRunAt == nil || stored.LastExecutionResult == nil || stored.LastExecutionResult.Paused != 2 {
		t.Fatalf("run not persisted: %+v", stored)
	}
}

type failingAccounts struct {
	*store.MemoryStore
}

func (failingAccounts) ListActiveAdAccounts(ctx context.Context) ([]*store.AdAccount, error) {
	return nil, errors.New("database down")
}

func TestEngineRunPersistsOnFatalError(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	rule := DefaultAutomatedRule()
	s.CreateAutomatedRuleIfAbsent(ctx, rule)

	engine := NewEngine(failingAccounts{s}, &fakeAdProxy{}, rollup.NewAggregator(s), nil, nil, zerolog.Nop())
	summary := engine.Run(ctx, rule, TriggerManual)
	if summary.Errors != 1 || summary.Checked != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	stored, _ := s.GetAutomatedRule(ctx, rule.ID)
	if stored.LastRunAt == nil || stored.LastExecutionResult.Errors != 1 {
		t.Fatalf("fatal run not persisted: %+v", stored)
	}
}
