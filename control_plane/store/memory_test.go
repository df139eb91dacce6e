package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func seedAccount(t *testing.T, s *MemoryStore, id, agentID string) {
	t.Helper()
	if err := s.CreateAdAccount(context.Background(), &AdAccount{
		ID: id, UserID: "u1", AgentID: agentID, MetaAdAccountID: "act_" + id, Name: id, IsActive: true,
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}
}

func TestMemoryStore_GetMissingReturnsNotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetAgent(ctx, "agent-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAgent: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetCommand(ctx, "cmd_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCommand: expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetAdSetRule(ctx, "rule_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAdSetRule: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_DuplicateEmailConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateUser(ctx, &User{ID: "u1", Email: "Ops@Example.com"}); err != nil {
		t.Fatal(err)
	}
	err := s.CreateUser(ctx, &User{ID: "u2", Email: "ops@example.com"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.CreateAgent(ctx, &Agent{ID: "agent-1", UserID: "u1", Name: "a", AllowedIPs: []string{"10.0.0.1"}})

	a, _ := s.GetAgent(ctx, "agent-1")
	a.Status = AgentOnline
	a.AllowedIPs[0] = "1.1.1.1"

	again, _ := s.GetAgent(ctx, "agent-1")
	if again.Status != AgentOffline {
		t.Errorf("mutating a returned agent leaked into the store")
	}
	if again.AllowedIPs[0] != "10.0.0.1" {
		t.Errorf("allowed IPs slice is shared with the store")
	}
}

func TestMemoryStore_CreateCommandIfAbsent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "acc1", "agent-1")

	first, created, err := s.CreateCommandIfAbsent(ctx, &Command{
		ID: "cmd_1", AdAccountID: "acc1", Action: "PAUSE", IdempotencyKey: "k1",
		Payload: map[string]any{"n": 1},
	})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	dup, created, err := s.CreateCommandIfAbsent(ctx, &Command{
		ID: "cmd_2", AdAccountID: "acc1", Action: "ACTIVATE", IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("duplicate key must not create a second command")
	}
	if dup.ID != first.ID || dup.Action != "PAUSE" {
		t.Errorf("expected stored command unchanged, got %+v", dup)
	}
}

func TestMemoryStore_ClaimIsFIFOAndExclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "acc1", "agent-1")
	seedAccount(t, s, "acc2", "agent-2")

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, _, _ = s.CreateCommandIfAbsent(ctx, &Command{
			ID: fmt.Sprintf("cmd_%d", i), AdAccountID: "acc1", IdempotencyKey: fmt.Sprintf("k%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
	}
	_, _, _ = s.CreateCommandIfAbsent(ctx, &Command{ID: "cmd_other", AdAccountID: "acc2", IdempotencyKey: "other"})

	got, err := s.ClaimQueuedCommands(ctx, []string{"acc1"}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(got))
	}
	for i, c := range got {
		if c.ID != fmt.Sprintf("cmd_%d", i) {
			t.Errorf("position %d: expected cmd_%d, got %s", i, i, c.ID)
		}
		if c.Status != CommandRunning {
			t.Errorf("claimed command should be RUNNING, got %s", c.Status)
		}
	}

	rest, _ := s.ClaimQueuedCommands(ctx, []string{"acc1"}, 50)
	if len(rest) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(rest))
	}
	none, _ := s.ClaimQueuedCommands(ctx, []string{"acc1"}, 50)
	if len(none) != 0 {
		t.Fatalf("expected nothing left, got %d", len(none))
	}
}

func TestMemoryStore_ConcurrentClaimsNeverShare(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "acc1", "agent-1")

	const total = 200
	for i := 0; i < total; i++ {
		_, _, _ = s.CreateCommandIfAbsent(ctx, &Command{
			ID: fmt.Sprintf("cmd_%03d", i), AdAccountID: "acc1", IdempotencyKey: fmt.Sprintf("k%d", i),
		})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cmds, err := s.ClaimQueuedCommands(ctx, []string{"acc1"}, 7)
				if err != nil {
					t.Error(err)
					return
				}
				if len(cmds) == 0 {
					return
				}
				mu.Lock()
				for _, c := range cmds {
					seen[c.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("expected %d distinct commands, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("command %s claimed %d times", id, n)
		}
	}
}

func TestMemoryStore_FinishCommandFirstTerminalWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedAccount(t, s, "acc1", "agent-1")
	_, _, _ = s.CreateCommandIfAbsent(ctx, &Command{ID: "cmd_1", AdAccountID: "acc1", IdempotencyKey: "k"})

	changed, err := s.FinishCommand(ctx, "cmd_1", CommandSucceeded)
	if err != nil || !changed {
		t.Fatalf("first finish: changed=%v err=%v", changed, err)
	}
	changed, err = s.FinishCommand(ctx, "cmd_1", CommandFailed)
	if err != nil || changed {
		t.Fatalf("second finish must be ignored: changed=%v err=%v", changed, err)
	}
	c, _ := s.GetCommand(ctx, "cmd_1")
	if c.Status != CommandSucceeded {
		t.Errorf("expected SUCCEEDED, got %s", c.Status)
	}
}

func TestMemoryStore_MarkStaleAgentsOffline(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"agent-stale", "agent-fresh", "agent-never"} {
		_ = s.CreateAgent(ctx, &Agent{ID: id, UserID: "u1"})
	}
	_ = s.MarkAgentOnline(ctx, "agent-stale", now.Add(-3*time.Minute))
	_ = s.MarkAgentOnline(ctx, "agent-fresh", now.Add(-1*time.Minute))

	demoted, err := s.MarkStaleAgentsOffline(ctx, now.Add(-2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(demoted) != 1 || demoted[0] != "agent-stale" {
		t.Fatalf("expected only agent-stale demoted, got %v", demoted)
	}
	fresh, _ := s.GetAgent(ctx, "agent-fresh")
	if !fresh.IsOnline() {
		t.Errorf("fresh agent should stay ONLINE")
	}
}

func TestMemoryStore_FoldSnapshotsIsAdditive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	_ = s.InsertSnapshot(ctx, &MetricSnapshot{ID: "ms_1", AdAccountID: "acc1", TS: day.Add(time.Hour),
		MetricCounters: MetricCounters{Impressions: 10}})

	rollup := &DailyMetric{ID: "dm_x", AdAccountID: "acc1", Date: day, MetricCounters: MetricCounters{Impressions: 10, SpendMinor: 5}}
	if err := s.FoldSnapshots(ctx, []*DailyMetric{rollup}, []string{"ms_1"}); err != nil {
		t.Fatal(err)
	}
	second := &DailyMetric{ID: "dm_x", AdAccountID: "acc1", Date: day, MetricCounters: MetricCounters{Impressions: 7, Conversions: 1}}
	if err := s.FoldSnapshots(ctx, []*DailyMetric{second}, nil); err != nil {
		t.Fatal(err)
	}

	d, err := s.GetDailyMetric(ctx, "dm_x")
	if err != nil {
		t.Fatal(err)
	}
	want := MetricCounters{Impressions: 17, SpendMinor: 5, Conversions: 1}
	if d.MetricCounters != want {
		t.Errorf("expected %+v, got %+v", want, d.MetricCounters)
	}
	left, _ := s.ListSnapshotsBefore(ctx, day.Add(48*time.Hour), 10)
	if len(left) != 0 {
		t.Errorf("folded snapshot should be deleted, %d left", len(left))
	}
}

func TestMemoryStore_RecordRuleRunIncrements(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.CreateAdSetRule(ctx, &AdSetRule{ID: "rule_1", UserID: "u1", RuleName: "r"})

	for i := 1; i <= 2; i++ {
		if err := s.RecordRuleRun(ctx, "rule_1", RuleRunStats{ExecutedAt: time.Now(), MatchedCount: i, LastAction: "PAUSE 1 ad set(s)"}); err != nil {
			t.Fatal(err)
		}
	}
	r, _ := s.GetAdSetRule(ctx, "rule_1")
	if r.ExecutionCount != 2 || r.LastMatchedCount != 2 || r.LastExecutedAt == nil {
		t.Errorf("unexpected stats: %+v", r)
	}
}

func TestMemoryStore_AutomatedRuleSeedOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inserted, _ := s.CreateAutomatedRuleIfAbsent(ctx, &AutomatedRule{ID: "ar_1", Name: "scan"})
	if !inserted {
		t.Fatal("expected first seed to insert")
	}
	inserted, _ = s.CreateAutomatedRuleIfAbsent(ctx, &AutomatedRule{ID: "ar_2", Name: "scan"})
	if inserted {
		t.Fatal("expected second seed with same name to be skipped")
	}
	rules, _ := s.ListAutomatedRules(ctx)
	if len(rules) != 1 {
		t.Errorf("expected 1 rule, got %d", len(rules))
	}
}
