package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/adpilot/control_plane/config"
)

// newTestPostgres connects to ADPILOT_TEST_DATABASE_URL, applies migrations
// and returns a store. Tests are skipped when the variable is unset.
func newTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("ADPILOT_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ADPILOT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	if err := RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	cfg := config.Defaults().Postgres
	cfg.DSN = dsn
	s, err := NewPostgresStore(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func seedPostgresAccount(t *testing.T, s *PostgresStore) (*User, *Agent, *AdAccount) {
	t.Helper()
	ctx := context.Background()
	suffix := uuid.NewString()[:8]

	u := &User{ID: "usr_" + suffix, Email: suffix + "@example.com", PasswordHash: "x", Role: RoleUser, IsActive: true}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	a := &Agent{ID: "agent-" + suffix, UserID: u.ID, Name: "pg", TokenHash: "x"}
	if err := s.CreateAgent(ctx, a); err != nil {
		t.Fatal(err)
	}
	acc := &AdAccount{ID: "acc_" + suffix, UserID: u.ID, AgentID: a.ID, MetaAdAccountID: "act_" + suffix, Name: "pg", CurrencyCode: "EUR", IsActive: true}
	if err := s.CreateAdAccount(ctx, acc); err != nil {
		t.Fatal(err)
	}
	return u, a, acc
}

func TestPostgres_ConcurrentClaimsNeverShare(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	u, _, acc := seedPostgresAccount(t, s)

	const total = 60
	for i := 0; i < total; i++ {
		_, _, err := s.CreateCommandIfAbsent(ctx, &Command{
			ID: fmt.Sprintf("cmd_%s_%d", acc.ID, i), UserID: u.ID, AdAccountID: acc.ID,
			TargetType: "AD_SET", TargetID: "1", Action: "PAUSE", IdempotencyKey: fmt.Sprintf("%s-%d", acc.ID, i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cmds, err := s.ClaimQueuedCommands(ctx, []string{acc.ID}, 5)
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
		t.Fatalf("expected %d claimed, got %d", total, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("%s claimed %d times", id, n)
		}
	}
}

func TestPostgres_IdempotentCreateAndFinish(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	u, _, acc := seedPostgresAccount(t, s)

	cmd := &Command{ID: "cmd_" + acc.ID, UserID: u.ID, AdAccountID: acc.ID, TargetType: "AD", TargetID: "9",
		Action: "PAUSE", IdempotencyKey: "idem-" + acc.ID}
	_, created, err := s.CreateCommandIfAbsent(ctx, cmd)
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	dup := *cmd
	dup.ID = "cmd_other_" + acc.ID
	stored, created, err := s.CreateCommandIfAbsent(ctx, &dup)
	if err != nil || created || stored.ID != cmd.ID {
		t.Fatalf("duplicate: created=%v id=%s err=%v", created, stored.ID, err)
	}

	if changed, _ := s.FinishCommand(ctx, cmd.ID, CommandFailed); !changed {
		t.Fatal("expected first finish to change status")
	}
	if changed, _ := s.FinishCommand(ctx, cmd.ID, CommandSucceeded); changed {
		t.Fatal("terminal status must not change")
	}
	if _, err := s.FinishCommand(ctx, "cmd_missing", CommandFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgres_FoldSnapshotsAdditive(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	u, _, acc := seedPostgresAccount(t, s)
	day := time.Date(2020, 3, 4, 0, 0, 0, 0, time.UTC)

	snap := &MetricSnapshot{ID: "ms_" + acc.ID, UserID: u.ID, AdAccountID: acc.ID, AdID: "ad_1", TS: day.Add(time.Hour),
		MetricCounters: MetricCounters{Impressions: 5}}
	if err := s.InsertSnapshot(ctx, snap); err != nil {
		t.Fatal(err)
	}
	id := "dm_" + acc.ID
	for i := 0; i < 2; i++ {
		d := &DailyMetric{ID: id, UserID: u.ID, AdAccountID: acc.ID, AdID: "ad_1", Date: day,
			MetricCounters: MetricCounters{Impressions: 5, SpendMinor: 100}}
		if err := s.FoldSnapshots(ctx, []*DailyMetric{d}, []string{snap.ID}); err != nil {
			t.Fatal(err)
		}
	}
	d, err := s.GetDailyMetric(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if d.Impressions != 10 || d.SpendMinor != 200 {
		t.Errorf("expected additive rollup, got %+v", d.MetricCounters)
	}
}

func TestPostgres_LivenessSweep(t *testing.T) {
	s := newTestPostgres(t)
	ctx := context.Background()
	_, a, _ := seedPostgresAccount(t, s)
	now := time.Now().UTC()

	if err := s.MarkAgentOnline(ctx, a.ID, now.Add(-3*time.Minute)); err != nil {
		t.Fatal(err)
	}
	ids, err := s.MarkStaleAgentsOffline(ctx, now.Add(-2*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, id := range ids {
		if id == a.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s demoted, got %v", a.ID, ids)
	}
}
