package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/auth"
	"github.com/itskum47/adpilot/control_plane/store"
)

type fixture struct {
	store *store.MemoryStore
	queue *Queue
	token string
	owner Requester
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	token, hash, err := auth.NewAgentToken()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAgent(ctx, &store.Agent{ID: "agent-1", UserID: "u1", TokenHash: hash}); err != nil {
		t.Fatal(err)
	}
	for _, acc := range []*store.AdAccount{
		{ID: "acc-1", UserID: "u1", AgentID: "agent-1", MetaAdAccountID: "act_1", IsActive: true},
		{ID: "acc-2", UserID: "u1", AgentID: "agent-1", MetaAdAccountID: "act_2", IsActive: false},
		{ID: "acc-orphan", UserID: "u1", MetaAdAccountID: "act_3", IsActive: true},
	} {
		if err := s.CreateAdAccount(ctx, acc); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{
		store: s,
		queue: NewQueue(s, nil, zerolog.Nop()),
		token: token,
		owner: Requester{UserID: "u1"},
	}
}

func newCommand(account, key string) *store.Command {
	return &store.Command{
		AdAccountID:    account,
		TargetType:     "AD_SET",
		TargetID:       "as_1",
		Action:         "PAUSE",
		Payload:        map[string]any{},
		IdempotencyKey: key,
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, created, err := f.queue.Submit(ctx, f.owner, newCommand("acc-1", "k1"))
	if err != nil || !created {
		t.Fatalf("first submit: created=%v err=%v", created, err)
	}
	if first.Status != store.CommandQueued || first.UserID != "u1" || first.CreatedBy != "u1" {
		t.Fatalf("unexpected command: %+v", first)
	}

	dup := newCommand("acc-1", "k1")
	dup.Action = "ACTIVATE"
	second, created, err := f.queue.Submit(ctx, f.owner, dup)
	if err != nil {
		t.Fatalf("duplicate submit: %v", err)
	}
	if created {
		t.Error("duplicate reported as created")
	}
	if second.ID != first.ID || second.Action != "PAUSE" {
		t.Errorf("duplicate returned %+v, want original %s", second, first.ID)
	}

	all, _ := f.queue.List(ctx, f.owner, "")
	if len(all) != 1 {
		t.Errorf("stored %d commands, want 1", len(all))
	}
}

func TestSubmitValidationAndOwnership(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	bad := newCommand("acc-1", "")
	bad.Payload = nil
	if _, _, err := f.queue.Submit(ctx, f.owner, bad); !errors.Is(err, store.ErrValidation) {
		t.Errorf("missing fields: err = %v", err)
	}
	if _, _, err := f.queue.Submit(ctx, f.owner, newCommand("nope", "k")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown account: err = %v", err)
	}
	if _, _, err := f.queue.Submit(ctx, Requester{UserID: "u2"}, newCommand("acc-1", "k")); !errors.Is(err, store.ErrForbidden) {
		t.Errorf("foreign account: err = %v", err)
	}
	cmd, created, err := f.queue.Submit(ctx, Requester{UserID: "admin", Admin: true}, newCommand("acc-1", "k"))
	if err != nil || !created {
		t.Fatalf("admin submit: %v", err)
	}
	if cmd.UserID != "u1" || cmd.CreatedBy != "admin" {
		t.Errorf("admin submit owner=%s created_by=%s", cmd.UserID, cmd.CreatedBy)
	}

	if _, err := f.queue.Get(ctx, Requester{UserID: "u2"}, cmd.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("foreign get: err = %v", err)
	}
	if list, _ := f.queue.List(ctx, Requester{UserID: "u2"}, ""); len(list) != 0 {
		t.Errorf("foreign list returned %d", len(list))
	}
}

func TestIdempotencyKeysAreScopedPerUser(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	if err := f.store.CreateAdAccount(ctx, &store.AdAccount{ID: "acc-u2", UserID: "u2", MetaAdAccountID: "act_u2", IsActive: true}); err != nil {
		t.Fatal(err)
	}

	mine := newCommand("acc-1", "shared-key")
	mine.Payload = map[string]any{"secret": "u1-data"}
	first, created, err := f.queue.Submit(ctx, f.owner, mine)
	if err != nil || !created {
		t.Fatalf("u1 submit: created=%v err=%v", created, err)
	}

	theirs, created, err := f.queue.Submit(ctx, Requester{UserID: "u2"}, newCommand("acc-u2", "shared-key"))
	if err != nil {
		t.Fatalf("u2 submit: %v", err)
	}
	if !created {
		t.Fatal("u2 got u1's command back for a colliding key")
	}
	if theirs.ID == first.ID || theirs.UserID != "u2" || theirs.AdAccountID != "acc-u2" {
		t.Fatalf("u2 command = %+v", theirs)
	}
	if _, leaked := theirs.Payload["secret"]; leaked {
		t.Fatal("u1 payload leaked to u2")
	}
}

func TestPullClaimsFIFOAcrossAllAccounts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var ids []string
	for i, acc := range []string{"acc-1", "acc-2", "acc-1"} {
		cmd, _, err := f.queue.Submit(ctx, f.owner, newCommand(acc, fmt.Sprintf("k%d", i)))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, cmd.ID)
	}
	_, _, _ = f.queue.Submit(ctx, f.owner, newCommand("acc-orphan", "orphan"))

	got, err := f.queue.Pull(ctx, "agent-1", 2)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if len(got) != 2 || got[0].ID != ids[0] || got[1].ID != ids[1] {
		t.Fatalf("first pull = %v", got)
	}
	for _, c := range got {
		if c.Status != store.CommandRunning {
			t.Errorf("claimed command status = %s", c.Status)
		}
	}

	rest, _ := f.queue.Pull(ctx, "agent-1", 0)
	if len(rest) != 1 || rest[0].ID != ids[2] {
		t.Fatalf("second pull = %v", rest)
	}
	if again, _ := f.queue.Pull(ctx, "agent-1", 0); len(again) != 0 {
		t.Errorf("third pull returned %d", len(again))
	}
}

func TestConcurrentPullsNeverShareACommand(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	const total = 120
	for i := 0; i < total; i++ {
		if _, _, err := f.queue.Submit(ctx, f.owner, newCommand("acc-1", fmt.Sprintf("k%d", i))); err != nil {
			t.Fatal(err)
		}
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
				batch, err := f.queue.Pull(ctx, "agent-1", 7)
				if err != nil {
					t.Error(err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, c := range batch {
					seen[c.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != total {
		t.Errorf("claimed %d distinct commands, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("command %s returned %d times", id, n)
		}
	}
}

func TestReportResult(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cmd, _, _ := f.queue.Submit(ctx, f.owner, newCommand("acc-1", "k1"))

	if _, err := f.queue.ReportResult(ctx, cmd.ID, "wrong", store.CommandResult{Success: true}); !errors.Is(err, store.ErrUnauthorized) {
		t.Errorf("bad token: err = %v", err)
	}
	if _, err := f.queue.ReportResult(ctx, "missing", f.token, store.CommandResult{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing command: err = %v", err)
	}

	// A result straight from QUEUED is accepted.
	done, err := f.queue.ReportResult(ctx, cmd.ID, f.token, store.CommandResult{Success: true, Details: map[string]any{"n": 1}})
	if err != nil {
		t.Fatalf("ReportResult: %v", err)
	}
	if done.Status != store.CommandSucceeded {
		t.Errorf("status = %s", done.Status)
	}

	// A late failure overwrites the result row but not the terminal status.
	if _, err := f.queue.ReportResult(ctx, cmd.ID, f.token, store.CommandResult{Success: false}); err != nil {
		t.Fatalf("second report: %v", err)
	}
	stored, _ := f.store.GetCommand(ctx, cmd.ID)
	if stored.Status != store.CommandSucceeded {
		t.Errorf("terminal status changed to %s", stored.Status)
	}
	res, err := f.store.GetCommandResult(ctx, cmd.ID)
	if err != nil || res.Success {
		t.Errorf("result row = %+v, %v; want last write", res, err)
	}

	orphan, _, _ := f.queue.Submit(ctx, f.owner, newCommand("acc-orphan", "k2"))
	if _, err := f.queue.ReportResult(ctx, orphan.ID, f.token, store.CommandResult{}); !errors.Is(err, store.ErrValidation) {
		t.Errorf("account without agent: err = %v", err)
	}
}
