package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/store"
)

func TestTickSkipsWhileRunning(t *testing.T) {
	sched := New(zerolog.Nop())
	release := make(chan struct{})
	var runs atomic.Int32
	sched.Register(Job{
		Name:     "blocking",
		Interval: time.Hour,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			<-release
			return nil
		},
	})
	js := sched.jobs["blocking"]
	ctx := context.Background()

	if !sched.tick(ctx, js) {
		t.Fatal("first tick did not start a run")
	}
	if sched.tick(ctx, js) {
		t.Fatal("second tick started an overlapping run")
	}
	close(release)
	sched.Wait()

	snap := sched.Snapshot()
	if len(snap.Jobs) != 1 || snap.Jobs[0].Skipped != 1 || snap.Jobs[0].Runs != 1 {
		t.Fatalf("unexpected status: %+v", snap.Jobs)
	}
	if runs.Load() != 1 {
		t.Fatalf("expected one run, got %d", runs.Load())
	}
}

func TestStandbyDoesNotRun(t *testing.T) {
	sched := New(zerolog.Nop())
	sched.Register(Job{Name: "noop", Interval: time.Hour, Run: func(context.Context) error { return nil }})
	sched.SetMode(ModeStandby)

	if sched.tick(context.Background(), sched.jobs["noop"]) {
		t.Fatal("standby scheduler started a run")
	}
}

func TestRunNowRecordsFailuresAndPanics(t *testing.T) {
	sched := New(zerolog.Nop())
	sched.Register(Job{Name: "fails", Interval: time.Hour, Run: func(context.Context) error { return errors.New("boom") }})
	sched.Register(Job{Name: "panics", Interval: time.Hour, Run: func(context.Context) error { panic("bad") }})

	if err := sched.RunNow(context.Background(), "fails"); err == nil {
		t.Error("expected error from failing job")
	}
	if err := sched.RunNow(context.Background(), "panics"); err == nil {
		t.Error("expected error from panicking job")
	}
	if err := sched.RunNow(context.Background(), "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("expected ErrUnknownJob, got %v", err)
	}

	for _, st := range sched.Snapshot().Jobs {
		if st.Failures != 1 || st.LastError == "" {
			t.Errorf("job %s: unexpected status %+v", st.Name, st)
		}
	}
}

func TestSchedulerLoopRunsJob(t *testing.T) {
	sched := New(zerolog.Nop())
	ran := make(chan struct{}, 1)
	sched.Register(Job{
		Name:     "fast",
		Interval: 10 * time.Millisecond,
		Run: func(context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	cancel()
	sched.Wait()
}

func TestRunGuardLocal(t *testing.T) {
	g := NewRunGuard(nil, "node-1", time.Minute, zerolog.Nop())

	release, err := g.Acquire(context.Background(), "rule_1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := g.Acquire(context.Background(), "rule_1"); !errors.Is(err, store.ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if _, err := g.Acquire(context.Background(), "rule_2"); err != nil {
		t.Fatalf("other key should be free: %v", err)
	}
	release()
	if g.Running("rule_1") {
		t.Fatal("key still held after release")
	}
}

func TestRunGuardDistributed(t *testing.T) {
	coord := store.NewMemoryCoordinator()
	a := NewRunGuard(coord, "node-a", time.Minute, zerolog.Nop())
	b := NewRunGuard(coord, "node-b", time.Minute, zerolog.Nop())

	release, err := a.Acquire(context.Background(), "rule_1")
	if err != nil {
		t.Fatalf("acquire on a: %v", err)
	}
	if _, err := b.Acquire(context.Background(), "rule_1"); !errors.Is(err, store.ErrRunInProgress) {
		t.Fatalf("replica b should be rejected, got %v", err)
	}
	if b.Running("rule_1") {
		t.Fatal("rejected acquire left a local claim behind")
	}
	release()

	release2, err := b.Acquire(context.Background(), "rule_1")
	if err != nil {
		t.Fatalf("acquire on b after release: %v", err)
	}
	release2()
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(2, 30*time.Second)
	cb.now = func() time.Time { return now }

	cb.RecordFailure()
	if !cb.Allow() {
		t.Fatal("breaker opened before threshold")
	}
	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("breaker should be open")
	}

	now = now.Add(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("half-open breaker should admit a trial")
	}
	if cb.Allow() {
		t.Fatal("half-open breaker admitted a second concurrent trial")
	}
	cb.RecordFailure()
	if cb.GetState() != CircuitOpen {
		t.Fatalf("failed trial should re-open, got %s", cb.GetState())
	}

	now = now.Add(31 * time.Second)
	if !cb.Allow() {
		t.Fatal("expected trial after second cooldown")
	}
	cb.RecordSuccess()
	if cb.GetState() != CircuitClosed {
		t.Fatalf("successful trial should close, got %s", cb.GetState())
	}
}

func TestTokenBucketLimiter(t *testing.T) {
	l := NewTokenBucketLimiter(1, 2)
	if !l.Allow("agent-1") || !l.Allow("agent-1") {
		t.Fatal("burst should allow two calls")
	}
	if l.Allow("agent-1") {
		t.Fatal("third call should be limited")
	}
	if !l.Allow("agent-2") {
		t.Fatal("buckets must be per key")
	}
	if ok, delay := l.Reserve("agent-1"); ok || delay <= 0 {
		t.Fatalf("expected a delay, got ok=%v delay=%v", ok, delay)
	}
}
