package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/observability"
	"github.com/itskum47/adpilot/control_plane/store"
)

var ErrUnknownJob = errors.New("unknown scheduler job")

type jobState struct {
	job     Job
	running atomic.Bool

	mu     sync.Mutex
	status JobStatus
}

// Scheduler drives the periodic background jobs. Every job has its own
// ticker; a tick that fires while the previous run is still in flight is
// skipped, so a job never overlaps with itself.
type Scheduler struct {
	jobs   map[string]*jobState
	mode   Mode
	mu     sync.RWMutex // Protects mode and jobs
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// New creates a Scheduler in ACTIVE mode.
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		jobs:   make(map[string]*jobState),
		mode:   ModeActive,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Register adds a job. It must be called before Start.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = &jobState{
		job:    job,
		status: JobStatus{Name: job.Name, Interval: job.Interval.String()},
	}
}

// SetMode updates the scheduler operating mode.
func (s *Scheduler) SetMode(mode Mode) {
	s.mu.Lock()
	prev := s.mode
	s.mode = mode
	s.mu.Unlock()
	if prev != mode {
		s.logger.Info().Str("from", string(prev)).Str("to", string(mode)).Msg("scheduler mode changed")
	}
}

func (s *Scheduler) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Start launches one ticker loop per registered job. The loops exit when
// ctx is cancelled; Wait blocks until in-flight runs have finished.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, js := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, js)
	}
}

// Wait blocks until every loop and run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, js *jobState) {
	defer s.wg.Done()

	ticker := time.NewTicker(js.job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, js)
		}
	}
}

// tick starts a run unless the scheduler is not ACTIVE or the job is still
// running. It reports whether a run was started.
func (s *Scheduler) tick(ctx context.Context, js *jobState) bool {
	if s.Mode() != ModeActive {
		return false
	}
	if !js.running.CompareAndSwap(false, true) {
		js.mu.Lock()
		js.status.Skipped++
		js.mu.Unlock()
		observability.SchedulerJobSkipped.WithLabelValues(js.job.Name).Inc()
		s.logger.Warn().Str("job", js.job.Name).Msg("previous run still in flight, tick skipped")
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer js.running.Store(false)
		s.execute(ctx, js)
	}()
	return true
}

// RunNow starts job name immediately, outside its ticker. It fails with
// store.ErrRunInProgress if the job is already running.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	js, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	if !js.running.CompareAndSwap(false, true) {
		return fmt.Errorf("job %s: %w", name, store.ErrRunInProgress)
	}
	defer js.running.Store(false)
	return s.execute(ctx, js)
}

func (s *Scheduler) execute(ctx context.Context, js *jobState) (err error) {
	timeout := js.job.Timeout
	if timeout <= 0 {
		timeout = js.job.Interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", js.job.Name, r)
		}

		outcome := "success"
		if err != nil {
			outcome = "failure"
			s.logger.Error().Err(err).Str("job", js.job.Name).Msg("job failed")
		}
		observability.SchedulerJobRuns.WithLabelValues(js.job.Name, outcome).Inc()

		js.mu.Lock()
		js.status.Runs++
		if err != nil {
			js.status.Failures++
			js.status.LastError = err.Error()
		} else {
			js.status.LastError = ""
		}
		js.status.LastStart = &start
		js.status.LastDuration = time.Since(start).Round(time.Millisecond).String()
		js.mu.Unlock()
	}()

	return js.job.Run(runCtx)
}

// Snapshot returns the mode and per-job status, sorted by job name.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{Mode: s.mode, Jobs: make([]JobStatus, 0, len(s.jobs))}
	states := make([]*jobState, 0, len(s.jobs))
	for _, js := range s.jobs {
		states = append(states, js)
	}
	s.mu.RUnlock()

	for _, js := range states {
		js.mu.Lock()
		st := js.status
		js.mu.Unlock()
		st.Running = js.running.Load()
		snap.Jobs = append(snap.Jobs, st)
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Name < snap.Jobs[j].Name })
	return snap
}
