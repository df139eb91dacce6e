package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/config"
	"github.com/itskum47/adpilot/control_plane/coordination"
	"github.com/itskum47/adpilot/control_plane/rollup"
	"github.com/itskum47/adpilot/control_plane/rules"
	"github.com/itskum47/adpilot/control_plane/scheduler"
	"github.com/itskum47/adpilot/control_plane/store"
)

// Scheduler job names.
const (
	jobRetention      = "retention"
	jobLivenessSweep  = "liveness_sweep"
	jobAutoRules      = "auto_rules"
	jobAutomatedRules = "automated_rules"
	jobLockJanitor    = "lock_janitor"
)

const lockJanitorInterval = time.Minute

// Runner is the single entry point for rule runs. The API and the scheduler
// both go through it so the per-rule guard covers every trigger.
type Runner struct {
	store    store.Store
	executor *rules.Executor
	engine   *rules.Engine
	guard    *scheduler.RunGuard
	logger   zerolog.Logger
	now      func() time.Time
}

func NewRunner(s store.Store, executor *rules.Executor, engine *rules.Engine, guard *scheduler.RunGuard, logger zerolog.Logger) *Runner {
	return &Runner{
		store:    s,
		executor: executor,
		engine:   engine,
		guard:    guard,
		logger:   logger.With().Str("component", "runner").Logger(),
		now:      time.Now,
	}
}

// ExecuteAdSetRule runs one ad-set rule under its guard.
func (r *Runner) ExecuteAdSetRule(ctx context.Context, rule *store.AdSetRule, trigger string) (*rules.ExecutionReport, error) {
	release, err := r.guard.Acquire(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	defer release()
	return r.executor.Execute(ctx, rule, trigger)
}

// RunAutomatedRule runs one global-scan rule under its guard. Disabled rules
// are refused; the interval gate is the caller's concern.
func (r *Runner) RunAutomatedRule(ctx context.Context, rule *store.AutomatedRule, trigger string) (*store.ExecutionSummary, error) {
	if !rule.Enabled {
		return nil, fmt.Errorf("automated rule %s is disabled: %w", rule.ID, store.ErrValidation)
	}
	release, err := r.guard.Acquire(ctx, rule.ID)
	if err != nil {
		return nil, err
	}
	defer release()
	return r.engine.Run(ctx, rule, trigger), nil
}

// Running reports whether a run of rule id is in flight on this replica.
func (r *Runner) Running(id string) bool {
	return r.guard.Running(id)
}

// runAutoRules executes every active AUTO ad-set rule. A rule that is busy
// or whose agent is offline is skipped; only a failure to list rules fails
// the job.
func (r *Runner) runAutoRules(ctx context.Context) error {
	list, err := r.store.ListAdSetRules(ctx, store.RuleFilter{Mode: store.ModeAuto, ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list auto rules: %w", err)
	}
	executed := 0
	for _, rule := range list {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := r.ExecuteAdSetRule(ctx, rule, rules.TriggerScheduled)
		switch {
		case err == nil:
			executed++
		case errors.Is(err, store.ErrRunInProgress), errors.Is(err, store.ErrAgentUnavailable):
			r.logger.Debug().Err(err).Str("rule_id", rule.ID).Msg("auto rule skipped")
		default:
			r.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("auto rule failed")
		}
	}
	r.logger.Info().Int("rules", len(list)).Int("executed", executed).Msg("auto rules pass finished")
	return nil
}

// runAutomatedRules runs every enabled global-scan rule whose interval has
// elapsed.
func (r *Runner) runAutomatedRules(ctx context.Context) error {
	list, err := r.store.ListAutomatedRules(ctx)
	if err != nil {
		return fmt.Errorf("list automated rules: %w", err)
	}
	for _, rule := range list {
		if !rules.Due(rule, r.now()) {
			continue
		}
		summary, err := r.runIfDue(ctx, rule.ID)
		if err != nil {
			if !errors.Is(err, store.ErrRunInProgress) {
				r.logger.Warn().Err(err).Str("rule_id", rule.ID).Msg("automated rule failed")
			}
			continue
		}
		if summary == nil {
			r.logger.Debug().Str("rule_id", rule.ID).Msg("automated rule already ran elsewhere")
			continue
		}
		r.logger.Info().Str("rule_id", rule.ID).Int("checked", summary.Checked).Int("paused", summary.Paused).Int("errors", summary.Errors).Msg("automated rule finished")
	}
	return nil
}

// runIfDue re-reads the rule under its guard and runs it only if it is
// still enabled and due. The listed copy may predate another replica's run.
// A nil summary with a nil error means the rule was no longer due.
func (r *Runner) runIfDue(ctx context.Context, id string) (*store.ExecutionSummary, error) {
	release, err := r.guard.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	rule, err := r.store.GetAutomatedRule(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload automated rule %s: %w", id, err)
	}
	if !rules.Due(rule, r.now()) {
		return nil, nil
	}
	return r.engine.Run(ctx, rule, rules.TriggerScheduled), nil
}

// registerJobs wires the periodic work onto the scheduler. janitor is nil
// without Redis.
func registerJobs(sched *scheduler.Scheduler, cfg config.Scheduler, runner *Runner, compactor *rollup.Compactor, liveness *coordination.LivenessTracker, janitor *coordination.LockJanitor) {
	sched.Register(scheduler.Job{
		Name:     jobRetention,
		Interval: cfg.RetentionInterval,
		Run: func(ctx context.Context) error {
			_, err := compactor.Drain(ctx)
			return err
		},
	})
	sched.Register(scheduler.Job{
		Name:     jobLivenessSweep,
		Interval: cfg.SweepInterval,
		Run: func(ctx context.Context) error {
			_, err := liveness.Sweep(ctx)
			return err
		},
	})
	sched.Register(scheduler.Job{
		Name:     jobAutoRules,
		Interval: cfg.AutoRulesInterval,
		Run:      runner.runAutoRules,
	})
	sched.Register(scheduler.Job{
		Name:     jobAutomatedRules,
		Interval: cfg.AutomatedCheckInterval,
		// A scan walks every active ad; let it outlive its check interval.
		Timeout: 30 * time.Minute,
		Run:     runner.runAutomatedRules,
	})
	if janitor != nil {
		sched.Register(scheduler.Job{
			Name:     jobLockJanitor,
			Interval: lockJanitorInterval,
			Run: func(ctx context.Context) error {
				_, err := janitor.Clean(ctx)
				return err
			},
		})
	}
}
