package main

import (
	"context"
	"time"

	"github.com/itskum47/adpilot/control_plane/coordination"
	"github.com/itskum47/adpilot/control_plane/scheduler"
	"github.com/itskum47/adpilot/control_plane/store"
)

// BreakerReporter lists the agents whose circuit is not closed.
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// DashboardService aggregates dashboard data from the store, the scheduler,
// the leader elector and the agent proxy's circuit breakers.
type DashboardService struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	elector   *coordination.LeaderElector
	breakers  BreakerReporter
}

// NewDashboardService builds the service. elector and breakers may be nil.
func NewDashboardService(store store.Store, scheduler *scheduler.Scheduler, elector *coordination.LeaderElector, breakers BreakerReporter) *DashboardService {
	return &DashboardService{
		store:     store,
		scheduler: scheduler,
		elector:   elector,
		breakers:  breakers,
	}
}

// GetDashboardMetrics collects the dashboard for one operator. An empty
// scopeUserID is the admin view over every user.
func (s *DashboardService) GetDashboardMetrics(ctx context.Context, scopeUserID string) (DashboardMetrics, error) {
	agents, err := s.store.ListAgents(ctx, scopeUserID)
	if err != nil {
		return DashboardMetrics{}, err
	}
	online := 0
	for _, a := range agents {
		if a.IsOnline() {
			online++
		}
	}

	circuits := make(map[string]string)
	if s.breakers != nil {
		states := s.breakers.BreakerStates()
		for _, a := range agents {
			if st, ok := states[a.ID]; ok {
				circuits[a.ID] = st
			}
		}
	}

	queued, err := s.store.CountCommandsByStatus(ctx, scopeUserID, store.CommandQueued)
	if err != nil {
		return DashboardMetrics{}, err
	}
	running, err := s.store.CountCommandsByStatus(ctx, scopeUserID, store.CommandRunning)
	if err != nil {
		return DashboardMetrics{}, err
	}

	active, err := s.store.ListAdSetRules(ctx, store.RuleFilter{UserID: scopeUserID, ActiveOnly: true})
	if err != nil {
		return DashboardMetrics{}, err
	}

	automated, err := s.store.ListAutomatedRules(ctx)
	if err != nil {
		return DashboardMetrics{}, err
	}
	var last *AutomatedRunView
	for _, r := range automated {
		if r.LastRunAt == nil || r.LastExecutionResult == nil {
			continue
		}
		if last == nil || r.LastRunAt.After(last.RanAt) {
			last = &AutomatedRunView{RuleID: r.ID, RuleName: r.Name, RanAt: *r.LastRunAt, Summary: r.LastExecutionResult}
		}
	}

	var leader coordination.LeaderState
	if s.elector != nil {
		leader = s.elector.GetState()
	} else {
		// Single node without Redis always schedules.
		leader.IsLeader = true
	}

	return DashboardMetrics{
		AgentsOnline:    online,
		AgentsTotal:     len(agents),
		OpenCircuits:    circuits,
		QueuedCommands:  queued,
		RunningCommands: running,
		ActiveRules:     len(active),
		LastAutomated:   last,

		IsLeader:          leader.IsLeader,
		CurrentEpoch:      leader.CurrentEpoch,
		LeaderTransitions: leader.Transitions,
		NodeID:            leader.NodeID,
		ClusterRole:       getClusterRole(leader.IsLeader),

		Scheduler: s.scheduler.Snapshot(),
		Timestamp: time.Now().Unix(),
	}, nil
}

func getClusterRole(isLeader bool) string {
	if isLeader {
		return "leader"
	}
	return "follower"
}
