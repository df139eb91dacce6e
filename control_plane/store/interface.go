package store

import (
	"context"
	"time"
)

// Store defines the methods required for a permanent storage backend.
// It is implemented by MemoryStore (tests, single node) and PostgresStore.
//
// Store deliberately has no method that writes an agent's liveness status;
// that lives on LivenessStore, which only the liveness tracker receives.
type Store interface {
	UserStore
	AgentStore
	AdAccountStore
	CommandStore
	RuleStore
	AutomatedRuleStore
	MetricStore
	EntityStore

	Ping(ctx context.Context) error
}

type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	DeleteUser(ctx context.Context, id string) error
}

type AgentStore interface {
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	// ListAgents returns agents owned by userID, or all agents when userID is empty.
	ListAgents(ctx context.Context, userID string) ([]*Agent, error)
	// UpdateAgentProfile writes name, allowed IPs and base URL only.
	UpdateAgentProfile(ctx context.Context, a *Agent) error
	SetAgentTokenHash(ctx context.Context, id string, hash string) error
	DeleteAgent(ctx context.Context, id string) error
}

// LivenessStore is the only write path for Agent.Status and
// Agent.LastHeartbeatAt.
type LivenessStore interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, userID string) ([]*Agent, error)
	MarkAgentOnline(ctx context.Context, id string, at time.Time) error
	// MarkStaleAgentsOffline demotes every ONLINE agent whose last heartbeat
	// is missing or before cutoff and returns the demoted ids.
	MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error)
}

type AdAccountStore interface {
	CreateAdAccount(ctx context.Context, acc *AdAccount) error
	GetAdAccount(ctx context.Context, id string) (*AdAccount, error)
	ListAdAccounts(ctx context.Context, userID string) ([]*AdAccount, error)
	ListAdAccountsByAgent(ctx context.Context, agentID string, activeOnly bool) ([]*AdAccount, error)
	ListActiveAdAccounts(ctx context.Context) ([]*AdAccount, error)
}

type CommandStore interface {
	// CreateCommandIfAbsent inserts cmd unless the same user already has a
	// command with its idempotency key, in which case the stored one is
	// returned with created=false.
	CreateCommandIfAbsent(ctx context.Context, cmd *Command) (stored *Command, created bool, err error)
	GetCommand(ctx context.Context, id string) (*Command, error)
	ListCommands(ctx context.Context, f CommandFilter) ([]*Command, error)
	CountCommandsByStatus(ctx context.Context, userID string, status string) (int, error)
	// ClaimQueuedCommands atomically moves up to limit QUEUED commands of the
	// given accounts to RUNNING, oldest first, and returns them.
	ClaimQueuedCommands(ctx context.Context, accountIDs []string, limit int) ([]*Command, error)
	// FinishCommand sets a terminal status unless the command is already
	// terminal. It reports whether the status changed.
	FinishCommand(ctx context.Context, id string, status string) (bool, error)
	UpsertCommandResult(ctx context.Context, r *CommandResult) error
	GetCommandResult(ctx context.Context, commandID string) (*CommandResult, error)
}

type RuleStore interface {
	CreateAdSetRule(ctx context.Context, r *AdSetRule) error
	GetAdSetRule(ctx context.Context, id string) (*AdSetRule, error)
	ListAdSetRules(ctx context.Context, f RuleFilter) ([]*AdSetRule, error)
	// UpdateAdSetRule writes the definition fields; run statistics are untouched.
	UpdateAdSetRule(ctx context.Context, r *AdSetRule) error
	// RecordRuleRun stores run statistics and increments execution_count.
	RecordRuleRun(ctx context.Context, id string, stats RuleRunStats) error
	DeleteAdSetRule(ctx context.Context, id string) error
}

type AutomatedRuleStore interface {
	// CreateAutomatedRuleIfAbsent inserts r unless a rule with the same name
	// exists. It reports whether r was inserted.
	CreateAutomatedRuleIfAbsent(ctx context.Context, r *AutomatedRule) (bool, error)
	GetAutomatedRule(ctx context.Context, id string) (*AutomatedRule, error)
	ListAutomatedRules(ctx context.Context) ([]*AutomatedRule, error)
	SetAutomatedRuleEnabled(ctx context.Context, id string, enabled bool) (*AutomatedRule, error)
	RecordAutomatedRun(ctx context.Context, id string, at time.Time, summary *ExecutionSummary) error
}

type MetricStore interface {
	// InsertSnapshot writes a snapshot, replacing any snapshot with the same id.
	InsertSnapshot(ctx context.Context, s *MetricSnapshot) error
	ListSnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*MetricSnapshot, error)
	// FoldSnapshots adds each rollup's counters into the stored rollup with
	// the same id (creating it if needed) and deletes the given snapshots,
	// as one atomic step.
	FoldSnapshots(ctx context.Context, rollups []*DailyMetric, snapshotIDs []string) error
	ListSnapshotsForAd(ctx context.Context, accountID, adID string, since time.Time) ([]*MetricSnapshot, error)
	ListDailyMetricsForAd(ctx context.Context, accountID, adID string, since time.Time) ([]*DailyMetric, error)
	GetDailyMetric(ctx context.Context, id string) (*DailyMetric, error)
}

type EntityStore interface {
	// EnsureEntity inserts e unless an entity with the same id exists and
	// returns the stored row.
	EnsureEntity(ctx context.Context, e *Entity) (*Entity, error)
	GetEntityByMetaID(ctx context.Context, accountID, kind, metaID string) (*Entity, error)
}
