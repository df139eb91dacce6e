package store

import (
	"encoding/json"
	"time"
)

// Agent statuses. Only the liveness tracker moves an agent between them.
const (
	AgentOnline  = "ONLINE"
	AgentOffline = "OFFLINE"
)

// Command statuses.
const (
	CommandQueued    = "QUEUED"
	CommandRunning   = "RUNNING"
	CommandSucceeded = "SUCCEEDED"
	CommandFailed    = "FAILED"
)

// User roles.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Rule execution modes and actions.
const (
	ModeAuto   = "AUTO"
	ModeManual = "MANUAL"

	ActionPause    = "PAUSE"
	ActionActivate = "ACTIVATE"
)

// Entity kinds for the campaign/ad-set/ad registry.
const (
	EntityCampaign = "CAMPAIGN"
	EntityAdSet    = "AD_SET"
	EntityAd       = "AD"
)

// User is a console operator.
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Role         string    `json:"role" db:"role"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Agent represents a remote worker process that proxies the Meta Ads API.
type Agent struct {
	ID              string     `json:"id" db:"id"`
	UserID          string     `json:"user_id" db:"user_id"`
	Name            string     `json:"name" db:"name"`
	Status          string     `json:"status" db:"status"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty" db:"last_heartbeat_at"`
	AllowedIPs      []string   `json:"allowed_ips,omitempty" db:"allowed_ips"`
	BaseURL         string     `json:"base_url,omitempty" db:"base_url"`
	TokenHash       string     `json:"-" db:"token_hash"` // bcrypt; plaintext is never stored
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// IsOnline reports whether the agent is currently marked ONLINE.
func (a *Agent) IsOnline() bool {
	return a != nil && a.Status == AgentOnline
}

// AdAccount is a Meta ad account served by one agent.
type AdAccount struct {
	ID              string    `json:"id" db:"id"`
	UserID          string    `json:"user_id" db:"user_id"`
	AgentID         string    `json:"agent_id,omitempty" db:"agent_id"`
	MetaAdAccountID string    `json:"meta_ad_account_id" db:"meta_ad_account_id"`
	Name            string    `json:"name" db:"name"`
	CredRef         string    `json:"cred_ref,omitempty" db:"cred_ref"`
	CurrencyCode    string    `json:"currency_code" db:"currency_code"`
	IsActive        bool      `json:"is_active" db:"is_active"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// Command is a unit of asynchronous work directed at an agent.
type Command struct {
	ID             string         `json:"id" db:"id"`
	UserID         string         `json:"user_id" db:"user_id"`
	AdAccountID    string         `json:"ad_account_id" db:"ad_account_id"`
	TargetType     string         `json:"target_type" db:"target_type"`
	TargetID       string         `json:"target_id" db:"target_id"`
	Action         string         `json:"action" db:"action"`
	Payload        map[string]any `json:"payload" db:"payload"`
	Status         string         `json:"status" db:"status"`
	IdempotencyKey string         `json:"idempotency_key" db:"idempotency_key"`
	CreatedBy      string         `json:"created_by" db:"created_by"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// IsTerminal reports whether no further status transitions are allowed.
func (c *Command) IsTerminal() bool {
	return c.Status == CommandSucceeded || c.Status == CommandFailed
}

// CommandResult is the agent-reported outcome of a command.
type CommandResult struct {
	CommandID  string         `json:"command_id" db:"command_id"`
	StartedAt  *time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
	Success    bool           `json:"success" db:"success"`
	Details    map[string]any `json:"details,omitempty" db:"details"`
	UpdatedAt  time.Time      `json:"updated_at" db:"updated_at"`
}

// Condition is a single filter predicate. Value and Value2 keep the raw
// JSON so the evaluator can decode them into typed values.
type Condition struct {
	Field    string          `json:"field"`
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value,omitempty"`
	Value2   json.RawMessage `json:"value2,omitempty"`
}

// FilterConfig combines conditions with AND (default) or OR.
type FilterConfig struct {
	Conditions      []Condition `json:"conditions"`
	LogicalOperator string      `json:"logical_operator,omitempty"`
}

// RuleAction is the action applied to matching ad sets.
type RuleAction struct {
	Type string `json:"type"`
}

// AdSetRule is a per-campaign filter rule.
type AdSetRule struct {
	ID               string       `json:"id" db:"id"`
	UserID           string       `json:"user_id" db:"user_id"`
	AgentID          string       `json:"agent_id" db:"agent_id"`
	CampaignID       string       `json:"campaign_id" db:"campaign_id"`
	RuleName         string       `json:"rule_name" db:"rule_name"`
	Description      string       `json:"description,omitempty" db:"description"`
	IsActive         bool         `json:"is_active" db:"is_active"`
	ExecutionMode    string       `json:"execution_mode" db:"execution_mode"`
	FilterConfig     FilterConfig `json:"filter_config" db:"filter_config"`
	Action           RuleAction   `json:"action" db:"action"`
	LastExecutedAt   *time.Time   `json:"last_executed_at,omitempty" db:"last_executed_at"`
	ExecutionCount   int          `json:"execution_count" db:"execution_count"`
	LastMatchedCount int          `json:"last_matched_count" db:"last_matched_count"`
	LastAction       string       `json:"last_action,omitempty" db:"last_action"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// RuleRunStats is the stat block written after every ad-set rule run.
type RuleRunStats struct {
	ExecutedAt   time.Time
	MatchedCount int
	LastAction   string
}

// AutomatedConditions are the fixed two-threshold conditions of a global scan.
type AutomatedConditions struct {
	LifetimeImpressionsThreshold int64 `json:"lifetime_impressions_threshold"`
	CostPerResultThreshold       int64 `json:"cost_per_result_threshold"` // minor units
	TimeRangeMonths              int   `json:"time_range_months"`
}

// PausedAd is one entry of an automated run's paused list.
type PausedAd struct {
	AdID    string    `json:"ad_id"`
	AdName  string    `json:"ad_name"`
	Reason  string    `json:"reason"`
	Metrics AdMetrics `json:"metrics"`
}

// AdMetrics is the lifetime performance of one ad over a look-back window.
type AdMetrics struct {
	LifetimeImpressions int64   `json:"lifetime_impressions"`
	SpendMinor          int64   `json:"spend_minor"`
	Conversions         int64   `json:"conversions"`
	CostPerResult       float64 `json:"cost_per_result"` // major units
	HasCompleteData     bool    `json:"has_complete_data"`
}

// ExecutionSummary is the persisted outcome of an automated rule run.
type ExecutionSummary struct {
	Checked         int        `json:"checked"`
	Paused          int        `json:"paused"`
	Unchanged       int        `json:"unchanged"`
	Errors          int        `json:"errors"`
	PausedAds       []PausedAd `json:"paused_ads"`
	ExecutionTimeMS int64      `json:"execution_time_ms"`
}

// AutomatedRule is a global-scan rule evaluated over every active ad.
type AutomatedRule struct {
	ID                      string              `json:"id" db:"id"`
	Name                    string              `json:"name" db:"name"`
	Description             string              `json:"description,omitempty" db:"description"`
	Enabled                 bool                `json:"enabled" db:"enabled"`
	Scope                   string              `json:"scope" db:"scope"`
	Action                  string              `json:"action" db:"action"`
	Conditions              AutomatedConditions `json:"conditions" db:"conditions"`
	ScheduleIntervalMinutes int                 `json:"schedule_interval_minutes" db:"schedule_interval_minutes"`
	LastRunAt               *time.Time          `json:"last_run_at,omitempty" db:"last_run_at"`
	LastExecutionResult     *ExecutionSummary   `json:"last_execution_result,omitempty" db:"last_execution_result"`
	CreatedAt               time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time           `json:"updated_at" db:"updated_at"`
}

// MetricCounters are the four summable performance counters.
type MetricCounters struct {
	Impressions int64 `json:"impressions" db:"impressions"`
	Clicks      int64 `json:"clicks" db:"clicks"`
	SpendMinor  int64 `json:"spend_minor" db:"spend_minor"`
	Conversions int64 `json:"conversions" db:"conversions"`
}

// Add accumulates o into c.
func (c *MetricCounters) Add(o MetricCounters) {
	c.Impressions += o.Impressions
	c.Clicks += o.Clicks
	c.SpendMinor += o.SpendMinor
	c.Conversions += o.Conversions
}

// MetricSnapshot is a fine-grained metrics fact.
type MetricSnapshot struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	AdAccountID string    `json:"ad_account_id" db:"ad_account_id"`
	CampaignID  string    `json:"campaign_id,omitempty" db:"campaign_id"`
	AdSetID     string    `json:"ad_set_id,omitempty" db:"ad_set_id"`
	AdID        string    `json:"ad_id,omitempty" db:"ad_id"`
	TS          time.Time `json:"ts" db:"ts"`
	MetricCounters
}

// DailyMetric is a per-day rollup of snapshots.
type DailyMetric struct {
	ID          string    `json:"id" db:"id"`
	UserID      string    `json:"user_id" db:"user_id"`
	AdAccountID string    `json:"ad_account_id" db:"ad_account_id"`
	CampaignID  string    `json:"campaign_id,omitempty" db:"campaign_id"`
	AdSetID     string    `json:"ad_set_id,omitempty" db:"ad_set_id"`
	AdID        string    `json:"ad_id,omitempty" db:"ad_id"`
	Date        time.Time `json:"date" db:"date"`
	MetricCounters
}

// Entity is a minimal registry row for a campaign, ad set or ad seen in
// ingested metrics.
type Entity struct {
	ID          string    `json:"id" db:"id"`
	Kind        string    `json:"kind" db:"kind"`
	UserID      string    `json:"user_id" db:"user_id"`
	AdAccountID string    `json:"ad_account_id" db:"ad_account_id"`
	MetaID      string    `json:"meta_id" db:"meta_id"`
	Name        string    `json:"name" db:"name"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// CommandFilter narrows ListCommands.
type CommandFilter struct {
	UserID string // empty = all users
	Status string
	Limit  int
}

// RuleFilter narrows ListAdSetRules.
type RuleFilter struct {
	UserID     string
	AgentID    string
	CampaignID string
	Mode       string
	ActiveOnly bool
}
