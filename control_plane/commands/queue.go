// Package commands is the asynchronous work queue between operators and
// agents. Operators submit, agents pull and report results.
package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/adpilot/control_plane/auth"
	"github.com/itskum47/adpilot/control_plane/observability"
	"github.com/itskum47/adpilot/control_plane/store"
	"github.com/itskum47/adpilot/control_plane/streaming"
)

const (
	// MaxPull caps a single commands:pull batch.
	MaxPull = 50
	// MaxList caps GET /commands.
	MaxList = 200
)

// QueueStore is the persistence the queue needs.
type QueueStore interface {
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetAdAccount(ctx context.Context, id string) (*store.AdAccount, error)
	ListAdAccountsByAgent(ctx context.Context, agentID string, activeOnly bool) ([]*store.AdAccount, error)
	store.CommandStore
}

// Requester is the operator submitting or reading commands.
type Requester struct {
	UserID string
	Admin  bool
}

func (r Requester) owns(ownerID string) bool {
	return r.Admin || r.UserID == ownerID
}

type Queue struct {
	store  QueueStore
	events streaming.Publisher
	logger zerolog.Logger
}

func NewQueue(s QueueStore, events streaming.Publisher, logger zerolog.Logger) *Queue {
	return &Queue{
		store:  s,
		events: events,
		logger: logger.With().Str("component", "commands").Logger(),
	}
}

func validate(cmd *store.Command) error {
	var missing []string
	if cmd.AdAccountID == "" {
		missing = append(missing, "ad_account_id")
	}
	if cmd.TargetType == "" {
		missing = append(missing, "target_type")
	}
	if cmd.TargetID == "" {
		missing = append(missing, "target_id")
	}
	if cmd.Action == "" {
		missing = append(missing, "action")
	}
	if cmd.Payload == nil {
		missing = append(missing, "payload")
	}
	if cmd.IdempotencyKey == "" {
		missing = append(missing, "idempotency_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s: %w", strings.Join(missing, ", "), store.ErrValidation)
	}
	return nil
}

// Submit enqueues cmd for the owner of its ad account. A command with an
// existing idempotency key is returned unchanged with created=false.
func (q *Queue) Submit(ctx context.Context, by Requester, cmd *store.Command) (*store.Command, bool, error) {
	if err := validate(cmd); err != nil {
		return nil, false, err
	}
	acc, err := q.store.GetAdAccount(ctx, cmd.AdAccountID)
	if err != nil {
		return nil, false, err
	}
	if !by.owns(acc.UserID) {
		return nil, false, fmt.Errorf("ad account %s: %w", acc.ID, store.ErrForbidden)
	}

	cmd.ID = uuid.NewString()
	cmd.UserID = acc.UserID
	cmd.CreatedBy = by.UserID
	cmd.Status = store.CommandQueued

	stored, created, err := q.store.CreateCommandIfAbsent(ctx, cmd)
	if err != nil {
		return nil, false, fmt.Errorf("create command: %w", err)
	}
	if !created {
		if !by.owns(stored.UserID) {
			return nil, false, fmt.Errorf("idempotency key %q: %w", cmd.IdempotencyKey, store.ErrConflict)
		}
		observability.Commands.WithLabelValues("duplicate").Inc()
		return stored, false, nil
	}

	observability.Commands.WithLabelValues("queued").Inc()
	q.logger.Info().Str("command_id", stored.ID).Str("ad_account_id", stored.AdAccountID).Str("action", stored.Action).Msg("command queued")
	q.publish(ctx, streaming.TopicCommandQueued, map[string]any{
		"command_id":    stored.ID,
		"user_id":       stored.UserID,
		"ad_account_id": stored.AdAccountID,
		"action":        stored.Action,
	})
	return stored, true, nil
}

// Get returns one command if the requester may see it.
func (q *Queue) Get(ctx context.Context, by Requester, id string) (*store.Command, error) {
	cmd, err := q.store.GetCommand(ctx, id)
	if err != nil {
		return nil, err
	}
	if !by.owns(cmd.UserID) {
		// Hide existence from other tenants.
		return nil, fmt.Errorf("command %s: %w", id, store.ErrNotFound)
	}
	return cmd, nil
}

// List returns the requester's commands newest first, optionally filtered
// by status. Admins see every command.
func (q *Queue) List(ctx context.Context, by Requester, status string) ([]*store.Command, error) {
	f := store.CommandFilter{Status: status, Limit: MaxList}
	if !by.Admin {
		f.UserID = by.UserID
	}
	return q.store.ListCommands(ctx, f)
}

// Pull claims up to limit QUEUED commands across every account the agent
// serves, oldest first, and moves them to RUNNING. The caller has already
// authenticated the agent.
func (q *Queue) Pull(ctx context.Context, agentID string, limit int) ([]*store.Command, error) {
	if limit <= 0 || limit > MaxPull {
		limit = MaxPull
	}
	accounts, err := q.store.ListAdAccountsByAgent(ctx, agentID, false)
	if err != nil {
		return nil, fmt.Errorf("list accounts for agent %s: %w", agentID, err)
	}
	if len(accounts) == 0 {
		return []*store.Command{}, nil
	}
	ids := make([]string, 0, len(accounts))
	for _, acc := range accounts {
		ids = append(ids, acc.ID)
	}

	claimed, err := q.store.ClaimQueuedCommands(ctx, ids, limit)
	if err != nil {
		return nil, fmt.Errorf("claim commands: %w", err)
	}
	if len(claimed) > 0 {
		observability.Commands.WithLabelValues("claimed").Add(float64(len(claimed)))
		q.logger.Debug().Str("agent_id", agentID).Int("count", len(claimed)).Msg("commands claimed")
	}
	return claimed, nil
}

// ReportResult records an agent's outcome for a command. The token must
// belong to the agent serving the command's ad account. The result row is
// last-write-wins; the command status only moves out of a non-terminal
// state.
func (q *Queue) ReportResult(ctx context.Context, commandID, token string, result store.CommandResult) (*store.Command, error) {
	cmd, err := q.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	acc, err := q.store.GetAdAccount(ctx, cmd.AdAccountID)
	if err != nil {
		return nil, err
	}
	if acc.AgentID == "" {
		return nil, fmt.Errorf("ad account %s has no agent: %w", acc.ID, store.ErrValidation)
	}
	agent, err := q.store.GetAgent(ctx, acc.AgentID)
	if err != nil {
		return nil, err
	}
	if !auth.VerifyAgentToken(agent.TokenHash, token) {
		return nil, fmt.Errorf("agent %s: invalid token: %w", agent.ID, store.ErrUnauthorized)
	}

	result.CommandID = commandID
	if err := q.store.UpsertCommandResult(ctx, &result); err != nil {
		return nil, fmt.Errorf("store result: %w", err)
	}

	status := store.CommandFailed
	if result.Success {
		status = store.CommandSucceeded
	}
	changed, err := q.store.FinishCommand(ctx, commandID, status)
	if err != nil {
		return nil, fmt.Errorf("finish command: %w", err)
	}
	if changed {
		cmd.Status = status
		cmd.UpdatedAt = time.Now().UTC()
		observability.Commands.WithLabelValues(strings.ToLower(status)).Inc()
		q.logger.Info().Str("command_id", commandID).Str("agent_id", agent.ID).Str("status", status).Msg("command finished")
		q.publish(ctx, streaming.TopicCommandCompleted, map[string]any{
			"command_id": commandID,
			"user_id":    cmd.UserID,
			"status":     status,
		})
	} else {
		q.logger.Warn().Str("command_id", commandID).Str("status", cmd.Status).Msg("result for terminal command, status kept")
	}
	return cmd, nil
}

func (q *Queue) publish(ctx context.Context, topic string, payload any) {
	if q.events == nil {
		return
	}
	if err := q.events.Publish(ctx, topic, payload); err != nil {
		q.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish command event")
	}
}
