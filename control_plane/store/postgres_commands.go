package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
)

const commandColumns = `id, user_id, ad_account_id, target_type, target_id, action, payload, status, idempotency_key, created_by, created_at, updated_at`

func scanCommand(row scannable) (*Command, error) {
	var c Command
	if err := row.Scan(&c.ID, &c.UserID, &c.AdAccountID, &c.TargetType, &c.TargetID, &c.Action,
		&c.Payload, &c.Status, &c.IdempotencyKey, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func collectCommands(rows pgx.Rows) ([]*Command, error) {
	defer rows.Close()
	cmds := make([]*Command, 0)
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func (s *PostgresStore) CreateCommandIfAbsent(ctx context.Context, cmd *Command) (*Command, bool, error) {
	payload := cmd.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	status := cmd.Status
	if status == "" {
		status = CommandQueued
	}

	stored, err := scanCommand(s.pool.QueryRow(ctx,
		`INSERT INTO commands (id, user_id, ad_account_id, target_type, target_id, action, payload, status, idempotency_key, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (user_id, idempotency_key) DO NOTHING
		 RETURNING `+commandColumns,
		cmd.ID, cmd.UserID, cmd.AdAccountID, cmd.TargetType, cmd.TargetID, cmd.Action,
		payload, status, cmd.IdempotencyKey, cmd.CreatedBy))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, conflictWrap(err, "create command")
	}

	existing, err := scanCommand(s.pool.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE user_id = $1 AND idempotency_key = $2`, cmd.UserID, cmd.IdempotencyKey))
	if err != nil {
		return nil, false, notFoundWrap(err, "get command by idempotency key")
	}
	return existing, false, nil
}

func (s *PostgresStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	c, err := scanCommand(s.pool.QueryRow(ctx, `SELECT `+commandColumns+` FROM commands WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get command %s", id)
	}
	return c, nil
}

func (s *PostgresStore) ListCommands(ctx context.Context, f CommandFilter) ([]*Command, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE ($1 = '' OR user_id = $1) AND ($2 = '' OR status = $2)
		 ORDER BY created_at DESC, id DESC LIMIT $3`,
		f.UserID, f.Status, limit)
	if err != nil {
		return nil, fmt.Errorf("list commands: %w", err)
	}
	return collectCommands(rows)
}

func (s *PostgresStore) CountCommandsByStatus(ctx context.Context, userID string, status string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM commands WHERE ($1 = '' OR user_id = $1) AND status = $2`,
		userID, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count commands: %w", err)
	}
	return count, nil
}

// ClaimQueuedCommands locks the oldest QUEUED rows with SKIP LOCKED so
// concurrent pulls partition the queue instead of sharing rows.
func (s *PostgresStore) ClaimQueuedCommands(ctx context.Context, accountIDs []string, limit int) ([]*Command, error) {
	if len(accountIDs) == 0 {
		return []*Command{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`WITH claimed AS (
			SELECT id FROM commands
			WHERE status = $1 AND ad_account_id = ANY($2)
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE commands c SET status = $4, updated_at = NOW()
		FROM claimed WHERE c.id = claimed.id
		RETURNING c.id, c.user_id, c.ad_account_id, c.target_type, c.target_id, c.action, c.payload,
		          c.status, c.idempotency_key, c.created_by, c.created_at, c.updated_at`,
		CommandQueued, accountIDs, limit, CommandRunning)
	if err != nil {
		return nil, fmt.Errorf("claim commands: %w", err)
	}
	cmds, err := collectCommands(rows)
	if err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING has no defined order.
	sort.Slice(cmds, func(i, j int) bool {
		if cmds[i].CreatedAt.Equal(cmds[j].CreatedAt) {
			return cmds[i].ID < cmds[j].ID
		}
		return cmds[i].CreatedAt.Before(cmds[j].CreatedAt)
	})
	return cmds, nil
}

func (s *PostgresStore) FinishCommand(ctx context.Context, id string, status string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE commands SET status = $2, updated_at = NOW()
		 WHERE id = $1 AND status NOT IN ($3, $4)`,
		id, status, CommandSucceeded, CommandFailed)
	if err != nil {
		return false, fmt.Errorf("finish command %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetCommand(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) UpsertCommandResult(ctx context.Context, r *CommandResult) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO command_results (command_id, started_at, finished_at, success, details, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (command_id) DO UPDATE SET
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			success = EXCLUDED.success,
			details = EXCLUDED.details,
			updated_at = NOW()
		 RETURNING updated_at`,
		r.CommandID, r.StartedAt, r.FinishedAt, r.Success, r.Details)
	if err := row.Scan(&r.UpdatedAt); err != nil {
		return fmt.Errorf("upsert command result %s: %w", r.CommandID, err)
	}
	return nil
}

func (s *PostgresStore) GetCommandResult(ctx context.Context, commandID string) (*CommandResult, error) {
	var r CommandResult
	err := s.pool.QueryRow(ctx,
		`SELECT command_id, started_at, finished_at, success, details, updated_at
		 FROM command_results WHERE command_id = $1`, commandID).
		Scan(&r.CommandID, &r.StartedAt, &r.FinishedAt, &r.Success, &r.Details, &r.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get command result %s", commandID)
	}
	return &r, nil
}
