package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// --- Ad-Set Rule Operations ---

const ruleColumns = `id, user_id, agent_id, campaign_id, rule_name, description, is_active, execution_mode,
	filter_config, action, last_executed_at, execution_count, last_matched_count, last_action, created_at, updated_at`

func scanRule(row scannable) (*AdSetRule, error) {
	var r AdSetRule
	var filterJSON, actionJSON []byte
	if err := row.Scan(&r.ID, &r.UserID, &r.AgentID, &r.CampaignID, &r.RuleName, &r.Description,
		&r.IsActive, &r.ExecutionMode, &filterJSON, &actionJSON, &r.LastExecutedAt,
		&r.ExecutionCount, &r.LastMatchedCount, &r.LastAction, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(filterJSON, &r.FilterConfig); err != nil {
		return nil, fmt.Errorf("decode filter_config: %w", err)
	}
	if err := json.Unmarshal(actionJSON, &r.Action); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) CreateAdSetRule(ctx context.Context, r *AdSetRule) error {
	filterJSON, err := json.Marshal(r.FilterConfig)
	if err != nil {
		return fmt.Errorf("marshal filter_config: %w", err)
	}
	actionJSON, err := json.Marshal(r.Action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO ad_set_rules (id, user_id, agent_id, campaign_id, rule_name, description, is_active, execution_mode, filter_config, action)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING created_at, updated_at`,
		r.ID, r.UserID, r.AgentID, r.CampaignID, r.RuleName, r.Description, r.IsActive, r.ExecutionMode,
		filterJSON, actionJSON)
	if err := row.Scan(&r.CreatedAt, &r.UpdatedAt); err != nil {
		return conflictWrap(err, "create rule %s", r.ID)
	}
	return nil
}

func (s *PostgresStore) GetAdSetRule(ctx context.Context, id string) (*AdSetRule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM ad_set_rules WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get rule %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListAdSetRules(ctx context.Context, f RuleFilter) ([]*AdSetRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM ad_set_rules
		 WHERE ($1 = '' OR user_id = $1)
		   AND ($2 = '' OR agent_id = $2)
		   AND ($3 = '' OR campaign_id = $3)
		   AND ($4 = '' OR execution_mode = $4)
		   AND (NOT $5 OR is_active)
		 ORDER BY created_at DESC`,
		f.UserID, f.AgentID, f.CampaignID, f.Mode, f.ActiveOnly)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	result := make([]*AdSetRule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UpdateAdSetRule(ctx context.Context, r *AdSetRule) error {
	filterJSON, err := json.Marshal(r.FilterConfig)
	if err != nil {
		return fmt.Errorf("marshal filter_config: %w", err)
	}
	actionJSON, err := json.Marshal(r.Action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ad_set_rules SET rule_name = $2, description = $3, is_active = $4, execution_mode = $5,
			filter_config = $6, action = $7, updated_at = NOW()
		 WHERE id = $1`,
		r.ID, r.RuleName, r.Description, r.IsActive, r.ExecutionMode, filterJSON, actionJSON)
	return execExpectOne(tag, err, "update rule %s", r.ID)
}

func (s *PostgresStore) RecordRuleRun(ctx context.Context, id string, stats RuleRunStats) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ad_set_rules SET last_executed_at = $2, execution_count = execution_count + 1,
			last_matched_count = $3, last_action = $4, updated_at = $2
		 WHERE id = $1`,
		id, stats.ExecutedAt, stats.MatchedCount, stats.LastAction)
	return execExpectOne(tag, err, "record rule run %s", id)
}

func (s *PostgresStore) DeleteAdSetRule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ad_set_rules WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete rule %s", id)
}

// --- Automated Rule Operations ---

const automatedColumns = `id, name, description, enabled, scope, action, conditions, schedule_interval_minutes,
	last_run_at, last_execution_result, created_at, updated_at`

func scanAutomated(row scannable) (*AutomatedRule, error) {
	var r AutomatedRule
	var condJSON, resultJSON []byte
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Enabled, &r.Scope, &r.Action, &condJSON,
		&r.ScheduleIntervalMinutes, &r.LastRunAt, &resultJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(condJSON, &r.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	if len(resultJSON) > 0 {
		var sum ExecutionSummary
		if err := json.Unmarshal(resultJSON, &sum); err != nil {
			return nil, fmt.Errorf("decode last_execution_result: %w", err)
		}
		r.LastExecutionResult = &sum
	}
	return &r, nil
}

func (s *PostgresStore) CreateAutomatedRuleIfAbsent(ctx context.Context, r *AutomatedRule) (bool, error) {
	condJSON, err := json.Marshal(r.Conditions)
	if err != nil {
		return false, fmt.Errorf("marshal conditions: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO automated_rules (id, name, description, enabled, scope, action, conditions, schedule_interval_minutes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name) DO NOTHING`,
		r.ID, r.Name, r.Description, r.Enabled, r.Scope, r.Action, condJSON, r.ScheduleIntervalMinutes)
	if err != nil {
		return false, fmt.Errorf("seed automated rule %s: %w", r.Name, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetAutomatedRule(ctx context.Context, id string) (*AutomatedRule, error) {
	r, err := scanAutomated(s.pool.QueryRow(ctx, `SELECT `+automatedColumns+` FROM automated_rules WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get automated rule %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListAutomatedRules(ctx context.Context) ([]*AutomatedRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+automatedColumns+` FROM automated_rules ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list automated rules: %w", err)
	}
	defer rows.Close()

	result := make([]*AutomatedRule, 0)
	for rows.Next() {
		r, err := scanAutomated(rows)
		if err != nil {
			return nil, fmt.Errorf("scan automated rule: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SetAutomatedRuleEnabled(ctx context.Context, id string, enabled bool) (*AutomatedRule, error) {
	r, err := scanAutomated(s.pool.QueryRow(ctx,
		`UPDATE automated_rules SET enabled = $2, updated_at = NOW() WHERE id = $1 RETURNING `+automatedColumns,
		id, enabled))
	if err != nil {
		return nil, notFoundWrap(err, "update automated rule %s", id)
	}
	return r, nil
}

func (s *PostgresStore) RecordAutomatedRun(ctx context.Context, id string, at time.Time, summary *ExecutionSummary) error {
	var resultJSON []byte
	if summary != nil {
		var err error
		if resultJSON, err = json.Marshal(summary); err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE automated_rules SET last_run_at = $2, last_execution_result = COALESCE($3, last_execution_result), updated_at = $2
		 WHERE id = $1`,
		id, at, resultJSON)
	return execExpectOne(tag, err, "record automated run %s", id)
}
