package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/itskum47/adpilot/control_plane/config"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore implements Store and LivenessStore using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, cfg config.Postgres) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations applies all pending goose migrations from the embedded SQL files.
func RunMigrations(ctx context.Context, dsn string) error {
	goose.SetBaseFS(migrations)

	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers.
type scannable interface {
	Scan(dest ...any) error
}

// nullIfEmpty returns nil for empty strings (for nullable FK columns).
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// pgTextArray converts a string slice to a pgx-compatible text array.
// nil slices become empty arrays to avoid SQL NULL.
func pgTextArray(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// notFoundWrap checks whether err is pgx.ErrNoRows and, if so, wraps
// ErrNotFound with the given message. Otherwise it wraps the original error.
func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// execExpectOne verifies that an Exec affected exactly one row. If not
// (and err is nil), it returns ErrNotFound with the given message.
func execExpectOne(tag pgconn.CommandTag, err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", msg, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", msg, ErrNotFound)
	}
	return nil
}

// conflictWrap maps unique violations to ErrConflict.
func conflictWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", msg, ErrConflict)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// --- User Operations ---

const userColumns = `id, email, password_hash, role, is_active, created_at`

func scanUser(row scannable) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO users (id, email, password_hash, role, is_active)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at`,
		u.ID, u.Email, u.PasswordHash, u.Role, u.IsActive)
	if err := row.Scan(&u.CreatedAt); err != nil {
		return conflictWrap(err, "create user %s", u.Email)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get user %s", id)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email))
	if err != nil {
		return nil, notFoundWrap(err, "get user by email")
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]*User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete user %s", id)
}

// --- Agent Operations ---

const agentColumns = `id, user_id, name, status, last_heartbeat_at, allowed_ips, base_url, token_hash, created_at, updated_at`

func scanAgent(row scannable) (*Agent, error) {
	var a Agent
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Status, &a.LastHeartbeatAt,
		&a.AllowedIPs, &a.BaseURL, &a.TokenHash, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, a *Agent) error {
	if a.Status == "" {
		a.Status = AgentOffline
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO agents (id, user_id, name, status, allowed_ips, base_url, token_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at, updated_at`,
		a.ID, a.UserID, a.Name, a.Status, pgTextArray(a.AllowedIPs), a.BaseURL, a.TokenHash)
	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return conflictWrap(err, "create agent %s", a.ID)
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get agent %s", id)
	}
	return a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, userID string) ([]*Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE ($1 = '' OR user_id = $1) ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := make([]*Agent, 0)
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) UpdateAgentProfile(ctx context.Context, a *Agent) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET name = $2, allowed_ips = $3, base_url = $4, updated_at = NOW() WHERE id = $1`,
		a.ID, a.Name, pgTextArray(a.AllowedIPs), a.BaseURL)
	return execExpectOne(tag, err, "update agent %s", a.ID)
}

func (s *PostgresStore) SetAgentTokenHash(ctx context.Context, id string, hash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET token_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	return execExpectOne(tag, err, "rotate agent token %s", id)
}

func (s *PostgresStore) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete agent %s", id)
}

// --- Liveness Operations ---

func (s *PostgresStore) MarkAgentOnline(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2, last_heartbeat_at = $3, updated_at = $3 WHERE id = $1`,
		id, AgentOnline, at)
	return execExpectOne(tag, err, "mark agent online %s", id)
}

func (s *PostgresStore) MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE agents SET status = $1, updated_at = NOW()
		 WHERE status = $2 AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $3)
		 RETURNING id`,
		AgentOffline, AgentOnline, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweep stale agents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("sweep stale agents: %w", err)
	}
	return ids, nil
}

// --- Ad Account Operations ---

const accountColumns = `id, user_id, agent_id, meta_ad_account_id, name, cred_ref, currency_code, is_active, created_at, updated_at`

func scanAccount(row scannable) (*AdAccount, error) {
	var acc AdAccount
	var agentID *string
	if err := row.Scan(&acc.ID, &acc.UserID, &agentID, &acc.MetaAdAccountID, &acc.Name,
		&acc.CredRef, &acc.CurrencyCode, &acc.IsActive, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, err
	}
	acc.AgentID = derefString(agentID)
	return &acc, nil
}

func (s *PostgresStore) queryAccounts(ctx context.Context, query string, args ...any) ([]*AdAccount, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ad accounts: %w", err)
	}
	defer rows.Close()

	accounts := make([]*AdAccount, 0)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ad account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) CreateAdAccount(ctx context.Context, acc *AdAccount) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO ad_accounts (id, user_id, agent_id, meta_ad_account_id, name, cred_ref, currency_code, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING created_at, updated_at`,
		acc.ID, acc.UserID, nullIfEmpty(acc.AgentID), acc.MetaAdAccountID, acc.Name,
		acc.CredRef, acc.CurrencyCode, acc.IsActive)
	if err := row.Scan(&acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return conflictWrap(err, "create ad account %s", acc.ID)
	}
	return nil
}

func (s *PostgresStore) GetAdAccount(ctx context.Context, id string) (*AdAccount, error) {
	acc, err := scanAccount(s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM ad_accounts WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get ad account %s", id)
	}
	return acc, nil
}

func (s *PostgresStore) ListAdAccounts(ctx context.Context, userID string) ([]*AdAccount, error) {
	return s.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM ad_accounts WHERE ($1 = '' OR user_id = $1) ORDER BY created_at`, userID)
}

func (s *PostgresStore) ListAdAccountsByAgent(ctx context.Context, agentID string, activeOnly bool) ([]*AdAccount, error) {
	return s.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM ad_accounts
		 WHERE agent_id = $1 AND (NOT $2 OR is_active) ORDER BY created_at`, agentID, activeOnly)
}

func (s *PostgresStore) ListActiveAdAccounts(ctx context.Context) ([]*AdAccount, error) {
	return s.queryAccounts(ctx,
		`SELECT `+accountColumns+` FROM ad_accounts WHERE is_active ORDER BY created_at`)
}

// --- Entity Operations ---

const entityColumns = `id, kind, user_id, ad_account_id, meta_id, name, status, created_at`

func scanEntity(row scannable) (*Entity, error) {
	var e Entity
	if err := row.Scan(&e.ID, &e.Kind, &e.UserID, &e.AdAccountID, &e.MetaID, &e.Name, &e.Status, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) EnsureEntity(ctx context.Context, e *Entity) (*Entity, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entities (id, kind, user_id, ad_account_id, meta_id, name, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Kind, e.UserID, e.AdAccountID, e.MetaID, e.Name, e.Status)
	if err != nil {
		return nil, fmt.Errorf("ensure entity %s: %w", e.ID, err)
	}
	stored, err := scanEntity(s.pool.QueryRow(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = $1`, e.ID))
	if err != nil {
		return nil, notFoundWrap(err, "get entity %s", e.ID)
	}
	return stored, nil
}

func (s *PostgresStore) GetEntityByMetaID(ctx context.Context, accountID, kind, metaID string) (*Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE ad_account_id = $1 AND kind = $2 AND meta_id = $3 LIMIT 1`,
		accountID, kind, metaID))
	if err != nil {
		return nil, notFoundWrap(err, "get %s %s", strings.ToLower(kind), metaID)
	}
	return e, nil
}
