package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore holds all records in process memory.
// It implements Store and LivenessStore. Every getter returns a copy.
type MemoryStore struct {
	mu         sync.RWMutex
	users      map[string]*User
	agents     map[string]*Agent
	accounts   map[string]*AdAccount
	commands   map[string]*Command
	cmdByKey   map[string]string // user id + idempotency key -> command id
	cmdOrder   []string          // insertion order, oldest first
	results    map[string]*CommandResult
	rules      map[string]*AdSetRule
	automated  map[string]*AutomatedRule
	snapshots  map[string]*MetricSnapshot
	dailies    map[string]*DailyMetric
	entities   map[string]*Entity
	accountSeq int
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*User),
		agents:    make(map[string]*Agent),
		accounts:  make(map[string]*AdAccount),
		commands:  make(map[string]*Command),
		cmdByKey:  make(map[string]string),
		results:   make(map[string]*CommandResult),
		rules:     make(map[string]*AdSetRule),
		automated: make(map[string]*AutomatedRule),
		snapshots: make(map[string]*MetricSnapshot),
		dailies:   make(map[string]*DailyMetric),
		entities:  make(map[string]*Entity),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// --- User Operations ---

func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("email %s: %w", u.Email, ErrConflict)
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	userCopy := *u
	s.users[u.ID] = &userCopy
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	userCopy := *u
	return &userCopy, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			userCopy := *u
			return &userCopy, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", email, ErrNotFound)
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		userCopy := *u
		result = append(result, &userCopy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	delete(s.users, id)
	return nil
}

// --- Agent Operations ---

func cloneAgent(a *Agent) *Agent {
	agentCopy := *a
	agentCopy.AllowedIPs = append([]string(nil), a.AllowedIPs...)
	if a.LastHeartbeatAt != nil {
		t := *a.LastHeartbeatAt
		agentCopy.LastHeartbeatAt = &t
	}
	return &agentCopy
}

func (s *MemoryStore) CreateAgent(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("agent %s: %w", a.ID, ErrConflict)
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = AgentOffline
	}
	s.agents[a.ID] = cloneAgent(a)
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return cloneAgent(a), nil
}

func (s *MemoryStore) ListAgents(ctx context.Context, userID string) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		if userID != "" && a.UserID != userID {
			continue
		}
		result = append(result, cloneAgent(a))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) UpdateAgentProfile(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.agents[a.ID]
	if !ok {
		return fmt.Errorf("agent %s: %w", a.ID, ErrNotFound)
	}
	existing.Name = a.Name
	existing.AllowedIPs = append([]string(nil), a.AllowedIPs...)
	existing.BaseURL = a.BaseURL
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetAgentTokenHash(ctx context.Context, id string, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	a.TokenHash = hash
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	delete(s.agents, id)
	for _, acc := range s.accounts {
		if acc.AgentID == id {
			acc.AgentID = ""
		}
	}
	return nil
}

// --- Liveness Operations ---

func (s *MemoryStore) MarkAgentOnline(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	t := at
	a.Status = AgentOnline
	a.LastHeartbeatAt = &t
	a.UpdatedAt = at
	return nil
}

func (s *MemoryStore) MarkStaleAgentsOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var demoted []string
	for id, a := range s.agents {
		if a.Status != AgentOnline {
			continue
		}
		if a.LastHeartbeatAt == nil || a.LastHeartbeatAt.Before(cutoff) {
			a.Status = AgentOffline
			a.UpdatedAt = time.Now().UTC()
			demoted = append(demoted, id)
		}
	}
	sort.Strings(demoted)
	return demoted, nil
}

// --- Ad Account Operations ---

func (s *MemoryStore) CreateAdAccount(ctx context.Context, acc *AdAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acc.ID]; ok {
		return fmt.Errorf("ad account %s: %w", acc.ID, ErrConflict)
	}
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		// Keep creation order stable for accounts created within the same tick.
		s.accountSeq++
		acc.CreatedAt = now.Add(time.Duration(s.accountSeq))
	}
	acc.UpdatedAt = now
	accCopy := *acc
	s.accounts[acc.ID] = &accCopy
	return nil
}

func (s *MemoryStore) GetAdAccount(ctx context.Context, id string) (*AdAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("ad account %s: %w", id, ErrNotFound)
	}
	accCopy := *acc
	return &accCopy, nil
}

func (s *MemoryStore) listAccounts(keep func(*AdAccount) bool) []*AdAccount {
	result := make([]*AdAccount, 0)
	for _, acc := range s.accounts {
		if keep(acc) {
			accCopy := *acc
			result = append(result, &accCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

func (s *MemoryStore) ListAdAccounts(ctx context.Context, userID string) ([]*AdAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAccounts(func(a *AdAccount) bool { return userID == "" || a.UserID == userID }), nil
}

func (s *MemoryStore) ListAdAccountsByAgent(ctx context.Context, agentID string, activeOnly bool) ([]*AdAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAccounts(func(a *AdAccount) bool {
		return a.AgentID == agentID && (!activeOnly || a.IsActive)
	}), nil
}

func (s *MemoryStore) ListActiveAdAccounts(ctx context.Context) ([]*AdAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAccounts(func(a *AdAccount) bool { return a.IsActive }), nil
}

// --- Command Operations ---

func cloneCommand(c *Command) *Command {
	cmdCopy := *c
	if c.Payload != nil {
		cmdCopy.Payload = make(map[string]any, len(c.Payload))
		for k, v := range c.Payload {
			cmdCopy.Payload[k] = v
		}
	}
	return &cmdCopy
}

func (s *MemoryStore) CreateCommandIfAbsent(ctx context.Context, cmd *Command) (*Command, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := cmd.UserID + "\x00" + cmd.IdempotencyKey
	if id, ok := s.cmdByKey[key]; ok {
		return cloneCommand(s.commands[id]), false, nil
	}
	if _, ok := s.commands[cmd.ID]; ok {
		return nil, false, fmt.Errorf("command %s: %w", cmd.ID, ErrConflict)
	}
	now := time.Now().UTC()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	if cmd.Status == "" {
		cmd.Status = CommandQueued
	}
	s.commands[cmd.ID] = cloneCommand(cmd)
	s.cmdByKey[key] = cmd.ID
	s.cmdOrder = append(s.cmdOrder, cmd.ID)
	return cloneCommand(cmd), true, nil
}

func (s *MemoryStore) GetCommand(ctx context.Context, id string) (*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commands[id]
	if !ok {
		return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	return cloneCommand(c), nil
}

// ListCommands returns matching commands newest first.
func (s *MemoryStore) ListCommands(ctx context.Context, f CommandFilter) ([]*Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Command, 0)
	for i := len(s.cmdOrder) - 1; i >= 0; i-- {
		c := s.commands[s.cmdOrder[i]]
		if f.UserID != "" && c.UserID != f.UserID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		result = append(result, cloneCommand(c))
		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) CountCommandsByStatus(ctx context.Context, userID string, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, c := range s.commands {
		if (userID == "" || c.UserID == userID) && c.Status == status {
			count++
		}
	}
	return count, nil
}

// ClaimQueuedCommands runs under the write lock so two concurrent pulls
// can never claim the same command.
func (s *MemoryStore) ClaimQueuedCommands(ctx context.Context, accountIDs []string, limit int) ([]*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]struct{}, len(accountIDs))
	for _, id := range accountIDs {
		wanted[id] = struct{}{}
	}

	now := time.Now().UTC()
	claimed := make([]*Command, 0)
	for _, id := range s.cmdOrder {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		c := s.commands[id]
		if c.Status != CommandQueued {
			continue
		}
		if _, ok := wanted[c.AdAccountID]; !ok {
			continue
		}
		c.Status = CommandRunning
		c.UpdatedAt = now
		claimed = append(claimed, cloneCommand(c))
	}
	return claimed, nil
}

func (s *MemoryStore) FinishCommand(ctx context.Context, id string, status string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[id]
	if !ok {
		return false, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	if c.IsTerminal() {
		return false, nil
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) UpsertCommandResult(ctx context.Context, r *CommandResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.commands[r.CommandID]; !ok {
		return fmt.Errorf("command %s: %w", r.CommandID, ErrNotFound)
	}
	r.UpdatedAt = time.Now().UTC()
	resCopy := *r
	s.results[r.CommandID] = &resCopy
	return nil
}

func (s *MemoryStore) GetCommandResult(ctx context.Context, commandID string) (*CommandResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[commandID]
	if !ok {
		return nil, fmt.Errorf("result for %s: %w", commandID, ErrNotFound)
	}
	resCopy := *r
	return &resCopy, nil
}

// --- Ad-Set Rule Operations ---

func cloneRule(r *AdSetRule) *AdSetRule {
	ruleCopy := *r
	ruleCopy.FilterConfig.Conditions = append([]Condition(nil), r.FilterConfig.Conditions...)
	if r.LastExecutedAt != nil {
		t := *r.LastExecutedAt
		ruleCopy.LastExecutedAt = &t
	}
	return &ruleCopy
}

func (s *MemoryStore) CreateAdSetRule(ctx context.Context, r *AdSetRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[r.ID]; ok {
		return fmt.Errorf("rule %s: %w", r.ID, ErrConflict)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.rules[r.ID] = cloneRule(r)
	return nil
}

func (s *MemoryStore) GetAdSetRule(ctx context.Context, id string) (*AdSetRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return cloneRule(r), nil
}

func (s *MemoryStore) ListAdSetRules(ctx context.Context, f RuleFilter) ([]*AdSetRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*AdSetRule, 0)
	for _, r := range s.rules {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.AgentID != "" && r.AgentID != f.AgentID {
			continue
		}
		if f.CampaignID != "" && r.CampaignID != f.CampaignID {
			continue
		}
		if f.Mode != "" && r.ExecutionMode != f.Mode {
			continue
		}
		if f.ActiveOnly && !r.IsActive {
			continue
		}
		result = append(result, cloneRule(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) UpdateAdSetRule(ctx context.Context, r *AdSetRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[r.ID]
	if !ok {
		return fmt.Errorf("rule %s: %w", r.ID, ErrNotFound)
	}
	existing.RuleName = r.RuleName
	existing.Description = r.Description
	existing.IsActive = r.IsActive
	existing.ExecutionMode = r.ExecutionMode
	existing.FilterConfig = FilterConfig{
		Conditions:      append([]Condition(nil), r.FilterConfig.Conditions...),
		LogicalOperator: r.FilterConfig.LogicalOperator,
	}
	existing.Action = r.Action
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RecordRuleRun(ctx context.Context, id string, stats RuleRunStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	t := stats.ExecutedAt
	r.LastExecutedAt = &t
	r.ExecutionCount++
	r.LastMatchedCount = stats.MatchedCount
	r.LastAction = stats.LastAction
	r.UpdatedAt = stats.ExecutedAt
	return nil
}

func (s *MemoryStore) DeleteAdSetRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	delete(s.rules, id)
	return nil
}

// --- Automated Rule Operations ---

func cloneAutomated(r *AutomatedRule) *AutomatedRule {
	ruleCopy := *r
	if r.LastRunAt != nil {
		t := *r.LastRunAt
		ruleCopy.LastRunAt = &t
	}
	if r.LastExecutionResult != nil {
		sum := *r.LastExecutionResult
		sum.PausedAds = append([]PausedAd(nil), r.LastExecutionResult.PausedAds...)
		ruleCopy.LastExecutionResult = &sum
	}
	return &ruleCopy
}

func (s *MemoryStore) CreateAutomatedRuleIfAbsent(ctx context.Context, r *AutomatedRule) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.automated {
		if existing.Name == r.Name {
			return false, nil
		}
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.automated[r.ID] = cloneAutomated(r)
	return true, nil
}

func (s *MemoryStore) GetAutomatedRule(ctx context.Context, id string) (*AutomatedRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.automated[id]
	if !ok {
		return nil, fmt.Errorf("automated rule %s: %w", id, ErrNotFound)
	}
	return cloneAutomated(r), nil
}

func (s *MemoryStore) ListAutomatedRules(ctx context.Context) ([]*AutomatedRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*AutomatedRule, 0, len(s.automated))
	for _, r := range s.automated {
		result = append(result, cloneAutomated(r))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) SetAutomatedRuleEnabled(ctx context.Context, id string, enabled bool) (*AutomatedRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.automated[id]
	if !ok {
		return nil, fmt.Errorf("automated rule %s: %w", id, ErrNotFound)
	}
	r.Enabled = enabled
	r.UpdatedAt = time.Now().UTC()
	return cloneAutomated(r), nil
}

func (s *MemoryStore) RecordAutomatedRun(ctx context.Context, id string, at time.Time, summary *ExecutionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.automated[id]
	if !ok {
		return fmt.Errorf("automated rule %s: %w", id, ErrNotFound)
	}
	t := at
	r.LastRunAt = &t
	if summary != nil {
		sum := *summary
		sum.PausedAds = append([]PausedAd(nil), summary.PausedAds...)
		r.LastExecutionResult = &sum
	}
	r.UpdatedAt = at
	return nil
}

// --- Metric Operations ---

func (s *MemoryStore) InsertSnapshot(ctx context.Context, snap *MetricSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapCopy := *snap
	s.snapshots[snap.ID] = &snapCopy
	return nil
}

// ListSnapshotsBefore returns the oldest snapshots with TS < cutoff.
func (s *MemoryStore) ListSnapshotsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*MetricSnapshot, 0)
	for _, snap := range s.snapshots {
		if snap.TS.Before(cutoff) {
			snapCopy := *snap
			result = append(result, &snapCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TS.Equal(result[j].TS) {
			return result[i].ID < result[j].ID
		}
		return result[i].TS.Before(result[j].TS)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) FoldSnapshots(ctx context.Context, rollups []*DailyMetric, snapshotIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range rollups {
		if existing, ok := s.dailies[d.ID]; ok {
			existing.MetricCounters.Add(d.MetricCounters)
			continue
		}
		dCopy := *d
		s.dailies[d.ID] = &dCopy
	}
	for _, id := range snapshotIDs {
		delete(s.snapshots, id)
	}
	return nil
}

func (s *MemoryStore) ListSnapshotsForAd(ctx context.Context, accountID, adID string, since time.Time) ([]*MetricSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*MetricSnapshot, 0)
	for _, snap := range s.snapshots {
		if snap.AdAccountID == accountID && snap.AdID == adID && !snap.TS.Before(since) {
			snapCopy := *snap
			result = append(result, &snapCopy)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListDailyMetricsForAd(ctx context.Context, accountID, adID string, since time.Time) ([]*DailyMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*DailyMetric, 0)
	for _, d := range s.dailies {
		if d.AdAccountID == accountID && d.AdID == adID && !d.Date.Before(since) {
			dCopy := *d
			result = append(result, &dCopy)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetDailyMetric(ctx context.Context, id string) (*DailyMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.dailies[id]
	if !ok {
		return nil, fmt.Errorf("daily metric %s: %w", id, ErrNotFound)
	}
	dCopy := *d
	return &dCopy, nil
}

// --- Entity Operations ---

func (s *MemoryStore) EnsureEntity(ctx context.Context, e *Entity) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entities[e.ID]; ok {
		entCopy := *existing
		return &entCopy, nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	entCopy := *e
	s.entities[e.ID] = &entCopy
	out := entCopy
	return &out, nil
}

func (s *MemoryStore) GetEntityByMetaID(ctx context.Context, accountID, kind, metaID string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entities {
		if e.AdAccountID == accountID && e.Kind == kind && e.MetaID == metaID {
			entCopy := *e
			return &entCopy, nil
		}
	}
	return nil, fmt.Errorf("%s %s: %w", strings.ToLower(kind), metaID, ErrNotFound)
}
