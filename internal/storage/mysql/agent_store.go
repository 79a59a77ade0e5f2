package mysql

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"EgoMarket/internal/agent"
	xerrors "EgoMarket/internal/errors"
)

const (
	selectAgentSQL = `SELECT id, address, ego_score, tier, completions, anomaly_score, under_attack, created_at, updated_at
    FROM agents WHERE id = ?`
	upsertAgentSQL = `INSERT INTO agents (id, address, created_at, updated_at) VALUES (?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE address = IF(VALUES(address) = '', address, VALUES(address))`
	updateAgentStatsSQL = `UPDATE agents SET ego_score = ?, tier = ?, completions = ?, anomaly_score = ?, under_attack = ?, updated_at = ?
    WHERE id = ?`

	insertEgoEventSQL = `INSERT INTO ego_events
    (id, agent_id, kind, task_id, counterparty, rating, amount, outcome, uptime, benchmark, suppressed, occurred_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectEgoEventsSQL = `SELECT id, agent_id, kind, task_id, counterparty, rating, amount, outcome, uptime, benchmark, suppressed, occurred_at
    FROM ego_events WHERE agent_id = ? ORDER BY occurred_at, id`

	insertSuspensionSQL = `INSERT INTO agent_suspensions (id, agent_id, reason, decision_id, starts_at, expires_at)
    VALUES (?, ?, ?, ?, ?, ?)`
	activeSuspensionSQL = `SELECT id, agent_id, reason, decision_id, starts_at, expires_at
    FROM agent_suspensions WHERE agent_id = ? AND starts_at <= ? AND expires_at > ?
    ORDER BY expires_at DESC LIMIT 1`
	selectSuspensionsSQL = `SELECT id, agent_id, reason, decision_id, starts_at, expires_at
    FROM agent_suspensions WHERE agent_id = ? ORDER BY starts_at, id`
)

// AgentStore 使用 MySQL 实现 agent.Store。时间字段以纳秒整数保存，
// 不依赖 DSN 的 parseTime 参数。
type AgentStore struct {
	db *sql.DB
}

// NewAgentStore 基于已迁移的连接池创建 AgentStore。
func NewAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: db}
}

// GetAgent 实现 agent.Store。
func (s *AgentStore) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	var a agent.Agent
	var underAttack int
	var created, updated int64
	err := s.db.QueryRowContext(ctx, selectAgentSQL, id).Scan(&a.ID, &a.Address, &a.EgoScore, &a.Tier,
		&a.Completions, &a.AnomalyScore, &underAttack, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, agent.ErrAgentNotFound
		}
		return nil, storageErr(err, "查询代理失败")
	}
	a.UnderAttack = underAttack == 1
	a.CreatedAt, a.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &a, nil
}

// UpsertAgent 实现 agent.Store。已存在时只更新非空地址。
func (s *AgentStore) UpsertAgent(ctx context.Context, a *agent.Agent) error {
	if a == nil || a.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
	}
	created := toNanos(a.CreatedAt)
	updated := toNanos(a.UpdatedAt)
	if updated == 0 {
		updated = created
	}
	if _, err := s.db.ExecContext(ctx, upsertAgentSQL, a.ID, a.Address, created, updated); err != nil {
		return storageErr(err, "写入代理失败")
	}
	return nil
}

// UpdateAgentStats 实现 agent.Store。
func (s *AgentStore) UpdateAgentStats(ctx context.Context, id string, stats agent.Stats, at time.Time) error {
	res, err := s.db.ExecContext(ctx, updateAgentStatsSQL, stats.EgoScore, stats.Tier, stats.Completions,
		stats.AnomalyScore, boolInt(stats.UnderAttack), toNanos(at), id)
	if err != nil {
		return storageErr(err, "更新代理统计失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return agent.ErrAgentNotFound
	}
	return nil
}

// RecordEgoEvent 实现 agent.Store。事件不可变，重复 ID 返回冲突。
func (s *AgentStore) RecordEgoEvent(ctx context.Context, e *agent.EgoEvent) error {
	if e == nil || e.ID == "" || e.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "信誉事件缺少 ID")
	}
	_, err := s.db.ExecContext(ctx, insertEgoEventSQL, e.ID, e.AgentID, string(e.Kind), e.TaskID, e.Counterparty,
		e.Rating, e.Value, e.Outcome, e.Uptime, e.Benchmark, boolInt(e.Suppressed), toNanos(e.OccurredAt))
	if err != nil {
		if isDuplicate(err) {
			return agent.ErrAgentConflict
		}
		return storageErr(err, "写入信誉事件失败")
	}
	return nil
}

// ListEgoEvents 实现 agent.Store，按发生时间升序返回。
func (s *AgentStore) ListEgoEvents(ctx context.Context, agentID string) ([]agent.EgoEvent, error) {
	rows, err := s.db.QueryContext(ctx, selectEgoEventsSQL, agentID)
	if err != nil {
		return nil, storageErr(err, "查询信誉事件失败")
	}
	defer rows.Close()

	var out []agent.EgoEvent
	for rows.Next() {
		var e agent.EgoEvent
		var kind string
		var suppressed int
		var at int64
		if err := rows.Scan(&e.ID, &e.AgentID, &kind, &e.TaskID, &e.Counterparty, &e.Rating, &e.Value,
			&e.Outcome, &e.Uptime, &e.Benchmark, &suppressed, &at); err != nil {
			return nil, storageErr(err, "解析信誉事件失败")
		}
		e.Kind = agent.EventKind(kind)
		e.Suppressed = suppressed == 1
		e.OccurredAt = fromNanos(at)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历信誉事件失败")
	}
	return out, nil
}

// SaveSuspension 实现 agent.Store。
func (s *AgentStore) SaveSuspension(ctx context.Context, susp *agent.Suspension) error {
	if susp == nil || susp.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "停权记录缺少代理 ID")
	}
	_, err := s.db.ExecContext(ctx, insertSuspensionSQL, susp.ID, susp.AgentID, susp.Reason, susp.DecisionID,
		toNanos(susp.StartsAt), toNanos(susp.ExpiresAt))
	if err != nil {
		if isDuplicate(err) {
			return agent.ErrAgentConflict
		}
		return storageErr(err, "写入停权记录失败")
	}
	return nil
}

// ActiveSuspension 实现 agent.Store。没有生效的停权时返回 nil, nil。
func (s *AgentStore) ActiveSuspension(ctx context.Context, agentID string, now time.Time) (*agent.Suspension, error) {
	ns := toNanos(now)
	susp, err := scanSuspension(s.db.QueryRowContext(ctx, activeSuspensionSQL, agentID, ns, ns))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr(err, "查询停权记录失败")
	}
	return susp, nil
}

// ListSuspensions 实现 agent.Store。
func (s *AgentStore) ListSuspensions(ctx context.Context, agentID string) ([]agent.Suspension, error) {
	rows, err := s.db.QueryContext(ctx, selectSuspensionsSQL, agentID)
	if err != nil {
		return nil, storageErr(err, "查询停权记录失败")
	}
	defer rows.Close()

	var out []agent.Suspension
	for rows.Next() {
		susp, err := scanSuspension(rows)
		if err != nil {
			return nil, storageErr(err, "解析停权记录失败")
		}
		out = append(out, *susp)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历停权记录失败")
	}
	return out, nil
}

// Close 关闭底层连接池。TaskStore 与 AgentStore 共享连接池时只需关闭其一。
func (s *AgentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanSuspension(row scanner) (*agent.Suspension, error) {
	var susp agent.Suspension
	var starts, expires int64
	if err := row.Scan(&susp.ID, &susp.AgentID, &susp.Reason, &susp.DecisionID, &starts, &expires); err != nil {
		return nil, err
	}
	susp.StartsAt, susp.ExpiresAt = fromNanos(starts), fromNanos(expires)
	return &susp, nil
}

var _ agent.Store = (*AgentStore)(nil)
