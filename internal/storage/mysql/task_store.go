package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/task"
)

const taskColumns = `id, title, description, creator, agent, budget, status, escrow_ref, escrow_tx_id, escrow_status,
    deadline_height, parent_id, archived, version, created_at, updated_at`

const (
	insertTaskSQL = `INSERT INTO tasks (` + taskColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectTaskSQL          = `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	selectTaskForUpdateSQL = selectTaskSQL + ` FOR UPDATE`
	updateTaskSQL          = `UPDATE tasks SET agent = ?, status = ?, escrow_ref = ?, escrow_tx_id = ?, escrow_status = ?,
    version = ?, updated_at = ? WHERE id = ? AND version = ?`
	archiveTaskSQL = `UPDATE tasks SET archived = 1, version = version + 1, updated_at = ? WHERE id = ?`

	insertTransitionSQL = `INSERT INTO task_transitions
    (task_id, seq, from_status, to_status, action, actor, role, reason, occurred_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	nextTransitionSeqSQL = `SELECT COALESCE(MAX(seq), 0) + 1 FROM task_transitions WHERE task_id = ?`
	selectTransitionsSQL = `SELECT task_id, seq, from_status, to_status, action, actor, role, reason, occurred_at
    FROM task_transitions WHERE task_id = ? ORDER BY seq`

	insertBidSQL = `INSERT INTO task_bids (id, task_id, agent, rate, message, accepted, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?)`
	selectBidsSQL = `SELECT id, task_id, agent, rate, message, accepted, created_at
    FROM task_bids WHERE task_id = ? ORDER BY created_at, id`
	selectBidsForUpdateSQL = selectBidsSQL + ` FOR UPDATE`
	selectBidSQL           = `SELECT id, task_id, agent, rate, message, accepted, created_at
    FROM task_bids WHERE task_id = ? AND id = ?`
	acceptBidSQL = `UPDATE task_bids SET accepted = 1 WHERE task_id = ? AND id = ?`

	insertDeliverableSQL = `INSERT INTO task_deliverables
    (id, task_id, agent, revision, content, status, feedback, created_at, reviewed_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	selectDeliverablesSQL = `SELECT id, task_id, agent, revision, content, status, feedback, created_at, reviewed_at
    FROM task_deliverables WHERE task_id = ? ORDER BY revision`
	latestDeliverableSQL = `SELECT id, task_id, agent, revision, content, status, feedback, created_at, reviewed_at
    FROM task_deliverables WHERE task_id = ? ORDER BY revision DESC LIMIT 1 FOR UPDATE`
	reviewDeliverableSQL = `UPDATE task_deliverables SET status = ?, feedback = ?, reviewed_at = ?
    WHERE task_id = ? AND revision = ?`
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// TaskStore 使用 MySQL 实现 task.Store。状态迁移在单个事务内完成：
// 先以 FOR UPDATE 锁定任务行，再按版本号条件更新。
type TaskStore struct {
	db *sql.DB
}

// NewTaskStore 基于已迁移的连接池创建 TaskStore。
func NewTaskStore(db *sql.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Create 实现 task.Store。
func (s *TaskStore) Create(ctx context.Context, t *task.Task) error {
	if t == nil || t.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if t.Status == "" {
		t.Status = task.StatusOpen
	}
	if t.EscrowStatus == "" {
		t.EscrowStatus = task.EscrowUnfunded
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = t.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, insertTaskSQL,
		t.ID, t.Title, t.Description, t.Creator, t.Agent, t.Budget, string(t.Status),
		t.EscrowRef, t.EscrowTxID, string(t.EscrowStatus), t.DeadlineHeight, t.ParentID,
		boolInt(t.Archived), t.Version, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return task.ErrTaskConflict
		}
		return storageErr(err, "写入任务失败")
	}
	return nil
}

// Get 实现 task.Store。
func (s *TaskStore) Get(ctx context.Context, id string) (*task.Task, error) {
	return getTask(ctx, s.db, selectTaskSQL, id)
}

func getTask(ctx context.Context, q queryer, query, id string) (*task.Task, error) {
	t, err := scanTask(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, storageErr(err, "查询任务失败")
	}
	return t, nil
}

// ApplyTransition 实现 task.Store。
func (s *TaskStore) ApplyTransition(ctx context.Context, id string, change task.Change) (*task.Task, error) {
	var result *task.Task
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := getTask(ctx, tx, selectTaskForUpdateSQL, id)
		if err != nil {
			return err
		}
		if current.Status != change.Transition.From {
			return xerrors.New(task.CodeTaskConflict,
				fmt.Sprintf("task %s is %s, expected %s", id, current.Status, change.Transition.From))
		}

		next := *current
		if change.Escrow != nil {
			if err := next.ApplyEscrow(*change.Escrow); err != nil {
				return err
			}
		}

		if change.AcceptBidID != "" {
			bid, err := lockAcceptableBid(ctx, tx, id, change.AcceptBidID)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, acceptBidSQL, id, bid.ID); err != nil {
				return storageErr(err, "更新报价失败")
			}
			next.Agent = bid.Agent
		}
		if change.AssignAgent != "" {
			next.Agent = change.AssignAgent
		}

		if change.Review != nil {
			latest, err := scanDeliverable(tx.QueryRowContext(ctx, latestDeliverableSQL, id))
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return storageErr(err, "查询交付物失败")
			}
			if latest == nil || latest.Status != task.DeliverableSubmitted {
				return xerrors.New(task.CodeTaskConflict, fmt.Sprintf("task %s has no deliverable awaiting review", id))
			}
			if _, err := tx.ExecContext(ctx, reviewDeliverableSQL,
				string(change.Review.Status), change.Review.Feedback, change.At, id, latest.Revision); err != nil {
				return storageErr(err, "更新交付物失败")
			}
		}

		next.Status = change.Transition.To
		next.Version = current.Version + 1
		next.UpdatedAt = change.At
		if err := updateTask(ctx, tx, &next, current.Version); err != nil {
			return err
		}

		if change.Deliverable != nil {
			d := *change.Deliverable
			d.TaskID = id
			d.Status = task.DeliverableSubmitted
			if d.CreatedAt == 0 {
				d.CreatedAt = change.At
			}
			revision, err := nextRevision(ctx, tx, id)
			if err != nil {
				return err
			}
			d.Revision = revision
			if _, err := tx.ExecContext(ctx, insertDeliverableSQL,
				d.ID, d.TaskID, d.Agent, d.Revision, d.Content, string(d.Status), d.Feedback, d.CreatedAt, d.ReviewedAt); err != nil {
				return storageErr(err, "写入交付物失败")
			}
			*change.Deliverable = d
		}

		tr := change.Transition
		tr.TaskID = id
		tr.At = change.At
		if err := tx.QueryRowContext(ctx, nextTransitionSeqSQL, id).Scan(&tr.Seq); err != nil {
			return storageErr(err, "分配迁移序号失败")
		}
		if _, err := tx.ExecContext(ctx, insertTransitionSQL,
			tr.TaskID, tr.Seq, string(tr.From), string(tr.To), string(tr.Action), tr.Actor, string(tr.Role), tr.Reason, tr.At); err != nil {
			if isDuplicate(err) {
				return task.ErrTaskConflict
			}
			return storageErr(err, "写入迁移日志失败")
		}
		result = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func lockAcceptableBid(ctx context.Context, tx *sql.Tx, taskID, bidID string) (*task.Bid, error) {
	bids, err := queryBids(ctx, tx, selectBidsForUpdateSQL, taskID)
	if err != nil {
		return nil, err
	}
	var found *task.Bid
	for _, bid := range bids {
		if bid.Accepted {
			return nil, xerrors.New(task.CodeTaskConflict, fmt.Sprintf("task %s already has an accepted bid", taskID))
		}
		if bid.ID == bidID {
			found = bid
		}
	}
	if found == nil {
		return nil, task.ErrBidNotFound
	}
	return found, nil
}

func nextRevision(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_deliverables WHERE task_id = ?`, taskID).Scan(&n); err != nil {
		return 0, storageErr(err, "统计交付物失败")
	}
	return n + 1, nil
}

func updateTask(ctx context.Context, q queryer, t *task.Task, expectedVersion int64) error {
	res, err := q.ExecContext(ctx, updateTaskSQL,
		t.Agent, string(t.Status), t.EscrowRef, t.EscrowTxID, string(t.EscrowStatus),
		t.Version, t.UpdatedAt, t.ID, expectedVersion)
	if err != nil {
		return storageErr(err, "更新任务失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "读取更新结果失败")
	}
	if affected == 0 {
		return task.ErrTaskConflict
	}
	return nil
}

// UpdateEscrowRef 实现 task.Store。
func (s *TaskStore) UpdateEscrowRef(ctx context.Context, id string, escrow task.EscrowChange, at int64) (*task.Task, error) {
	var result *task.Task
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := getTask(ctx, tx, selectTaskForUpdateSQL, id)
		if err != nil {
			return err
		}
		next := *current
		if err := next.ApplyEscrow(escrow); err != nil {
			return err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = at
		if err := updateTask(ctx, tx, &next, current.Version); err != nil {
			return err
		}
		result = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Archive 实现 task.Store。
func (s *TaskStore) Archive(ctx context.Context, id string, at int64) error {
	res, err := s.db.ExecContext(ctx, archiveTaskSQL, at, id)
	if err != nil {
		return storageErr(err, "归档任务失败")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return task.ErrTaskNotFound
	}
	return nil
}

// Transitions 实现 task.Store。
func (s *TaskStore) Transitions(ctx context.Context, id string) ([]task.Transition, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectTransitionsSQL, id)
	if err != nil {
		return nil, storageErr(err, "查询迁移日志失败")
	}
	defer rows.Close()

	var out []task.Transition
	for rows.Next() {
		var tr task.Transition
		var from, to, action, role string
		if err := rows.Scan(&tr.TaskID, &tr.Seq, &from, &to, &action, &tr.Actor, &role, &tr.Reason, &tr.At); err != nil {
			return nil, storageErr(err, "解析迁移日志失败")
		}
		tr.From, tr.To = task.Status(from), task.Status(to)
		tr.Action, tr.Role = task.Action(action), task.Role(role)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历迁移日志失败")
	}
	return out, nil
}

// CreateBid 实现 task.Store。
func (s *TaskStore) CreateBid(ctx context.Context, bid *task.Bid) error {
	if _, err := s.Get(ctx, bid.TaskID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, insertBidSQL,
		bid.ID, bid.TaskID, bid.Agent, bid.Rate, bid.Message, boolInt(bid.Accepted), bid.CreatedAt)
	if err != nil {
		if isDuplicate(err) {
			return task.ErrTaskConflict
		}
		return storageErr(err, "写入报价失败")
	}
	return nil
}

// GetBid 实现 task.Store。
func (s *TaskStore) GetBid(ctx context.Context, taskID, bidID string) (*task.Bid, error) {
	bid, err := scanBid(s.db.QueryRowContext(ctx, selectBidSQL, taskID, bidID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrBidNotFound
		}
		return nil, storageErr(err, "查询报价失败")
	}
	return bid, nil
}

// ListBids 实现 task.Store。
func (s *TaskStore) ListBids(ctx context.Context, taskID string) ([]*task.Bid, error) {
	return queryBids(ctx, s.db, selectBidsSQL, taskID)
}

func queryBids(ctx context.Context, q queryer, query, taskID string) ([]*task.Bid, error) {
	rows, err := q.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, storageErr(err, "查询报价失败")
	}
	defer rows.Close()

	out := make([]*task.Bid, 0)
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, storageErr(err, "解析报价失败")
		}
		out = append(out, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历报价失败")
	}
	return out, nil
}

// ListDeliverables 实现 task.Store，按修订号升序返回。
func (s *TaskStore) ListDeliverables(ctx context.Context, taskID string) ([]*task.Deliverable, error) {
	rows, err := s.db.QueryContext(ctx, selectDeliverablesSQL, taskID)
	if err != nil {
		return nil, storageErr(err, "查询交付物失败")
	}
	defer rows.Close()

	out := make([]*task.Deliverable, 0)
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, storageErr(err, "解析交付物失败")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历交付物失败")
	}
	return out, nil
}

// List 实现 task.Store。
func (s *TaskStore) List(ctx context.Context, opts task.ListOptions) ([]*task.Task, error) {
	opts = task.BuildListOptions(func(o *task.ListOptions) { *o = opts })
	where, args := buildFilters(opts)
	order := "updated_at DESC, created_at DESC, id"
	if opts.Order == task.SortByUpdatedAsc {
		order = "updated_at ASC, created_at ASC, id"
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + where + ` ORDER BY ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)
	return s.queryTasks(ctx, query, args...)
}

// Stats 实现 task.Store。
func (s *TaskStore) Stats(ctx context.Context, opts task.ListOptions) (task.TaskStats, error) {
	opts = task.BuildListOptions(func(o *task.ListOptions) { *o = opts })
	where, args := buildFilters(opts)
	tasks, err := s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks`+where, args...)
	if err != nil {
		return task.TaskStats{}, err
	}
	stats := task.TaskStats{ByStatus: make(map[task.Status]int)}
	for _, t := range tasks {
		stats.Add(t)
	}
	return stats, nil
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err, "查询任务列表失败")
	}
	defer rows.Close()

	out := make([]*task.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, storageErr(err, "解析任务失败")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历任务失败")
	}
	return out, nil
}

func buildFilters(opts task.ListOptions) (string, []any) {
	var clauses []string
	var args []any
	if !opts.IncludeArchived {
		clauses = append(clauses, "archived = 0")
	}
	if len(opts.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(opts.Statuses))+")")
		for _, st := range opts.Statuses {
			args = append(args, string(st))
		}
	}
	if opts.Creator != "" {
		clauses = append(clauses, "creator = ?")
		args = append(args, opts.Creator)
	}
	if opts.Agent != "" {
		clauses = append(clauses, "agent = ?")
		args = append(args, opts.Agent)
	}
	if opts.ParentID != "" {
		clauses = append(clauses, "parent_id = ?")
		args = append(args, opts.ParentID)
	}
	if opts.UpdatedGTE > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		like := "%" + strings.ToLower(opts.Query) + "%"
		clauses = append(clauses, "(LOWER(title) LIKE ? OR LOWER(description) LIKE ?)")
		args = append(args, like, like)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Close 关闭底层连接池。
func (s *TaskStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var status, escrowStatus string
	var archived int
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Creator, &t.Agent, &t.Budget, &status,
		&t.EscrowRef, &t.EscrowTxID, &escrowStatus, &t.DeadlineHeight, &t.ParentID,
		&archived, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.EscrowStatus = task.EscrowStatus(escrowStatus)
	t.Archived = archived == 1
	return &t, nil
}

func scanBid(row scanner) (*task.Bid, error) {
	var bid task.Bid
	var accepted int
	if err := row.Scan(&bid.ID, &bid.TaskID, &bid.Agent, &bid.Rate, &bid.Message, &accepted, &bid.CreatedAt); err != nil {
		return nil, err
	}
	bid.Accepted = accepted == 1
	return &bid, nil
}

func scanDeliverable(row scanner) (*task.Deliverable, error) {
	var d task.Deliverable
	var status string
	if err := row.Scan(&d.ID, &d.TaskID, &d.Agent, &d.Revision, &d.Content, &status, &d.Feedback, &d.CreatedAt, &d.ReviewedAt); err != nil {
		return nil, err
	}
	d.Status = task.DeliverableStatus(status)
	return &d, nil
}

var _ task.Store = (*TaskStore)(nil)
