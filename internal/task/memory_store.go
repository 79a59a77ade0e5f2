package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	xerrors "EgoMarket/internal/errors"
)

// MemoryStore 以内存方式保存任务状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu           sync.RWMutex
	tasks        map[string]*Task
	transitions  map[string][]Transition
	bids         map[string][]*Bid
	deliverables map[string][]*Deliverable
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:        make(map[string]*Task),
		transitions:  make(map[string][]Transition),
		bids:         make(map[string][]*Bid),
		deliverables: make(map[string][]*Deliverable),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
	}
	if task.CreatedAt == 0 {
		task.CreatedAt = time.Now().Unix()
	}
	if task.UpdatedAt == 0 {
		task.UpdatedAt = task.CreatedAt
	}
	if task.EscrowStatus == "" {
		task.EscrowStatus = EscrowUnfunded
	}
	if task.Status == "" {
		task.Status = StatusOpen
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// ApplyTransition 实现 Store 接口。
func (m *MemoryStore) ApplyTransition(_ context.Context, id string, change Change) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if current.Status != change.Transition.From {
		return nil, xerrors.New(CodeTaskConflict,
			fmt.Sprintf("task %s is %s, expected %s", id, current.Status, change.Transition.From))
	}

	next := cloneTask(current)
	if change.Escrow != nil {
		if err := next.ApplyEscrow(*change.Escrow); err != nil {
			return nil, err
		}
	}

	var acceptedBid *Bid
	if change.AcceptBidID != "" {
		for _, bid := range m.bids[id] {
			if bid.Accepted {
				return nil, xerrors.New(CodeTaskConflict, fmt.Sprintf("task %s already has an accepted bid", id))
			}
			if bid.ID == change.AcceptBidID {
				acceptedBid = bid
			}
		}
		if acceptedBid == nil {
			return nil, ErrBidNotFound
		}
		next.Agent = acceptedBid.Agent
	}
	if change.AssignAgent != "" {
		next.Agent = change.AssignAgent
	}

	var latest *Deliverable
	if list := m.deliverables[id]; len(list) > 0 {
		latest = list[len(list)-1]
	}
	if change.Review != nil {
		if latest == nil || latest.Status != DeliverableSubmitted {
			return nil, xerrors.New(CodeTaskConflict, fmt.Sprintf("task %s has no deliverable awaiting review", id))
		}
	}

	next.Status = change.Transition.To
	next.Version++
	next.UpdatedAt = change.At

	// 所有校验通过后再落地副作用。
	if acceptedBid != nil {
		acceptedBid.Accepted = true
	}
	if change.Review != nil {
		latest.Status = change.Review.Status
		latest.Feedback = change.Review.Feedback
		latest.ReviewedAt = change.At
	}
	if change.Deliverable != nil {
		d := *change.Deliverable
		d.TaskID = id
		d.Revision = len(m.deliverables[id]) + 1
		d.Status = DeliverableSubmitted
		if d.CreatedAt == 0 {
			d.CreatedAt = change.At
		}
		m.deliverables[id] = append(m.deliverables[id], &d)
		*change.Deliverable = d
	}
	tr := change.Transition
	tr.TaskID = id
	tr.Seq = int64(len(m.transitions[id]) + 1)
	tr.At = change.At
	m.transitions[id] = append(m.transitions[id], tr)
	m.tasks[id] = next
	return cloneTask(next), nil
}

// UpdateEscrowRef 实现 Store 接口。
func (m *MemoryStore) UpdateEscrowRef(_ context.Context, id string, escrow EscrowChange, at int64) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	next := cloneTask(current)
	if err := next.ApplyEscrow(escrow); err != nil {
		return nil, err
	}
	next.Version++
	next.UpdatedAt = at
	m.tasks[id] = next
	return cloneTask(next), nil
}

// Archive 实现 Store 接口。
func (m *MemoryStore) Archive(_ context.Context, id string, at int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Archived = true
	task.Version++
	task.UpdatedAt = at
	return nil
}

// Transitions 实现 Store 接口。
func (m *MemoryStore) Transitions(_ context.Context, id string) ([]Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tasks[id]; !ok {
		return nil, ErrTaskNotFound
	}
	return append([]Transition(nil), m.transitions[id]...), nil
}

// CreateBid 实现 Store 接口。
func (m *MemoryStore) CreateBid(_ context.Context, bid *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[bid.TaskID]; !ok {
		return ErrTaskNotFound
	}
	for _, existing := range m.bids[bid.TaskID] {
		if existing.ID == bid.ID {
			return ErrTaskConflict
		}
	}
	clone := *bid
	m.bids[bid.TaskID] = append(m.bids[bid.TaskID], &clone)
	return nil
}

// GetBid 实现 Store 接口。
func (m *MemoryStore) GetBid(_ context.Context, taskID, bidID string) (*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, bid := range m.bids[taskID] {
		if bid.ID == bidID {
			clone := *bid
			return &clone, nil
		}
	}
	return nil, ErrBidNotFound
}

// ListBids 实现 Store 接口。
func (m *MemoryStore) ListBids(_ context.Context, taskID string) ([]*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Bid, 0, len(m.bids[taskID]))
	for _, bid := range m.bids[taskID] {
		clone := *bid
		out = append(out, &clone)
	}
	return out, nil
}

// ListDeliverables 实现 Store 接口，按修订号升序返回。
func (m *MemoryStore) ListDeliverables(_ context.Context, taskID string) ([]*Deliverable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Deliverable, 0, len(m.deliverables[taskID]))
	for _, d := range m.deliverables[taskID] {
		clone := *d
		out = append(out, &clone)
	}
	return out, nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if opts.Matches(task) {
			results = append(results, cloneTask(task))
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			if opts.Order == SortByUpdatedAsc {
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		if opts.Order == SortByUpdatedAsc {
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 汇总符合过滤条件的任务。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	opts.applyDefaults()
	stats := TaskStats{ByStatus: make(map[Status]int)}
	for _, task := range m.tasks {
		if opts.Matches(task) {
			stats.Add(task)
		}
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
