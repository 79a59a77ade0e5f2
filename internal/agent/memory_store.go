package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "EgoMarket/internal/errors"
)

// MemoryStore 以内存方式实现 Store。
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*Agent
	events      map[string][]EgoEvent
	eventIDs    map[string]struct{}
	suspensions map[string][]Suspension
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*Agent),
		events:      make(map[string][]EgoEvent),
		eventIDs:    make(map[string]struct{}),
		suspensions: make(map[string][]Suspension),
	}
}

// GetAgent 实现 Store。
func (m *MemoryStore) GetAgent(_ context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	clone := *a
	return &clone, nil
}

// UpsertAgent 实现 Store。已存在时只更新地址。
func (m *MemoryStore) UpsertAgent(_ context.Context, a *Agent) error {
	if a == nil || a.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.agents[a.ID]; ok {
		if a.Address != "" {
			existing.Address = a.Address
		}
		return nil
	}
	clone := *a
	m.agents[a.ID] = &clone
	return nil
}

// UpdateAgentStats 实现 Store。
func (m *MemoryStore) UpdateAgentStats(_ context.Context, id string, stats Stats, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.EgoScore = stats.EgoScore
	a.Tier = stats.Tier
	a.Completions = stats.Completions
	a.AnomalyScore = stats.AnomalyScore
	a.UnderAttack = stats.UnderAttack
	a.UpdatedAt = at
	return nil
}

// RecordEgoEvent 实现 Store。事件不可变，重复 ID 返回冲突。
func (m *MemoryStore) RecordEgoEvent(_ context.Context, e *EgoEvent) error {
	if e == nil || e.ID == "" || e.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "信誉事件缺少 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.eventIDs[e.ID]; dup {
		return ErrAgentConflict
	}
	m.eventIDs[e.ID] = struct{}{}
	m.events[e.AgentID] = append(m.events[e.AgentID], *e)
	return nil
}

// ListEgoEvents 实现 Store，按发生时间升序返回。
func (m *MemoryStore) ListEgoEvents(_ context.Context, agentID string) ([]EgoEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]EgoEvent(nil), m.events[agentID]...)
	SortEvents(out)
	return out, nil
}

// SaveSuspension 实现 Store。
func (m *MemoryStore) SaveSuspension(_ context.Context, s *Suspension) error {
	if s == nil || s.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "停权记录缺少代理 ID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspensions[s.AgentID] = append(m.suspensions[s.AgentID], *s)
	return nil
}

// ActiveSuspension 实现 Store。没有生效的停权时返回 nil, nil。
func (m *MemoryStore) ActiveSuspension(_ context.Context, agentID string, now time.Time) (*Suspension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var active *Suspension
	for i := range m.suspensions[agentID] {
		s := m.suspensions[agentID][i]
		if s.Active(now) && (active == nil || s.ExpiresAt.After(active.ExpiresAt)) {
			clone := s
			active = &clone
		}
	}
	return active, nil
}

// ListSuspensions 实现 Store。
func (m *MemoryStore) ListSuspensions(_ context.Context, agentID string) ([]Suspension, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Suspension(nil), m.suspensions[agentID]...), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error { return nil }

// SortEvents 按发生时间、ID 升序排序。
func SortEvents(events []EgoEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].OccurredAt.Before(events[j].OccurredAt)
	})
}

var _ Store = (*MemoryStore)(nil)
