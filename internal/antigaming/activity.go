package antigaming

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Completion 是一次已结算的任务完成记录。
type Completion struct {
	AgentID string    `json:"agent_id"`
	Client  string    `json:"client"`
	TaskID  string    `json:"task_id"`
	Value   uint64    `json:"value"`
	At      time.Time `json:"at"`
}

// Rating 是一次评价记录。
type Rating struct {
	AgentID  string    `json:"agent_id"`
	Reviewer string    `json:"reviewer"`
	TaskID   string    `json:"task_id,omitempty"`
	Rating   int       `json:"rating"`
	At       time.Time `json:"at"`
}

// ActivityStore 保存检测规则读取的滑动窗口数据。
type ActivityStore interface {
	RecordCompletion(ctx context.Context, c Completion) error
	RecordRating(ctx context.Context, r Rating) error
	Completions(ctx context.Context, agentID string, since time.Time) ([]Completion, error)
	Ratings(ctx context.Context, agentID string, since time.Time) ([]Rating, error)
	// FirstCompletion 返回代理最早一次完成的时间，不受窗口裁剪影响；没有记录时为零值。
	FirstCompletion(ctx context.Context, agentID string) (time.Time, error)
}

// MemoryActivityStore 以内存方式实现 ActivityStore。
type MemoryActivityStore struct {
	mu          sync.RWMutex
	completions map[string][]Completion
	ratings     map[string][]Rating
}

// NewMemoryActivityStore 创建内存活动存储。
func NewMemoryActivityStore() *MemoryActivityStore {
	return &MemoryActivityStore{
		completions: make(map[string][]Completion),
		ratings:     make(map[string][]Rating),
	}
}

// RecordCompletion 实现 ActivityStore。
func (m *MemoryActivityStore) RecordCompletion(_ context.Context, c Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.completions[c.AgentID], c)
	sort.SliceStable(list, func(i, j int) bool { return list[i].At.Before(list[j].At) })
	m.completions[c.AgentID] = list
	return nil
}

// RecordRating 实现 ActivityStore。
func (m *MemoryActivityStore) RecordRating(_ context.Context, r Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.ratings[r.AgentID], r)
	sort.SliceStable(list, func(i, j int) bool { return list[i].At.Before(list[j].At) })
	m.ratings[r.AgentID] = list
	return nil
}

// Completions 实现 ActivityStore。
func (m *MemoryActivityStore) Completions(_ context.Context, agentID string, since time.Time) ([]Completion, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Completion
	for _, c := range m.completions[agentID] {
		if !c.At.Before(since) {
			out = append(out, c)
		}
	}
	return out, nil
}

// FirstCompletion 实现 ActivityStore。
func (m *MemoryActivityStore) FirstCompletion(_ context.Context, agentID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if list := m.completions[agentID]; len(list) > 0 {
		return list[0].At, nil
	}
	return time.Time{}, nil
}

// Ratings 实现 ActivityStore。
func (m *MemoryActivityStore) Ratings(_ context.Context, agentID string, since time.Time) ([]Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Rating
	for _, r := range m.ratings[agentID] {
		if !r.At.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

var _ ActivityStore = (*MemoryActivityStore)(nil)
