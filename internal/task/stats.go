package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total           int            `json:"total"`
	ByStatus        map[Status]int `json:"by_status"`
	EscrowLocked    uint64         `json:"escrow_locked"`
	OldestUpdatedAt int64          `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64          `json:"newest_updated_at,omitempty"`
}

// Add 把任务计入统计。
func (s *TaskStats) Add(t *Task) {
	if s.ByStatus == nil {
		s.ByStatus = make(map[Status]int)
	}
	s.Total++
	s.ByStatus[t.Status]++
	if t.EscrowStatus == EscrowFunded {
		s.EscrowLocked += t.Budget
	}
	if s.OldestUpdatedAt == 0 || t.UpdatedAt < s.OldestUpdatedAt {
		s.OldestUpdatedAt = t.UpdatedAt
	}
	if t.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = t.UpdatedAt
	}
}
