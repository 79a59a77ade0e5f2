package agent

import (
	"time"

	xerrors "EgoMarket/internal/errors"
)

// Agent 是代理的档案与缓存的信誉统计。
type Agent struct {
	ID           string    `json:"id"`
	Address      string    `json:"address"`
	EgoScore     float64   `json:"ego_score"`
	Tier         string    `json:"tier"`
	Completions  int       `json:"completions"`
	AnomalyScore float64   `json:"anomaly_score"`
	UnderAttack  bool      `json:"under_attack"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Stats 是 UpdateAgentStats 写入的派生字段。
type Stats struct {
	EgoScore     float64
	Tier         string
	Completions  int
	AnomalyScore float64
	UnderAttack  bool
}

// EventKind 是影响信誉的事件类型。
type EventKind string

const (
	EventTaskCompleted   EventKind = "task_completed"
	EventTaskFailed      EventKind = "task_failed"
	EventRating          EventKind = "rating"
	EventDisputeOutcome  EventKind = "dispute_outcome"
	EventEndorsement     EventKind = "endorsement"
	EventBenchmarkPassed EventKind = "benchmark_passed"
	EventAvailability    EventKind = "availability"
)

// Dispute outcomes from the agent's point of view.
const (
	OutcomeAgentWon  = "agent_won"
	OutcomeAgentLost = "agent_lost"
)

// EgoEvent 是不可变的信誉事件。分数是有序事件与流逝时间的纯函数。
type EgoEvent struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Kind         EventKind `json:"kind"`
	TaskID       string    `json:"task_id,omitempty"`
	Counterparty string    `json:"counterparty,omitempty"`
	Rating       int       `json:"rating,omitempty"`
	Value        uint64    `json:"value,omitempty"`
	Outcome      string    `json:"outcome,omitempty"`
	Uptime       float64   `json:"uptime,omitempty"`
	Benchmark    string    `json:"benchmark,omitempty"`
	Suppressed   bool      `json:"suppressed,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Suspension 记录一次停权。到期自动失效，不删除任何信誉事件。
type Suspension struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Reason     string    `json:"reason"`
	DecisionID string    `json:"decision_id,omitempty"`
	StartsAt   time.Time `json:"starts_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Active 判断停权在 now 时刻是否生效。
func (s *Suspension) Active(now time.Time) bool {
	return s != nil && !now.Before(s.StartsAt) && now.Before(s.ExpiresAt)
}

const (
	CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentConflict xerrors.Code = "AGENT_CONFLICT"
)

var (
	// ErrAgentNotFound 表示代理不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrAgentConflict 表示重复写入不可变记录。
	ErrAgentConflict = xerrors.New(CodeAgentConflict, "agent record conflict")
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeAgentConflict, xerrors.Attributes{
		Message:  "agent record conflict",
		Severity: xerrors.SeverityWarning,
	})
}
