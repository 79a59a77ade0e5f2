package agent

import (
	"context"
	"time"
)

// Store 持久化代理档案、信誉事件与停权记录。
type Store interface {
	GetAgent(ctx context.Context, id string) (*Agent, error)
	UpsertAgent(ctx context.Context, a *Agent) error
	UpdateAgentStats(ctx context.Context, id string, stats Stats, at time.Time) error
	RecordEgoEvent(ctx context.Context, e *EgoEvent) error
	ListEgoEvents(ctx context.Context, agentID string) ([]EgoEvent, error)
	SaveSuspension(ctx context.Context, s *Suspension) error
	ActiveSuspension(ctx context.Context, agentID string, now time.Time) (*Suspension, error)
	ListSuspensions(ctx context.Context, agentID string) ([]Suspension, error)
	Close() error
}
