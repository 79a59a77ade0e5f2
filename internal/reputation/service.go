package reputation

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"time"

	"EgoMarket/internal/agent"
	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/events"
	"EgoMarket/internal/ledger"
	"EgoMarket/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	CodeTierLimitExceeded xerrors.Code = "TIER_LIMIT_EXCEEDED"
	CodeHoldPeriodActive  xerrors.Code = "HOLD_PERIOD_ACTIVE"
)

var (
	// ErrTierLimitExceeded 表示任务金额超过代理等级允许的上限。
	ErrTierLimitExceeded = xerrors.New(CodeTierLimitExceeded, "task value exceeds tier limit")
	// ErrHoldPeriodActive 表示托管仍在等级要求的持有期内。
	ErrHoldPeriodActive = xerrors.New(CodeHoldPeriodActive, "escrow hold period active")
)

func init() {
	xerrors.Register(CodeTierLimitExceeded, xerrors.Attributes{
		Message:  "task value exceeds tier limit",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeHoldPeriodActive, xerrors.Attributes{
		Message:   "escrow hold period active",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
}

// Service 记录信誉事件并维护代理的缓存统计。
type Service struct {
	store  agent.Store
	clock  clock.Clock
	policy Policy
	bus    *events.Bus
}

// Option 定义可选配置。
type Option func(*Service)

// WithClock 配置时钟。
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithPolicy 覆盖默认的等级表。
func WithPolicy(p Policy) Option {
	return func(s *Service) {
		if len(p.Limits) > 0 {
			s.policy = p
		}
	}
}

// WithEventBus 配置事件总线。
func WithEventBus(bus *events.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// NewService 构造信誉服务。
func NewService(store agent.Store, opts ...Option) *Service {
	s := &Service{store: store, clock: clock.New(), policy: DefaultPolicy()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Policy 返回当前生效的等级表。
func (s *Service) Policy() Policy {
	return s.policy
}

// Store 返回底层代理存储。
func (s *Service) Store() agent.Store {
	return s.store
}

// EnsureAgent 确保代理档案存在，首次出现时以当前时间作为注册时间。
func (s *Service) EnsureAgent(ctx context.Context, id, address string) (*agent.Agent, error) {
	if id == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
	}
	now := s.clock.Now()
	if err := s.store.UpsertAgent(ctx, &agent.Agent{
		ID:        id,
		Address:   address,
		Tier:      string(TierNewcomer),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return nil, err
	}
	return s.store.GetAgent(ctx, id)
}

// Standing 返回代理当前的信誉视图（含衰减与停权状态）。
func (s *Service) Standing(ctx context.Context, agentID string) (Standing, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return Standing{}, err
	}
	history, err := s.store.ListEgoEvents(ctx, agentID)
	if err != nil {
		return Standing{}, err
	}
	now := s.clock.Now()
	st := Compute(a, history, now, s.policy)
	suspension, err := s.store.ActiveSuspension(ctx, agentID, now)
	if err != nil {
		return Standing{}, err
	}
	st.Suspension = suspension
	return st, nil
}

// Record 追加一条信誉事件并刷新代理统计。
func (s *Service) Record(ctx context.Context, e agent.EgoEvent) (Standing, error) {
	if e.AgentID == "" || e.Kind == "" {
		return Standing{}, xerrors.New(xerrors.CodeInvalidArgument, "信誉事件缺少代理或类型")
	}
	if e.Kind == agent.EventRating && (e.Rating < 1 || e.Rating > 5) {
		return Standing{}, xerrors.New(xerrors.CodeInvalidArgument, "评分必须在 1 到 5 之间")
	}
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.clock.Now()
	}
	if _, err := s.store.GetAgent(ctx, e.AgentID); err != nil {
		if !stdErrors.Is(err, agent.ErrAgentNotFound) {
			return Standing{}, err
		}
		if _, err := s.EnsureAgent(ctx, e.AgentID, ""); err != nil {
			return Standing{}, err
		}
	}
	if err := s.store.RecordEgoEvent(ctx, &e); err != nil {
		return Standing{}, err
	}
	st, err := s.Refresh(ctx, e.AgentID, nil)
	if err != nil {
		return Standing{}, err
	}
	s.bus.Emit(ctx, events.KindEgoRecorded, e.AgentID, e.Counterparty, map[string]any{
		"event_id":   e.ID,
		"kind":       string(e.Kind),
		"task_id":    e.TaskID,
		"suppressed": e.Suppressed,
		"score":      st.Score,
		"tier":       string(st.Tier),
	})
	logger.Audit().InfoContext(ctx, "信誉事件已记录",
		slog.String("agent_id", e.AgentID),
		slog.String("kind", string(e.Kind)),
		slog.String("event_id", e.ID),
		slog.Bool("suppressed", e.Suppressed),
		slog.Float64("score", st.Score),
	)
	return st, nil
}

// Refresh 重新计算并持久化代理统计。mutate 可在写入前调整异常分与受攻击标记。
func (s *Service) Refresh(ctx context.Context, agentID string, mutate func(*agent.Stats)) (Standing, error) {
	st, err := s.Standing(ctx, agentID)
	if err != nil {
		return Standing{}, err
	}
	stats := agent.Stats{
		EgoScore:     st.Score,
		Tier:         string(st.Tier),
		Completions:  st.Summary.Completed,
		AnomalyScore: st.AnomalyScore,
		UnderAttack:  st.UnderAttack,
	}
	if mutate != nil {
		mutate(&stats)
		st.AnomalyScore = stats.AnomalyScore
		st.UnderAttack = stats.UnderAttack
	}
	if err := s.store.UpdateAgentStats(ctx, agentID, stats, s.clock.Now()); err != nil {
		return Standing{}, err
	}
	return st, nil
}

// CheckTaskValue 校验任务金额是否在代理等级允许范围内。
func (s *Service) CheckTaskValue(ctx context.Context, agentID string, value uint64) error {
	st, err := s.Standing(ctx, agentID)
	if err != nil {
		return err
	}
	if value > st.Limits.MaxTaskValue {
		return xerrors.Wrap(CodeTierLimitExceeded, nil, "任务金额超过等级上限",
			xerrors.WithMetadata("agent_id", agentID),
			xerrors.WithMetadata("tier", string(st.Tier)),
			xerrors.WithMetadata("value", ledger.FormatCoins(value)),
			xerrors.WithMetadata("limit", ledger.FormatCoins(st.Limits.MaxTaskValue)),
		)
	}
	return nil
}

// CheckHold 校验自 fundedAt 起是否已过等级要求的托管持有期。
func (s *Service) CheckHold(ctx context.Context, agentID string, fundedAt time.Time) error {
	st, err := s.Standing(ctx, agentID)
	if err != nil {
		return err
	}
	readyAt := fundedAt.Add(st.Limits.EscrowHold)
	now := s.clock.Now()
	if now.Before(readyAt) {
		return xerrors.New(CodeHoldPeriodActive, "托管持有期未结束",
			xerrors.WithMetadata("agent_id", agentID),
			xerrors.WithMetadata("tier", string(st.Tier)),
			xerrors.WithMetadata("ready_at", readyAt.UTC().Format(time.RFC3339)),
			xerrors.WithMetadata("remaining_seconds", strconv.FormatInt(int64(readyAt.Sub(now).Seconds()), 10)),
		)
	}
	return nil
}
