package antigaming

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"EgoMarket/internal/agent"
	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/events"
	"EgoMarket/internal/notify"
	"EgoMarket/internal/reputation"
	"EgoMarket/internal/task"
	"EgoMarket/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	CodeFundingFrozen    xerrors.Code = "FUNDING_FROZEN"
	CodeVelocityExceeded xerrors.Code = "VELOCITY_LIMIT_EXCEEDED"
)

var (
	// ErrFundingFrozen 表示相关方处于停权期，禁止新的托管资金。
	ErrFundingFrozen = xerrors.New(CodeFundingFrozen, "funding frozen by active suspension")
	// ErrVelocityExceeded 表示代理在滑动窗口内完成的任务超过上限。
	ErrVelocityExceeded = xerrors.New(CodeVelocityExceeded, "completion velocity limit exceeded")
)

func init() {
	xerrors.Register(CodeFundingFrozen, xerrors.Attributes{
		Message:  "funding frozen by active suspension",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeVelocityExceeded, xerrors.Attributes{
		Message:   "completion velocity limit exceeded",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
}

// Action 是响应矩阵给出的处置。
type Action string

const (
	ActionNone    Action = "none"
	ActionLog     Action = "log"
	ActionMonitor Action = "monitor"
	ActionSuspend Action = "suspend"
)

// ActionFor maps an anomaly score to its response.
func (c Config) ActionFor(score float64) Action {
	switch {
	case score >= c.SuspendThreshold:
		return ActionSuspend
	case score >= c.MonitorThreshold:
		return ActionMonitor
	case score >= c.LogThreshold:
		return ActionLog
	default:
		return ActionNone
	}
}

// Decision 是一次评估的完整结论。
type Decision struct {
	ID           string            `json:"id"`
	AgentID      string            `json:"agent_id"`
	Trigger      string            `json:"trigger"`
	AnomalyScore float64           `json:"anomaly_score"`
	Action       Action            `json:"action"`
	UnderAttack  bool              `json:"under_attack"`
	Hits         []RuleHit         `json:"hits,omitempty"`
	Suspension   *agent.Suspension `json:"suspension,omitempty"`
	EvaluatedAt  time.Time         `json:"evaluated_at"`
}

// SuspendHook 在新停权生效后被调用，例如取消待铸造的信誉代币。
type SuspendHook func(ctx context.Context, s agent.Suspension)

// Detector 评估代理活动并执行响应矩阵。
type Detector struct {
	activity   ActivityStore
	reputation *reputation.Service
	cfg        Config
	clock      clock.Clock
	bus        *events.Bus
	notifier   notify.Notifier
	log        *slog.Logger

	mu    sync.Mutex
	hooks []SuspendHook
}

// Option 定义可选配置。
type Option func(*Detector)

// WithConfig 覆盖检测阈值，未设置的字段取默认值。
func WithConfig(cfg Config) Option {
	return func(d *Detector) { d.cfg = cfg.withDefaults() }
}

// WithClock 配置时钟。
func WithClock(c clock.Clock) Option {
	return func(d *Detector) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithEventBus 配置事件总线。
func WithEventBus(bus *events.Bus) Option {
	return func(d *Detector) { d.bus = bus }
}

// WithNotifier 配置通知触发器。
func WithNotifier(n notify.Notifier) Option {
	return func(d *Detector) {
		if n != nil {
			d.notifier = n
		}
	}
}

// NewDetector 构造检测器。
func NewDetector(activity ActivityStore, rep *reputation.Service, opts ...Option) *Detector {
	d := &Detector{
		activity:   activity,
		reputation: rep,
		cfg:        DefaultConfig(),
		clock:      clock.New(),
		notifier:   notify.Noop{},
		log:        logger.Named("antigaming"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Config 返回生效的阈值。
func (d *Detector) Config() Config {
	return d.cfg
}

// OnSuspend 注册停权回调。
func (d *Detector) OnSuspend(h SuspendHook) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.hooks = append(d.hooks, h)
	d.mu.Unlock()
}

// ObserveCompletion 记录一次完成并重新评估代理。
func (d *Detector) ObserveCompletion(ctx context.Context, c Completion) (Decision, error) {
	if c.AgentID == "" {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "完成记录缺少代理")
	}
	if c.At.IsZero() {
		c.At = d.clock.Now()
	}
	if err := d.activity.RecordCompletion(ctx, c); err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录完成失败")
	}
	return d.Evaluate(ctx, c.AgentID, "completion")
}

// ObserveRating 记录一次评价并重新评估代理。
func (d *Detector) ObserveRating(ctx context.Context, r Rating) (Decision, error) {
	if r.AgentID == "" {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "评价记录缺少代理")
	}
	if r.At.IsZero() {
		r.At = d.clock.Now()
	}
	if err := d.activity.RecordRating(ctx, r); err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录评价失败")
	}
	return d.Evaluate(ctx, r.AgentID, "rating")
}

// UnderAttack 判断代理当前是否遭受差评轰炸。
func (d *Detector) UnderAttack(ctx context.Context, agentID string) (bool, error) {
	now := d.clock.Now()
	ratings, err := d.activity.Ratings(ctx, agentID, now.Add(-d.cfg.BombingWindow))
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取评价失败")
	}
	return oneStarCount(d.cfg, snapshot{now: now, ratings: ratings}) >= d.cfg.BombingCount, nil
}

// Evaluate 运行全部规则，写回异常分并执行响应矩阵。
func (d *Detector) Evaluate(ctx context.Context, agentID, trigger string) (Decision, error) {
	now := d.clock.Now()
	since := now.Add(-d.cfg.lookback())
	completions, err := d.activity.Completions(ctx, agentID, since)
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取完成记录失败")
	}
	ratings, err := d.activity.Ratings(ctx, agentID, since)
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取评价失败")
	}

	first, err := d.activity.FirstCompletion(ctx, agentID)
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取最早完成时间失败")
	}

	hits, underAttack := evaluate(d.cfg, snapshot{now: now, completions: completions, ratings: ratings, firstCompletion: first})
	score := anomalyScore(hits)
	decision := Decision{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Trigger:      trigger,
		AnomalyScore: score,
		Action:       d.cfg.ActionFor(score),
		UnderAttack:  underAttack,
		Hits:         hits,
		EvaluatedAt:  now,
	}

	if _, err := d.reputation.EnsureAgent(ctx, agentID, ""); err != nil {
		return Decision{}, err
	}
	if _, err := d.reputation.Refresh(ctx, agentID, func(st *agent.Stats) {
		st.AnomalyScore = score
		st.UnderAttack = underAttack
	}); err != nil {
		return Decision{}, err
	}

	if decision.Action == ActionSuspend {
		suspension, err := d.Suspend(ctx, agentID, primaryRule(hits), decision.ID)
		if err != nil {
			return decision, err
		}
		decision.Suspension = suspension
	}
	d.report(ctx, decision)
	return decision, nil
}

// Suspend 为代理创建停权记录。已有生效停权时直接返回该记录。
func (d *Detector) Suspend(ctx context.Context, agentID, reason, decisionID string) (*agent.Suspension, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	store := d.reputation.Store()
	now := d.clock.Now()
	existing, err := store.ActiveSuspension(ctx, agentID, now)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	s := &agent.Suspension{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		Reason:     reason,
		DecisionID: decisionID,
		StartsAt:   now,
		ExpiresAt:  now.Add(d.cfg.SuspensionPeriod),
	}
	if err := store.SaveSuspension(ctx, s); err != nil {
		return nil, err
	}

	d.bus.Emit(ctx, events.KindAgentSuspended, agentID, "detector", map[string]any{
		"suspension_id": s.ID,
		"reason":        s.Reason,
		"decision_id":   decisionID,
		"expires_at":    s.ExpiresAt,
	})
	d.notifier.Notify(ctx, agentID, notify.KindAgentSuspended, map[string]any{
		"reason":     s.Reason,
		"expires_at": s.ExpiresAt,
	})
	logger.Audit().WarnContext(ctx, "代理已停权",
		slog.String("agent_id", agentID),
		slog.String("reason", s.Reason),
		slog.String("decision_id", decisionID),
		slog.Time("expires_at", s.ExpiresAt),
	)
	for _, h := range d.hooks {
		h(ctx, *s)
	}
	return s, nil
}

// CheckAcceptance 在代理接手任务前检查停权、速率上限与等级上限。
func (d *Detector) CheckAcceptance(ctx context.Context, agentID string, budget uint64) error {
	if err := d.CheckFunding(ctx, agentID); err != nil {
		return err
	}
	now := d.clock.Now()
	completions, err := d.activity.Completions(ctx, agentID, now.Add(-d.cfg.VelocityWindow))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取完成记录失败")
	}
	if n := completionsIn(snapshot{now: now, completions: completions}, d.cfg.VelocityWindow); n > d.cfg.VelocityCap {
		d.log.Info("速率上限拒绝接单",
			slog.String("agent_id", agentID),
			slog.Int("completions", n),
			slog.Int("cap", d.cfg.VelocityCap),
		)
		return xerrors.New(CodeVelocityExceeded, "接单速率超过上限",
			xerrors.WithMetadata("agent_id", agentID),
			xerrors.WithMetadata("completions", strconv.Itoa(n)),
			xerrors.WithMetadata("cap", strconv.Itoa(d.cfg.VelocityCap)),
		)
	}
	if _, err := d.reputation.EnsureAgent(ctx, agentID, ""); err != nil {
		return err
	}
	return d.reputation.CheckTaskValue(ctx, agentID, budget)
}

// CheckFunding 任一参与方处于停权期时拒绝新的托管资金。
func (d *Detector) CheckFunding(ctx context.Context, parties ...string) error {
	now := d.clock.Now()
	for _, id := range parties {
		if id == "" {
			continue
		}
		s, err := d.reputation.Store().ActiveSuspension(ctx, id, now)
		if err != nil && !stdErrors.Is(err, agent.ErrAgentNotFound) {
			return err
		}
		if s != nil {
			return xerrors.New(CodeFundingFrozen, "参与方处于停权期",
				xerrors.WithMetadata("party", id),
				xerrors.WithMetadata("reason", s.Reason),
				xerrors.WithMetadata("expires_at", s.ExpiresAt.UTC().Format(time.RFC3339)),
			)
		}
	}
	return nil
}

func (d *Detector) report(ctx context.Context, decision Decision) {
	rules := make([]string, 0, len(decision.Hits))
	for _, h := range decision.Hits {
		rules = append(rules, h.Rule)
	}
	d.bus.Emit(ctx, events.KindDetectorDecision, decision.AgentID, "detector", map[string]any{
		"decision_id":   decision.ID,
		"trigger":       decision.Trigger,
		"anomaly_score": decision.AnomalyScore,
		"action":        string(decision.Action),
		"under_attack":  decision.UnderAttack,
		"rules":         rules,
		"hits":          decision.Hits,
	})

	attrs := []any{
		slog.String("agent_id", decision.AgentID),
		slog.String("decision_id", decision.ID),
		slog.Float64("anomaly_score", decision.AnomalyScore),
		slog.Any("rules", rules),
		slog.Bool("under_attack", decision.UnderAttack),
	}
	switch decision.Action {
	case ActionSuspend:
		logger.Audit().WarnContext(ctx, "检测到严重异常", attrs...)
	case ActionMonitor:
		logger.Audit().InfoContext(ctx, "异常代理进入重点监控", attrs...)
	case ActionLog:
		d.log.Info("记录轻微异常", attrs...)
	default:
		if decision.UnderAttack {
			d.log.Info("代理疑似遭受差评轰炸", attrs...)
		}
	}
}

// primaryRule names the highest-weighted hit, used as the suspension reason.
func primaryRule(hits []RuleHit) string {
	best := RuleHit{}
	for _, h := range hits {
		if h.Score > best.Score {
			best = h
		}
	}
	return best.Rule
}

var _ task.AcceptanceGate = (*Detector)(nil)
