package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/events"
	"EgoMarket/internal/notify"
	"EgoMarket/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// AcceptanceGate 在代理接手任务前做信任检查（限速、等级上限、停权）。
type AcceptanceGate interface {
	CheckAcceptance(ctx context.Context, agentID string, budget uint64) error
}

// Extras 是与迁移一起原子写入的附加变化，供托管结算使用。
type Extras struct {
	Escrow *EscrowChange
	Review *Review
}

// Service 负责任务生命周期的全部写操作，是任务状态的唯一入口。
type Service struct {
	store    Store
	bus      *events.Bus
	notifier notify.Notifier
	gate     AcceptanceGate
	clock    clock.Clock
	policy   Policy
}

// Option 定义可选配置。
type Option func(*Service)

// WithEventBus 配置事件总线。
func WithEventBus(bus *events.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithNotifier 配置通知触发器。
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithAcceptanceGate 配置接单前的信任检查。
func WithAcceptanceGate(g AcceptanceGate) Option {
	return func(s *Service) { s.gate = g }
}

// WithClock 配置时钟。
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithPolicy 配置授权策略。
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// NewService 构造任务服务。
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, notifier: notify.Noop{}, clock: clock.New()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetAcceptanceGate 在装配阶段注入信任检查，解决与信任层的循环依赖。
func (s *Service) SetAcceptanceGate(g AcceptanceGate) {
	s.gate = g
}

// PostRequest 描述发布任务的参数。
type PostRequest struct {
	ID             string `json:"id,omitempty"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	Creator        string `json:"creator"`
	Budget         uint64 `json:"budget"`
	DeadlineHeight int64  `json:"deadline_height,omitempty"`
	ParentID       string `json:"parent_id,omitempty"`
	Agent          string `json:"agent,omitempty"`
}

// PostTask 发布一个新任务。可预先指派代理，此时资金到位后直接进入 in_progress。
func (s *Service) PostTask(ctx context.Context, req PostRequest) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务标题不能为空")
	}
	if strings.TrimSpace(req.Creator) == "" {
		return nil, xerrors.New(CodeTaskValidation, "发布者不能为空")
	}
	if req.Budget == 0 {
		return nil, xerrors.New(CodeTaskValidation, "任务预算必须大于 0")
	}
	if req.DeadlineHeight < 0 {
		return nil, xerrors.New(CodeTaskValidation, "截止高度不能为负")
	}
	if req.Agent != "" && req.Agent == req.Creator {
		return nil, xerrors.New(CodeTaskValidation, "不能把任务指派给发布者本人")
	}
	if req.ParentID != "" {
		if _, err := s.store.Get(ctx, req.ParentID); err != nil {
			if stdErrors.Is(err, ErrTaskNotFound) {
				return nil, xerrors.New(CodeTaskValidation, "父任务不存在")
			}
			return nil, err
		}
	}
	if req.Agent != "" && s.gate != nil {
		if err := s.gate.CheckAcceptance(ctx, req.Agent, req.Budget); err != nil {
			return nil, err
		}
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	now := s.clock.Now().Unix()
	task := &Task{
		ID:             id,
		Title:          strings.TrimSpace(req.Title),
		Description:    req.Description,
		Creator:        req.Creator,
		Agent:          req.Agent,
		Budget:         req.Budget,
		Status:         StatusOpen,
		EscrowStatus:   EscrowUnfunded,
		DeadlineHeight: req.DeadlineHeight,
		ParentID:       req.ParentID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}
	s.bus.Emit(ctx, events.KindTaskPosted, task.ID, task.Creator, map[string]any{
		"budget":    task.Budget,
		"agent":     task.Agent,
		"parent_id": task.ParentID,
	})
	logger.Audit().InfoContext(ctx, "任务已发布",
		slog.String("task_id", task.ID),
		slog.String("creator", task.Creator),
		slog.Uint64("budget", task.Budget),
	)
	return task, nil
}

// Get 返回指定任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Transitions 返回任务的迁移日志。
func (s *Service) Transitions(ctx context.Context, id string) ([]Transition, error) {
	return s.store.Transitions(ctx, id)
}

// Bids 返回任务的全部报价。
func (s *Service) Bids(ctx context.Context, id string) ([]*Bid, error) {
	return s.store.ListBids(ctx, id)
}

// Deliverables 返回任务的全部交付物修订。
func (s *Service) Deliverables(ctx context.Context, id string) ([]*Deliverable, error) {
	return s.store.ListDeliverables(ctx, id)
}

// BidRequest 描述一次报价。
type BidRequest struct {
	Agent   string `json:"agent"`
	Rate    uint64 `json:"rate"`
	Message string `json:"message,omitempty"`
}

// PlaceBid 对未指派的任务报价。
func (s *Service) PlaceBid(ctx context.Context, taskID string, req BidRequest) (*Bid, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Agent) == "" {
		return nil, xerrors.New(CodeTaskValidation, "报价代理不能为空")
	}
	if req.Agent == task.Creator {
		return nil, xerrors.New(CodeUnauthorized, "发布者不能对自己的任务报价")
	}
	if req.Rate == 0 {
		return nil, xerrors.New(CodeTaskValidation, "报价必须大于 0")
	}
	if task.Assigned() || (task.Status != StatusOpen && task.Status != StatusFunded) || task.Archived {
		return nil, xerrors.New(CodeInvalidTransition, "任务不再接受报价",
			xerrors.WithMetadata("status", string(task.Status)))
	}
	bid := &Bid{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Agent:     req.Agent,
		Rate:      req.Rate,
		Message:   req.Message,
		CreatedAt: s.clock.Now().Unix(),
	}
	if err := s.store.CreateBid(ctx, bid); err != nil {
		return nil, err
	}
	s.bus.Emit(ctx, events.KindBidPlaced, taskID, req.Agent, map[string]any{"bid_id": bid.ID, "rate": bid.Rate})
	return bid, nil
}

// AcceptBid 由发布者接受报价，任务进入 in_progress。
func (s *Service) AcceptBid(ctx context.Context, taskID, bidID string, actor Actor) (*Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	tr, err := Plan(task, Request{Action: ActionAcceptBid, Actor: actor}, s.policy)
	if err != nil {
		return nil, s.rejected(task, ActionAcceptBid, actor, err)
	}
	bid, err := s.store.GetBid(ctx, taskID, bidID)
	if err != nil {
		return nil, err
	}
	if s.gate != nil {
		if err := s.gate.CheckAcceptance(ctx, bid.Agent, task.Budget); err != nil {
			return nil, err
		}
	}
	return s.commit(ctx, task, Change{Transition: tr, AcceptBidID: bid.ID})
}

// SubmitDeliverable 由指派代理提交交付物，任务进入 review。
func (s *Service) SubmitDeliverable(ctx context.Context, taskID string, actor Actor, content string) (*Task, *Deliverable, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil, xerrors.New(CodeTaskValidation, "交付内容不能为空")
	}
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	tr, err := Plan(task, Request{Action: ActionSubmit, Actor: actor}, s.policy)
	if err != nil {
		return nil, nil, s.rejected(task, ActionSubmit, actor, err)
	}
	d := &Deliverable{ID: uuid.NewString(), Agent: actor.ID, Content: content}
	updated, err := s.commit(ctx, task, Change{Transition: tr, Deliverable: d})
	if err != nil {
		return nil, nil, err
	}
	s.bus.Emit(ctx, events.KindDeliverableSubmitted, taskID, actor.ID, map[string]any{"deliverable_id": d.ID, "revision": d.Revision})
	return updated, d, nil
}

// RequestRevision 由发布者退回交付物，任务回到 in_progress，不重新注资。
func (s *Service) RequestRevision(ctx context.Context, taskID string, actor Actor, feedback string) (*Task, error) {
	return s.Apply(ctx, taskID, Request{Action: ActionRequestRevision, Actor: actor, Reason: feedback},
		Extras{Review: &Review{Status: DeliverableRevisionRequested, Feedback: feedback}})
}

// OpenDispute 发起争议，需要非空理由。
func (s *Service) OpenDispute(ctx context.Context, taskID string, actor Actor, reason string) (*Task, error) {
	return s.Apply(ctx, taskID, Request{Action: ActionDispute, Actor: actor, Reason: reason}, Extras{})
}

// Cancel 在指派之前取消任务。已注资的托管保持可退款状态。
func (s *Service) Cancel(ctx context.Context, taskID string, actor Actor, reason string) (*Task, error) {
	return s.Apply(ctx, taskID, Request{Action: ActionCancel, Actor: actor, Reason: reason}, Extras{})
}

// Archive 归档终态任务。任务从不物理删除。
func (s *Service) Archive(ctx context.Context, taskID string, actor Actor) error {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if RoleOf(task, actor) != RoleCreator {
		return xerrors.New(CodeUnauthorized, "只有发布者可以归档任务")
	}
	if task.Archived {
		return xerrors.New(CodeAlreadyInState, "任务已归档")
	}
	if !task.Status.Terminal() {
		return xerrors.New(CodeInvalidTransition, "只能归档终态任务",
			xerrors.WithMetadata("status", string(task.Status)))
	}
	if err := s.store.Archive(ctx, taskID, s.clock.Now().Unix()); err != nil {
		return err
	}
	s.bus.Emit(ctx, events.KindTaskArchived, taskID, actor.ID, nil)
	return nil
}

// Apply 校验并执行一次迁移，连同 extras 原子写入。
func (s *Service) Apply(ctx context.Context, taskID string, req Request, extras Extras) (*Task, error) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.ApplyTo(ctx, task, req, extras)
}

// ApplyTo 与 Apply 相同，但使用调用方已读取的任务快照做乐观校验。
func (s *Service) ApplyTo(ctx context.Context, task *Task, req Request, extras Extras) (*Task, error) {
	tr, err := Plan(task, req, s.policy)
	if err != nil {
		return nil, s.rejected(task, req.Action, req.Actor, err)
	}
	return s.commit(ctx, task, Change{Transition: tr, Escrow: extras.Escrow, Review: extras.Review})
}

// UpdateEscrowRef 在不改变任务状态的情况下更新托管引用。
func (s *Service) UpdateEscrowRef(ctx context.Context, taskID string, change EscrowChange) (*Task, error) {
	updated, err := s.store.UpdateEscrowRef(ctx, taskID, change, s.clock.Now().Unix())
	if err != nil {
		return nil, err
	}
	logger.Audit().InfoContext(ctx, "托管引用已更新",
		slog.String("task_id", taskID),
		slog.String("escrow_ref", updated.EscrowRef),
		slog.String("escrow_tx_id", updated.EscrowTxID),
		slog.String("escrow_status", string(updated.EscrowStatus)),
	)
	return updated, nil
}

func (s *Service) commit(ctx context.Context, task *Task, change Change) (*Task, error) {
	change.At = s.clock.Now().Unix()
	updated, err := s.store.ApplyTransition(ctx, task.ID, change)
	if err != nil {
		return nil, err
	}
	tr := change.Transition
	s.bus.Emit(ctx, events.KindTaskTransition, task.ID, tr.Actor, map[string]any{
		"from":          string(tr.From),
		"to":            string(tr.To),
		"action":        string(tr.Action),
		"role":          string(tr.Role),
		"reason":        tr.Reason,
		"escrow_status": string(updated.EscrowStatus),
	})
	logger.Audit().InfoContext(ctx, "任务状态迁移",
		slog.String("task_id", task.ID),
		slog.String("from", string(tr.From)),
		slog.String("to", string(tr.To)),
		slog.String("action", string(tr.Action)),
		slog.String("actor", tr.Actor),
		slog.String("role", string(tr.Role)),
	)
	s.notifyTransition(ctx, updated, tr)
	return updated, nil
}

// rejected 记录终态性的拒绝（越权、非法迁移）。
func (s *Service) rejected(task *Task, action Action, actor Actor, err error) error {
	code := xerrors.CodeOf(err)
	if code == CodeUnauthorized || code == CodeInvalidTransition {
		logger.Audit().Warn("任务迁移被拒绝",
			slog.String("task_id", task.ID),
			slog.String("status", string(task.Status)),
			slog.String("action", string(action)),
			slog.String("actor", actor.ID),
			slog.String("code", string(code)),
		)
	}
	return err
}

func (s *Service) notifyTransition(ctx context.Context, t *Task, tr Transition) {
	payload := map[string]any{"task_id": t.ID, "title": t.Title, "status": string(t.Status)}
	switch tr.Action {
	case ActionFund:
		s.notify(ctx, t.Creator, notify.KindTaskFunded, payload)
		s.notify(ctx, t.Agent, notify.KindTaskFunded, payload)
	case ActionAcceptBid:
		s.notify(ctx, t.Agent, notify.KindBidAccepted, payload)
	case ActionSubmit:
		s.notify(ctx, t.Creator, notify.KindDeliverableSubmitted, payload)
	case ActionRequestRevision:
		s.notify(ctx, t.Agent, notify.KindRevisionRequested, payload)
	case ActionDispute:
		payload["reason"] = tr.Reason
		s.notify(ctx, t.Creator, notify.KindDisputeOpened, payload)
		s.notify(ctx, t.Agent, notify.KindDisputeOpened, payload)
	case ActionApprove, ActionResolveComplete:
		s.notify(ctx, t.Creator, notify.KindTaskCompleted, payload)
		s.notify(ctx, t.Agent, notify.KindTaskCompleted, payload)
	case ActionRefund, ActionResolveRefund:
		s.notify(ctx, t.Creator, notify.KindTaskRefunded, payload)
		s.notify(ctx, t.Agent, notify.KindTaskRefunded, payload)
	case ActionCancel:
		bids, err := s.store.ListBids(ctx, t.ID)
		if err != nil {
			return
		}
		for _, bid := range bids {
			s.notify(ctx, bid.Agent, notify.KindTaskCancelled, payload)
		}
	}
}

// notify 跳过空收件人，例如尚未指派代理的任务。
func (s *Service) notify(ctx context.Context, recipient string, kind notify.Kind, payload map[string]any) {
	if recipient == "" {
		return
	}
	s.notifier.Notify(ctx, recipient, kind, payload)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
