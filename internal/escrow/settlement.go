package escrow

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"EgoMarket/internal/agent"
	"EgoMarket/internal/antigaming"
	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/events"
	"EgoMarket/internal/ledger"
	"EgoMarket/internal/reputation"
	"EgoMarket/internal/signing"
	"EgoMarket/internal/task"
	"EgoMarket/pkg/logger"

	"github.com/benbjohnson/clock"
)

// Verdict 是调解结论。
type Verdict string

const (
	VerdictComplete Verdict = "complete"
	VerdictRefund   Verdict = "refund"
)

// Resolution 描述一次争议调解结果。
type Resolution struct {
	Verdict  Verdict `json:"verdict"`
	Reason   string  `json:"reason"`
	Mediator string  `json:"mediator"`
}

// Mediator 对争议任务作出裁定。
type Mediator interface {
	Mediate(ctx context.Context, t *task.Task, deliverables []*task.Deliverable) (Resolution, error)
}

// MediatorFunc 适配函数为 Mediator。
type MediatorFunc func(ctx context.Context, t *task.Task, deliverables []*task.Deliverable) (Resolution, error)

// Mediate 实现 Mediator。
func (f MediatorFunc) Mediate(ctx context.Context, t *task.Task, deliverables []*task.Deliverable) (Resolution, error) {
	return f(ctx, t, deliverables)
}

// SettlementDeps 汇集结算服务依赖的组件。
type SettlementDeps struct {
	Tasks        *task.Service
	Orchestrator *Orchestrator
	Reputation   *reputation.Service
	Detector     *antigaming.Detector
	Mints        *MintScheduler
	Reconciler   *Reconciler
	Mediator     Mediator
	Bus          *events.Bus
	Clock        clock.Clock
}

// Settlement 把生命周期状态机与链上托管串联起来：先由状态机确认迁移合法，
// 再执行链上交易，链上成功后才写入本地状态。
type Settlement struct {
	tasks      *task.Service
	orch       *Orchestrator
	rep        *reputation.Service
	detector   *antigaming.Detector
	mints      *MintScheduler
	reconciler *Reconciler
	mediator   Mediator
	bus        *events.Bus
	clock      clock.Clock
	log        *slog.Logger
	// locks 覆盖读取任务、链上交易与本地提交的整个过程。
	locks taskLocks
}

// NewSettlement 构造结算服务。
func NewSettlement(deps SettlementDeps) *Settlement {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Settlement{
		tasks:      deps.Tasks,
		orch:       deps.Orchestrator,
		rep:        deps.Reputation,
		detector:   deps.Detector,
		mints:      deps.Mints,
		reconciler: deps.Reconciler,
		mediator:   deps.Mediator,
		bus:        deps.Bus,
		clock:      clk,
		log:        logger.Named("escrow.settlement"),
	}
}

// FundTask 由发布者为任务注资。
func (s *Settlement) FundTask(ctx context.Context, gw signing.Gateway, taskID string, actor task.Actor) (*task.Task, Receipt, error) {
	release, err := s.locks.hold(ctx, OpFund, taskID)
	if err != nil {
		return nil, Receipt{}, err
	}
	defer release()
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, Receipt{}, err
	}
	if _, err := task.Plan(t, task.Request{Action: task.ActionFund, Actor: actor}, task.Policy{}); err != nil {
		return nil, Receipt{}, err
	}
	// 没有截止高度的托管永远无法退款，注资前拒绝。
	if t.DeadlineHeight <= 0 {
		return nil, Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "注资前任务必须设置截止高度",
			xerrors.WithMetadata("task_id", taskID))
	}
	if t.EscrowTxID != "" && t.EscrowStatus != task.EscrowFunded {
		// 已广播的注资交易不能重复发起，只能再核对一次。
		updated, box, err := s.reconcile(ctx, t, actor)
		if err != nil {
			return nil, Receipt{}, err
		}
		return updated, Receipt{Operation: OpFund, TaskID: t.ID, TxID: t.EscrowTxID, BoxID: box.BoxID, Amount: box.Value}, nil
	}
	if err := s.detector.CheckFunding(ctx, t.Creator, t.Agent); err != nil {
		return nil, Receipt{}, err
	}
	var agentAddr string
	if t.Assigned() {
		if agentAddr, err = s.addressOf(ctx, t.Agent); err != nil {
			return nil, Receipt{}, err
		}
		if err := s.rep.CheckTaskValue(ctx, t.Agent, t.Budget); err != nil {
			return nil, Receipt{}, err
		}
	}

	receipt, err := s.orch.Fund(ctx, gw, FundRequest{
		TaskID:         t.ID,
		Amount:         t.Budget,
		DeadlineHeight: t.DeadlineHeight,
		AgentAddress:   agentAddr,
	})
	if err != nil {
		if xerrors.CodeOf(err) == CodeEscrowUnresolved && receipt.TxID != "" {
			s.pendingFund(ctx, t, receipt.TxID, actor)
		}
		return nil, receipt, err
	}

	updated, err := s.tasks.ApplyTo(ctx, t, task.Request{Action: task.ActionFund, Actor: actor},
		task.Extras{Escrow: &task.EscrowChange{Ref: receipt.BoxID, TxID: receipt.TxID, Status: task.EscrowFunded}})
	if err != nil {
		return nil, receipt, s.commitFailed(ctx, OpFund, t.ID, receipt, err)
	}
	s.bus.Emit(ctx, events.KindEscrowFunded, t.ID, actor.ID, map[string]any{
		"tx_id":  receipt.TxID,
		"box_id": receipt.BoxID,
		"amount": receipt.Amount,
		"wallet": string(receipt.Wallet),
	})
	return updated, receipt, nil
}

// ReconcileFunding 立即核对任务待对账的注资交易：交易可见时完成 fund 迁移，
// 否则重新开始轮询。对账器达到轮询上限后由此恢复。
func (s *Settlement) ReconcileFunding(ctx context.Context, taskID string, actor task.Actor) (*task.Task, error) {
	release, err := s.locks.hold(ctx, OpFund, taskID)
	if err != nil {
		return nil, err
	}
	defer release()
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.EscrowStatus == task.EscrowFunded {
		return t, nil
	}
	if t.EscrowTxID == "" {
		return nil, xerrors.New(task.CodeInvalidTransition, "任务没有待对账的注资交易",
			xerrors.WithMetadata("task_id", taskID))
	}
	if _, err := task.Plan(t, task.Request{Action: task.ActionFund, Actor: actor}, task.Policy{}); err != nil {
		return nil, err
	}
	updated, _, err := s.reconcile(ctx, t, actor)
	return updated, err
}

// reconcile reads the pending funding tx back once. When it is still not
// visible the background watch is restarted if it had stopped.
func (s *Settlement) reconcile(ctx context.Context, t *task.Task, actor task.Actor) (*task.Task, *ledger.Box, error) {
	box, err := s.orch.ResolveEscrowBox(ctx, t.EscrowTxID, t.ID)
	if err != nil {
		if s.reconciler != nil && !s.reconciler.Watching(t.ID) {
			s.reconciler.Watch(t.ID, t.EscrowTxID, actor)
		}
		return nil, nil, err
	}
	if s.reconciler != nil {
		s.reconciler.Stop(t.ID)
	}
	updated, err := commitReconciled(ctx, s.tasks, s.bus, t.ID, t.EscrowTxID, box, actor, 0)
	if err != nil {
		return nil, nil, err
	}
	return updated, box, nil
}

func (s *Settlement) pendingFund(ctx context.Context, t *task.Task, txID string, actor task.Actor) {
	if _, err := s.tasks.UpdateEscrowRef(ctx, t.ID, task.EscrowChange{TxID: txID}); err != nil {
		s.log.Error("记录待对账交易失败", slog.String("task_id", t.ID), slog.String("tx_id", txID), slog.Any("error", err))
	}
	s.bus.Emit(ctx, events.KindEscrowUnresolved, t.ID, actor.ID, map[string]any{"tx_id": txID})
	if s.reconciler != nil {
		s.reconciler.Watch(t.ID, txID, actor)
	}
}

// ApproveTask 由发布者验收交付物：链上放款成功后任务进入 completed，
// 记录一次完成事件并安排信誉代币铸造。
func (s *Settlement) ApproveTask(ctx context.Context, gw signing.Gateway, taskID string, actor task.Actor) (*task.Task, Receipt, error) {
	release, err := s.locks.hold(ctx, OpRelease, taskID)
	if err != nil {
		return nil, Receipt{}, err
	}
	defer release()
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, Receipt{}, err
	}
	if err := settledGuard(t); err != nil {
		return nil, Receipt{}, err
	}
	if _, err := task.Plan(t, task.Request{Action: task.ActionApprove, Actor: actor}, task.Policy{}); err != nil {
		return nil, Receipt{}, err
	}
	if t.EscrowStatus != task.EscrowFunded {
		return nil, Receipt{}, xerrors.New(task.CodeInvalidTransition, "任务托管尚未注资",
			xerrors.WithMetadata("task_id", taskID),
			xerrors.WithMetadata("escrow_status", string(t.EscrowStatus)))
	}
	fundedAt, err := s.fundedAt(ctx, t)
	if err != nil {
		return nil, Receipt{}, err
	}
	if err := s.rep.CheckHold(ctx, t.Agent, fundedAt); err != nil {
		return nil, Receipt{}, err
	}
	agentAddr, err := s.addressOf(ctx, t.Agent)
	if err != nil {
		return nil, Receipt{}, err
	}

	receipt, err := s.orch.Release(ctx, gw, ReleaseRequest{TaskID: t.ID, EscrowRef: t.EscrowRef, AgentAddress: agentAddr})
	if err != nil {
		return nil, Receipt{}, err
	}
	updated, err := s.tasks.ApplyTo(ctx, t, task.Request{Action: task.ActionApprove, Actor: actor}, task.Extras{
		Escrow: &task.EscrowChange{Status: task.EscrowReleased},
		Review: &task.Review{Status: task.DeliverableApproved},
	})
	if err != nil {
		return nil, receipt, s.commitFailed(ctx, OpRelease, t.ID, receipt, err)
	}
	s.bus.Emit(ctx, events.KindEscrowReleased, t.ID, actor.ID, map[string]any{
		"tx_id":        receipt.TxID,
		"payout":       receipt.Payout,
		"protocol_fee": receipt.ProtocolFee,
	})
	s.afterRelease(ctx, updated, agentAddr, receipt, nil)
	return updated, receipt, nil
}

// RefundTask 在截止高度之后把托管退回发布者。已取消但仍持有托管的任务同样可以退款。
func (s *Settlement) RefundTask(ctx context.Context, gw signing.Gateway, taskID string, actor task.Actor) (*task.Task, Receipt, error) {
	release, err := s.locks.hold(ctx, OpRefund, taskID)
	if err != nil {
		return nil, Receipt{}, err
	}
	defer release()
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, Receipt{}, err
	}
	if err := settledGuard(t); err != nil {
		return nil, Receipt{}, err
	}
	height, err := s.orch.Ledger().CurrentHeight(ctx)
	if err != nil {
		return nil, Receipt{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取链高度失败")
	}

	cancelled := t.Status == task.StatusCancelled
	if cancelled {
		if task.RoleOf(t, actor) != task.RoleCreator {
			return nil, Receipt{}, xerrors.New(task.CodeUnauthorized, "只有发布者可以取回已取消任务的托管")
		}
		if t.EscrowStatus != task.EscrowFunded {
			return nil, Receipt{}, xerrors.New(task.CodeInvalidTransition, "已取消任务没有托管资金")
		}
	} else if _, err := task.Plan(t, task.Request{Action: task.ActionRefund, Actor: actor, Height: height}, task.Policy{}); err != nil {
		if deadlineBlocked(t, actor, height) {
			return nil, Receipt{}, xerrors.Wrap(CodeDeadlineNotReached, err, "截止高度未到",
				xerrors.WithMetadata("deadline_height", strconv.FormatInt(t.DeadlineHeight, 10)),
				xerrors.WithMetadata("height", strconv.FormatInt(height, 10)))
		}
		return nil, Receipt{}, err
	}

	receipt, err := s.orch.Refund(ctx, gw, RefundRequest{TaskID: t.ID, EscrowRef: t.EscrowRef})
	if err != nil {
		return nil, Receipt{}, err
	}
	var updated *task.Task
	if cancelled {
		updated, err = s.tasks.UpdateEscrowRef(ctx, t.ID, task.EscrowChange{Status: task.EscrowRefunded})
	} else {
		updated, err = s.tasks.ApplyTo(ctx, t, task.Request{Action: task.ActionRefund, Actor: actor, Height: height},
			task.Extras{Escrow: &task.EscrowChange{Status: task.EscrowRefunded}})
	}
	if err != nil {
		return nil, receipt, s.commitFailed(ctx, OpRefund, t.ID, receipt, err)
	}
	s.bus.Emit(ctx, events.KindEscrowRefunded, t.ID, actor.ID, map[string]any{
		"tx_id":  receipt.TxID,
		"payout": receipt.Payout,
		"payee":  receipt.Payee,
	})
	return updated, receipt, nil
}

// ResolveDispute 请调解方裁定争议并执行结果。
func (s *Settlement) ResolveDispute(ctx context.Context, gw signing.Gateway, taskID string) (*task.Task, Resolution, Receipt, error) {
	if s.mediator == nil {
		return nil, Resolution{}, Receipt{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置调解方")
	}
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, Resolution{}, Receipt{}, err
	}
	if t.Status != task.StatusDisputed {
		return nil, Resolution{}, Receipt{}, xerrors.New(task.CodeInvalidTransition, "任务不在争议中",
			xerrors.WithMetadata("status", string(t.Status)))
	}
	deliverables, err := s.tasks.Deliverables(ctx, taskID)
	if err != nil {
		return nil, Resolution{}, Receipt{}, err
	}
	res, err := s.mediator.Mediate(ctx, t, deliverables)
	if err != nil {
		return nil, Resolution{}, Receipt{}, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "调解失败")
	}
	updated, receipt, err := s.ApplyResolution(ctx, gw, taskID, res)
	return updated, res, receipt, err
}

// ApplyResolution 执行调解结论：complete 放款给代理，refund 无视截止高度退款给发布者。
func (s *Settlement) ApplyResolution(ctx context.Context, gw signing.Gateway, taskID string, res Resolution) (*task.Task, Receipt, error) {
	release, err := s.locks.hold(ctx, OpRelease, taskID)
	if err != nil {
		return nil, Receipt{}, err
	}
	defer release()
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, Receipt{}, err
	}
	if err := settledGuard(t); err != nil {
		return nil, Receipt{}, err
	}
	mediator := task.Actor{ID: res.Mediator, Mediator: true}
	if mediator.ID == "" {
		mediator.ID = "mediator"
	}
	var action task.Action
	switch res.Verdict {
	case VerdictComplete:
		action = task.ActionResolveComplete
	case VerdictRefund:
		action = task.ActionResolveRefund
	default:
		return nil, Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "未知的调解结论 "+string(res.Verdict))
	}
	req := task.Request{Action: action, Actor: mediator, Reason: res.Reason}
	if _, err := task.Plan(t, req, task.Policy{}); err != nil {
		return nil, Receipt{}, err
	}

	if res.Verdict == VerdictRefund {
		receipt, err := s.orch.Refund(ctx, gw, RefundRequest{TaskID: t.ID, EscrowRef: t.EscrowRef, SkipDeadline: true})
		if err != nil {
			return nil, Receipt{}, err
		}
		updated, err := s.tasks.ApplyTo(ctx, t, req, task.Extras{Escrow: &task.EscrowChange{Status: task.EscrowRefunded}})
		if err != nil {
			return nil, receipt, s.commitFailed(ctx, OpRefund, t.ID, receipt, err)
		}
		s.bus.Emit(ctx, events.KindEscrowRefunded, t.ID, mediator.ID, map[string]any{"tx_id": receipt.TxID, "verdict": string(res.Verdict)})
		if t.Assigned() {
			s.recordOutcome(ctx, agent.EgoEvent{AgentID: t.Agent, Kind: agent.EventDisputeOutcome, TaskID: t.ID, Counterparty: t.Creator, Outcome: agent.OutcomeAgentLost})
			s.recordOutcome(ctx, agent.EgoEvent{AgentID: t.Agent, Kind: agent.EventTaskFailed, TaskID: t.ID, Counterparty: t.Creator, Value: t.Budget})
		}
		return updated, receipt, nil
	}

	agentAddr, err := s.addressOf(ctx, t.Agent)
	if err != nil {
		return nil, Receipt{}, err
	}
	receipt, err := s.orch.Release(ctx, gw, ReleaseRequest{TaskID: t.ID, EscrowRef: t.EscrowRef, AgentAddress: agentAddr})
	if err != nil {
		return nil, Receipt{}, err
	}
	updated, err := s.tasks.ApplyTo(ctx, t, req, task.Extras{Escrow: &task.EscrowChange{Status: task.EscrowReleased}})
	if err != nil {
		return nil, receipt, s.commitFailed(ctx, OpRelease, t.ID, receipt, err)
	}
	s.bus.Emit(ctx, events.KindEscrowReleased, t.ID, mediator.ID, map[string]any{"tx_id": receipt.TxID, "verdict": string(res.Verdict)})
	s.afterRelease(ctx, updated, agentAddr, receipt, &agent.EgoEvent{
		AgentID: t.Agent, Kind: agent.EventDisputeOutcome, TaskID: t.ID, Counterparty: t.Creator, Outcome: agent.OutcomeAgentWon,
	})
	return updated, receipt, nil
}

// RateAgent 由发布者对已完成任务的代理评分，每个任务只能评一次。
// 代理处于差评轰炸期间收到的一星评价会被标记为 suppressed，不计入平均分。
func (s *Settlement) RateAgent(ctx context.Context, taskID string, actor task.Actor, rating int) (reputation.Standing, error) {
	if rating < 1 || rating > 5 {
		return reputation.Standing{}, xerrors.New(xerrors.CodeInvalidArgument, "评分必须在 1 到 5 之间")
	}
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return reputation.Standing{}, err
	}
	if task.RoleOf(t, actor) != task.RoleCreator {
		return reputation.Standing{}, xerrors.New(task.CodeUnauthorized, "只有发布者可以评分")
	}
	if t.Status != task.StatusCompleted || !t.Assigned() {
		return reputation.Standing{}, xerrors.New(task.CodeInvalidTransition, "只能对已完成任务评分",
			xerrors.WithMetadata("status", string(t.Status)))
	}
	history, err := s.rep.Store().ListEgoEvents(ctx, t.Agent)
	if err != nil {
		return reputation.Standing{}, err
	}
	for _, e := range history {
		if e.Kind == agent.EventRating && e.TaskID == taskID {
			return reputation.Standing{}, xerrors.New(CodeConflict, "该任务已评分",
				xerrors.WithMetadata("task_id", taskID),
				xerrors.WithRetryable(false))
		}
	}

	now := s.clock.Now()
	decision, err := s.detector.ObserveRating(ctx, antigaming.Rating{
		AgentID:  t.Agent,
		Reviewer: actor.ID,
		TaskID:   taskID,
		Rating:   rating,
		At:       now,
	})
	if err != nil {
		return reputation.Standing{}, err
	}
	suppressed := decision.UnderAttack && rating == 1
	if suppressed {
		s.log.Warn("差评轰炸期间的一星评价已抑制",
			slog.String("task_id", taskID),
			slog.String("agent_id", t.Agent),
			slog.String("reviewer", actor.ID),
		)
	}
	return s.rep.Record(ctx, agent.EgoEvent{
		AgentID:      t.Agent,
		Kind:         agent.EventRating,
		TaskID:       taskID,
		Counterparty: actor.ID,
		Rating:       rating,
		Suppressed:   suppressed,
		OccurredAt:   now,
	})
}

// EscrowView 对比本地缓存的托管状态与链上 box。链上状态为准。
type EscrowView struct {
	TaskID      string            `json:"task_id"`
	Local       task.EscrowStatus `json:"local_status"`
	Ref         string            `json:"escrow_ref,omitempty"`
	TxID        string            `json:"escrow_tx_id,omitempty"`
	Box         *ledger.Box       `json:"box,omitempty"`
	OnChain     string            `json:"on_chain"`
	Reconciling bool              `json:"reconciling"`
	Mint        *MintJob          `json:"mint,omitempty"`
}

// On-chain box states reported by EscrowStatus.
const (
	ChainUnknown  = "unknown"
	ChainMissing  = "missing"
	ChainUnspent  = "unspent"
	ChainSpent    = "spent"
	ChainNotFound = "not_funded"
)

// EscrowStatus 返回任务托管的本地提示与链上事实。
func (s *Settlement) EscrowStatus(ctx context.Context, taskID string) (EscrowView, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return EscrowView{}, err
	}
	view := EscrowView{TaskID: t.ID, Local: t.EscrowStatus, Ref: t.EscrowRef, TxID: t.EscrowTxID, OnChain: ChainNotFound}
	if s.reconciler != nil {
		view.Reconciling = s.reconciler.Watching(t.ID)
	}
	if s.mints != nil {
		if job, ok := s.mints.Job(t.ID); ok {
			view.Mint = &job
		}
	}
	if t.EscrowRef == "" {
		if t.EscrowTxID != "" {
			view.OnChain = ChainUnknown
		}
		return view, nil
	}
	box, err := s.orch.Ledger().BoxByID(ctx, t.EscrowRef)
	switch {
	case err == nil:
		view.Box = box
		view.OnChain = ChainUnspent
		if box.Spent() {
			view.OnChain = ChainSpent
		}
	case xerrors.CodeOf(err) == ledger.CodeBoxNotFound:
		view.OnChain = ChainMissing
	default:
		return view, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取托管 box 失败")
	}
	return view, nil
}

// afterRelease 记录完成事件、喂给检测器并安排铸造。放款已不可逆，这里的失败只记录告警。
func (s *Settlement) afterRelease(ctx context.Context, t *task.Task, agentAddr string, receipt Receipt, outcome *agent.EgoEvent) {
	if outcome != nil {
		s.recordOutcome(ctx, *outcome)
	}
	s.recordOutcome(ctx, agent.EgoEvent{
		AgentID:      t.Agent,
		Kind:         agent.EventTaskCompleted,
		TaskID:       t.ID,
		Counterparty: t.Creator,
		Value:        t.Budget,
	})
	if _, err := s.detector.ObserveCompletion(ctx, antigaming.Completion{
		AgentID: t.Agent,
		Client:  t.Creator,
		TaskID:  t.ID,
		Value:   t.Budget,
		At:      s.clock.Now(),
	}); err != nil {
		s.log.Warn("检测器记录完成失败", slog.String("task_id", t.ID), slog.Any("error", err))
	}
	if s.mints == nil {
		return
	}
	if _, err := s.mints.Schedule(ctx, MintRequest{TaskID: t.ID, AgentID: t.Agent, AgentAddress: agentAddr}, receipt.TxID); err != nil {
		s.log.Warn("安排铸造失败", slog.String("task_id", t.ID), slog.Any("error", err))
	}
}

func (s *Settlement) recordOutcome(ctx context.Context, e agent.EgoEvent) {
	if _, err := s.rep.Record(ctx, e); err != nil {
		s.log.Warn("记录信誉事件失败",
			slog.String("agent_id", e.AgentID),
			slog.String("kind", string(e.Kind)),
			slog.String("task_id", e.TaskID),
			slog.Any("error", err),
		)
	}
}

// commitFailed reports a confirmed on-chain transaction whose local state
// could not be written. The chain stays authoritative.
func (s *Settlement) commitFailed(ctx context.Context, op Op, taskID string, receipt Receipt, err error) error {
	if xerrors.CodeOf(err) == task.CodeTaskConflict {
		if current, getErr := s.tasks.Get(ctx, taskID); getErr == nil && current.EscrowStatus.Settled() {
			s.log.Warn("任务已由另一流程结算",
				slog.String("operation", string(op)),
				slog.String("task_id", taskID),
				slog.String("tx_id", receipt.TxID),
				slog.String("escrow_status", string(current.EscrowStatus)),
			)
			return xerrors.Wrap(CodeStaleReference, err, "托管已结算",
				xerrors.WithMetadata("task_id", taskID),
				xerrors.WithMetadata("escrow_status", string(current.EscrowStatus)))
		}
	}
	logger.Audit().ErrorContext(ctx, "链上交易已确认但本地状态写入失败",
		slog.String("operation", string(op)),
		slog.String("task_id", taskID),
		slog.String("tx_id", receipt.TxID),
		slog.Any("error", err),
	)
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, "本地状态写入失败",
		xerrors.WithMetadata("tx_id", receipt.TxID),
		xerrors.WithMetadata("task_id", taskID))
}

func (s *Settlement) addressOf(ctx context.Context, agentID string) (string, error) {
	a, err := s.rep.EnsureAgent(ctx, agentID, "")
	if err != nil {
		return "", err
	}
	if a.Address != "" {
		return a.Address, nil
	}
	return agentID, nil
}

// fundedAt returns when the fund transition was committed.
func (s *Settlement) fundedAt(ctx context.Context, t *task.Task) (time.Time, error) {
	log, err := s.tasks.Transitions(ctx, t.ID)
	if err != nil {
		return time.Time{}, err
	}
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Action == task.ActionFund {
			return time.Unix(log[i].At, 0), nil
		}
	}
	return time.Unix(t.UpdatedAt, 0), nil
}

func settledGuard(t *task.Task) error {
	if t.EscrowStatus.Settled() {
		return xerrors.New(CodeStaleReference, "托管已结算",
			xerrors.WithMetadata("task_id", t.ID),
			xerrors.WithMetadata("escrow_status", string(t.EscrowStatus)))
	}
	return nil
}

func deadlineBlocked(t *task.Task, actor task.Actor, height int64) bool {
	role := task.RoleOf(t, actor)
	if role != task.RoleCreator && role != task.RoleAgent {
		return false
	}
	return t.Status == task.StatusFunded && (t.DeadlineHeight <= 0 || height <= t.DeadlineHeight)
}
