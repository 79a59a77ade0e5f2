package escrow

import (
	"context"
	"log/slog"
	"time"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/events"
	"EgoMarket/internal/ledger"
	"EgoMarket/internal/task"
	"EgoMarket/pkg/logger"
)

// Reconciler 跟踪已广播但未能读回托管 box 的注资交易，
// 一旦交易可见即写入真实 box id 并完成 fund 迁移。
type Reconciler struct {
	orch     *Orchestrator
	tasks    *task.Service
	deferred *Deferred
	every    time.Duration
	limit    int
	bus      *events.Bus
	log      *slog.Logger
}

// NewReconciler 构造对账器。
func NewReconciler(orch *Orchestrator, tasks *task.Service, bus *events.Bus) *Reconciler {
	cfg := orch.Config()
	return &Reconciler{
		orch:     orch,
		tasks:    tasks,
		deferred: NewDeferred(orch.clock),
		every:    cfg.ReconcileEvery,
		limit:    cfg.ReconcileLimit,
		bus:      bus,
		log:      logger.Named("escrow.reconcile"),
	}
}

// Watch 开始轮询 txID。重复调用以最新一次为准。
func (r *Reconciler) Watch(taskID, txID string, actor task.Actor) {
	r.schedule(taskID, txID, actor, 1)
	r.log.Info("开始对账注资交易", slog.String("task_id", taskID), slog.String("tx_id", txID))
}

// Watching 判断任务是否仍在对账中。
func (r *Reconciler) Watching(taskID string) bool {
	return r.deferred.Pending(taskID)
}

// Stop 停止对任务的对账。
func (r *Reconciler) Stop(taskID string) bool {
	return r.deferred.Cancel(taskID)
}

// Close 停止全部对账。
func (r *Reconciler) Close() {
	r.deferred.Close()
}

func (r *Reconciler) schedule(taskID, txID string, actor task.Actor, attempt int) {
	r.deferred.After(taskID, r.every, func(ctx context.Context) {
		r.poll(ctx, taskID, txID, actor, attempt)
	})
}

func (r *Reconciler) poll(ctx context.Context, taskID, txID string, actor task.Actor, attempt int) {
	box, err := r.orch.ResolveEscrowBox(ctx, txID, taskID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if attempt >= r.limit {
			logger.Audit().Error("注资交易对账暂停，等待再次注资或手动对账",
				slog.String("task_id", taskID),
				slog.String("tx_id", txID),
				slog.Int("attempts", attempt),
				slog.String("code", string(xerrors.CodeOf(err))),
			)
			return
		}
		r.schedule(taskID, txID, actor, attempt+1)
		return
	}
	_, _ = commitReconciled(ctx, r.tasks, r.bus, taskID, txID, box, actor, attempt)
}

// commitReconciled 把读回的托管 box 写入任务并完成 fund 迁移。
func commitReconciled(ctx context.Context, tasks *task.Service, bus *events.Bus, taskID, txID string, box *ledger.Box, actor task.Actor, attempts int) (*task.Task, error) {
	updated, err := tasks.Apply(ctx, taskID, task.Request{Action: task.ActionFund, Actor: actor},
		task.Extras{Escrow: &task.EscrowChange{Ref: box.BoxID, TxID: txID, Status: task.EscrowFunded}})
	if err != nil {
		// 另一条对账路径可能已写入同一笔交易。
		if current, getErr := tasks.Get(ctx, taskID); getErr == nil &&
			current.EscrowStatus == task.EscrowFunded && current.EscrowTxID == txID {
			return current, nil
		}
		logger.Audit().ErrorContext(ctx, "对账后写入托管引用失败",
			slog.String("task_id", taskID),
			slog.String("tx_id", txID),
			slog.String("box_id", box.BoxID),
			slog.Any("error", err),
		)
		return nil, err
	}
	bus.Emit(ctx, events.KindEscrowReconciled, taskID, actor.ID, map[string]any{
		"tx_id":    txID,
		"box_id":   box.BoxID,
		"attempts": attempts,
	})
	bus.Emit(ctx, events.KindEscrowFunded, taskID, actor.ID, map[string]any{
		"tx_id":  txID,
		"box_id": box.BoxID,
		"amount": box.Value,
	})
	logger.Audit().InfoContext(ctx, "注资交易已对账",
		slog.String("task_id", taskID),
		slog.String("escrow_ref", updated.EscrowRef),
		slog.String("status", string(updated.Status)),
	)
	return updated, nil
}
