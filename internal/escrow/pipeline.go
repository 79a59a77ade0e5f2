package escrow

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/ledger"
	"EgoMarket/internal/observability/metrics"
	"EgoMarket/internal/signing"
)

// Op names an escrow pipeline.
type Op string

const (
	OpFund    Op = "fund"
	OpRelease Op = "release"
	OpRefund  Op = "refund"
	OpMint    Op = "mint"
)

// Pipeline steps.
const (
	stepConnect = "connect"
	stepBuild   = "build"
	stepSign    = "sign"
	stepSubmit  = "submit"
	stepConfirm = "confirm"
)

// pipeline 描述一次 build → sign → submit 流程。build 在每次冲突重试时重新执行，
// 因此释放与退款会在重建时重新核验托管 box。
type pipeline struct {
	op      Op
	taskID  string
	gateway signing.Gateway
	retries int
	build   func(ctx context.Context, id signing.Identity) (*ledger.UnsignedTx, error)
}

// outcome 是流程完成后的产物。
type outcome struct {
	identity signing.Identity
	tx       *ledger.UnsignedTx
	result   signing.Result
	txID     string
	attempts int
}

func (o *Orchestrator) execute(ctx context.Context, p pipeline) (outcome, error) {
	var out outcome
	if p.gateway == nil {
		return out, xerrors.Wrap(CodeWalletUnavailable, signing.ErrWalletUnavailable, "no signing gateway")
	}

	err := o.step(ctx, p.op, stepConnect, o.cfg.ConnectTimeout, ErrConnectionTimeout, func(ctx context.Context) error {
		id, err := p.gateway.Connect(ctx)
		out.identity = id
		return err
	})
	if err != nil {
		return out, err
	}

	for attempt := 1; ; attempt++ {
		out.attempts = attempt
		err = o.step(ctx, p.op, stepBuild, o.cfg.ReadTimeout, ErrConnectionTimeout, func(ctx context.Context) error {
			tx, err := p.build(ctx, out.identity)
			out.tx = tx
			return err
		})
		if err != nil {
			return out, err
		}

		err = o.step(ctx, p.op, stepSign, 0, nil, func(ctx context.Context) error {
			res, err := p.gateway.Sign(ctx, out.tx)
			out.result = res
			return err
		})
		if err != nil {
			return out, err
		}

		if out.result.Submitted {
			out.txID = out.result.TxID
			return out, nil
		}
		err = o.step(ctx, p.op, stepSubmit, o.cfg.SubmitTimeout, ErrSubmissionUnconfirmed, func(ctx context.Context) error {
			id, err := o.ledger.Submit(ctx, out.result.Signed)
			out.txID = id
			return err
		})
		if err == nil {
			if out.txID == "" {
				out.txID = out.tx.ID
			}
			return out, nil
		}
		err = classifySubmit(err, out.tx.ID)
		if xerrors.CodeOf(err) == CodeConflict && attempt <= p.retries {
			o.log.Warn("UTXO 冲突，重建交易",
				slog.String("operation", string(p.op)),
				slog.String("task_id", p.taskID),
				slog.String("tx_id", out.tx.ID),
				slog.Int("attempt", attempt),
			)
			continue
		}
		return out, err
	}
}

// step runs fn under an optional timeout. When the step's own deadline fires
// while the caller is still waiting, the error becomes onTimeout.
func (o *Orchestrator) step(ctx context.Context, op Op, name string, timeout time.Duration, onTimeout *xerrors.Error, fn func(context.Context) error) error {
	stepCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		stepCtx, cancel = o.clock.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := o.clock.Now()
	err := fn(stepCtx)
	metrics.ObserveEscrowStep(string(op), name, o.clock.Since(start))
	if err == nil {
		return nil
	}
	if onTimeout != nil && ctx.Err() == nil && stdErrors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(onTimeout.Code(), err, name+" step timed out",
			xerrors.WithMetadata("step", name),
			xerrors.WithMetadata("timeout", timeout.String()))
	}
	return err
}

// classifySubmit maps ledger submission errors onto the escrow taxonomy.
func classifySubmit(err error, txID string) error {
	meta := xerrors.WithMetadata("tx_id", txID)
	switch xerrors.CodeOf(err) {
	case CodeSubmissionUnconfirmed, CodeConflict, CodeSubmissionRejected:
		return err
	case ledger.CodeDoubleSpend:
		return xerrors.Wrap(CodeConflict, err, "input already spent", meta, xerrors.WithRetryable(true))
	case ledger.CodeRejected, xerrors.CodeInvalidArgument:
		return xerrors.Wrap(CodeSubmissionRejected, err, "", meta)
	}
	// 其他失败（网络中断、节点超时、调用方离开）无法判断交易是否已广播。
	return xerrors.Wrap(CodeSubmissionUnconfirmed, err, "", meta)
}
