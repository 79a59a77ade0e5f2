// Package escrow moves task funds on the ledger. The Orchestrator runs the
// connect → build → sign → submit → confirm pipeline for fund, release, refund
// and reputation-token mint transactions; Settlement composes it with the task
// lifecycle, the reputation engine and the anti-gaming detector.
package escrow

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/ledger"
	"EgoMarket/internal/observability/alerting"
	"EgoMarket/internal/observability/metrics"
	"EgoMarket/internal/signing"
	"EgoMarket/pkg/logger"

	"github.com/benbjohnson/clock"
)

// Receipt 记录一次成功的托管交易。
type Receipt struct {
	Operation   Op                 `json:"operation"`
	TaskID      string             `json:"task_id"`
	TxID        string             `json:"tx_id"`
	BoxID       string             `json:"box_id,omitempty"`
	Amount      uint64             `json:"amount"`
	NetworkFee  uint64             `json:"network_fee"`
	ProtocolFee uint64             `json:"protocol_fee,omitempty"`
	Payout      uint64             `json:"payout,omitempty"`
	Payee       string             `json:"payee,omitempty"`
	Wallet      signing.WalletKind `json:"wallet"`
	Payer       string             `json:"payer"`
	Attempts    int                `json:"attempts"`
}

// FundRequest 描述注资参数。
type FundRequest struct {
	TaskID         string
	Amount         uint64
	DeadlineHeight int64
	AgentAddress   string
}

// ReleaseRequest 描述放款参数。
type ReleaseRequest struct {
	TaskID       string
	EscrowRef    string
	AgentAddress string
}

// RefundRequest 描述退款参数。SkipDeadline 仅供调解裁定退款使用。
type RefundRequest struct {
	TaskID       string
	EscrowRef    string
	SkipDeadline bool
}

// MintRequest 描述信誉代币铸造参数。
type MintRequest struct {
	TaskID       string
	AgentID      string
	AgentAddress string
}

// Orchestrator 负责托管交易的链上流程。
type Orchestrator struct {
	ledger  ledger.Client
	cfg     Config
	clock   clock.Clock
	alerts  alerting.Dispatcher
	log     *slog.Logger
	locks   taskLocks
}

// OrchestratorOption 定义可选配置。
type OrchestratorOption func(*Orchestrator)

// WithConfig 覆盖默认配置。
func WithConfig(cfg Config) OrchestratorOption {
	return func(o *Orchestrator) { o.cfg = cfg.withDefaults() }
}

// WithOrchestratorClock 配置时钟。
func WithOrchestratorClock(c clock.Clock) OrchestratorOption {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) { o.alerts = d }
}

// NewOrchestrator 构造托管编排器。
func NewOrchestrator(client ledger.Client, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		ledger: client,
		cfg:    DefaultConfig(),
		clock:  clock.New(),
		log:    logger.Named("escrow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// Config 返回生效配置。
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Ledger 返回底层账本客户端。
func (o *Orchestrator) Ledger() ledger.Client {
	return o.ledger
}

// Fund 把任务金额锁入托管 box。余额不足时在签名之前失败。
func (o *Orchestrator) Fund(ctx context.Context, gw signing.Gateway, req FundRequest) (Receipt, error) {
	if req.TaskID == "" || req.Amount == 0 {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "注资需要任务 ID 与正数金额")
	}
	return o.exclusive(ctx, OpFund, req.TaskID, func(ctx context.Context) (Receipt, error) {
		out, err := o.execute(ctx, pipeline{
			op:      OpFund,
			taskID:  req.TaskID,
			gateway: gw,
			retries: o.cfg.ConflictRetries,
			build: func(ctx context.Context, id signing.Identity) (*ledger.UnsignedTx, error) {
				return o.buildFund(ctx, id, req)
			},
		})
		if err != nil {
			return Receipt{}, err
		}
		receipt := Receipt{
			Operation:  OpFund,
			TaskID:     req.TaskID,
			TxID:       out.txID,
			Amount:     req.Amount,
			NetworkFee: o.cfg.NetworkFee,
			Payee:      o.cfg.ContractAddress,
			Wallet:     gw.Kind(),
			Payer:      out.identity.Address,
			Attempts:   out.attempts,
		}
		if obs := out.result.Observed; obs != nil {
			if box, ok := o.escrowOutput(obs.Outputs, req.TaskID); ok {
				receipt.BoxID = box.BoxID
				return receipt, nil
			}
		}
		box, err := o.readback(ctx, out.txID, req.TaskID)
		if err != nil {
			return receipt, err
		}
		receipt.BoxID = box.BoxID
		return receipt, nil
	})
}

func (o *Orchestrator) buildFund(ctx context.Context, id signing.Identity, req FundRequest) (*ledger.UnsignedTx, error) {
	utxos, err := o.ledger.Utxos(ctx, id.Address)
	if err != nil {
		return nil, err
	}
	height, err := o.ledger.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}
	need := req.Amount + o.cfg.NetworkFee
	if have := ledger.Balance(utxos); have < need {
		return nil, xerrors.New(CodeInsufficientFunds,
			fmt.Sprintf("need %s ERG, have %s ERG", ledger.FormatCoins(need), ledger.FormatCoins(have)),
			xerrors.WithMetadata("need", strconv.FormatUint(need, 10)),
			xerrors.WithMetadata("have", strconv.FormatUint(have, 10)),
			xerrors.WithMetadata("address", id.Address))
	}
	return ledger.Build(ledger.BuildRequest{
		Candidates: utxos,
		Outputs: []ledger.Output{{
			Address: o.cfg.ContractAddress,
			Value:   req.Amount,
			Registers: map[string]string{
				RegisterClient:   id.Address,
				RegisterAgent:    req.AgentAddress,
				RegisterDeadline: strconv.FormatInt(req.DeadlineHeight, 10),
				RegisterFee:      o.cfg.FeeAddress,
				RegisterTask:     req.TaskID,
			},
		}},
		Fee:           o.cfg.NetworkFee,
		ChangeAddress: id.Change(),
		Height:        height,
	})
}

// Release 把托管金额扣除协议费与网络费后支付给代理。
func (o *Orchestrator) Release(ctx context.Context, gw signing.Gateway, req ReleaseRequest) (Receipt, error) {
	if req.TaskID == "" {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "放款需要任务 ID")
	}
	return o.exclusive(ctx, OpRelease, req.TaskID, func(ctx context.Context) (Receipt, error) {
		receipt := Receipt{Operation: OpRelease, TaskID: req.TaskID, BoxID: req.EscrowRef, NetworkFee: o.cfg.NetworkFee, Wallet: gw.Kind()}
		out, err := o.execute(ctx, pipeline{
			op:      OpRelease,
			taskID:  req.TaskID,
			gateway: gw,
			retries: o.cfg.ConflictRetries,
			build: func(ctx context.Context, id signing.Identity) (*ledger.UnsignedTx, error) {
				box, height, err := o.verifyForSpend(ctx, req.TaskID, req.EscrowRef)
				if err != nil {
					return nil, err
				}
				payee := req.AgentAddress
				if payee == "" {
					payee = box.Registers[RegisterAgent]
				}
				if payee == "" {
					return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少代理收款地址")
				}
				protocol := o.cfg.ProtocolFee(box.Value)
				if box.Value <= o.cfg.NetworkFee+protocol {
					return nil, xerrors.New(CodeInsufficientFunds, "托管金额不足以支付费用")
				}
				receipt.Amount = box.Value
				receipt.ProtocolFee = protocol
				receipt.Payout = box.Value - o.cfg.NetworkFee - protocol
				receipt.Payee = payee
				outputs := []ledger.Output{{Address: payee, Value: receipt.Payout}}
				if protocol > 0 {
					feeAddr := box.Registers[RegisterFee]
					if feeAddr == "" {
						feeAddr = o.cfg.FeeAddress
					}
					outputs = append(outputs, ledger.Output{Address: feeAddr, Value: protocol})
				}
				return ledger.Build(ledger.BuildRequest{
					Spend:         []ledger.Box{*box},
					Outputs:       outputs,
					Fee:           o.cfg.NetworkFee,
					ChangeAddress: id.Change(),
					Height:        height,
				})
			},
		})
		if err != nil {
			return Receipt{}, err
		}
		receipt.TxID = out.txID
		receipt.Payer = out.identity.Address
		receipt.Attempts = out.attempts
		return receipt, nil
	})
}

// Refund 把托管金额扣除网络费后退回发布者。截止高度检查是提示性的，链上合约是最终裁决。
func (o *Orchestrator) Refund(ctx context.Context, gw signing.Gateway, req RefundRequest) (Receipt, error) {
	if req.TaskID == "" {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "退款需要任务 ID")
	}
	return o.exclusive(ctx, OpRefund, req.TaskID, func(ctx context.Context) (Receipt, error) {
		receipt := Receipt{Operation: OpRefund, TaskID: req.TaskID, BoxID: req.EscrowRef, NetworkFee: o.cfg.NetworkFee, Wallet: gw.Kind()}
		out, err := o.execute(ctx, pipeline{
			op:      OpRefund,
			taskID:  req.TaskID,
			gateway: gw,
			retries: o.cfg.ConflictRetries,
			build: func(ctx context.Context, id signing.Identity) (*ledger.UnsignedTx, error) {
				box, height, err := o.verifyForSpend(ctx, req.TaskID, req.EscrowRef)
				if err != nil {
					return nil, err
				}
				if !req.SkipDeadline {
					deadline, _ := strconv.ParseInt(box.Registers[RegisterDeadline], 10, 64)
					if deadline <= 0 || height <= deadline {
						return nil, xerrors.New(CodeDeadlineNotReached,
							fmt.Sprintf("deadline height %d not passed (current %d)", deadline, height),
							xerrors.WithMetadata("deadline_height", strconv.FormatInt(deadline, 10)),
							xerrors.WithMetadata("height", strconv.FormatInt(height, 10)))
					}
				}
				payee := box.Registers[RegisterClient]
				if payee == "" {
					payee = id.Address
				}
				if box.Value <= o.cfg.NetworkFee {
					return nil, xerrors.New(CodeInsufficientFunds, "托管金额不足以支付网络费")
				}
				receipt.Amount = box.Value
				receipt.Payout = box.Value - o.cfg.NetworkFee
				receipt.Payee = payee
				return ledger.Build(ledger.BuildRequest{
					Spend:         []ledger.Box{*box},
					Outputs:       []ledger.Output{{Address: payee, Value: receipt.Payout}},
					Fee:           o.cfg.NetworkFee,
					ChangeAddress: id.Change(),
					Height:        height,
				})
			},
		})
		if err != nil {
			return Receipt{}, err
		}
		receipt.TxID = out.txID
		receipt.Payer = out.identity.Address
		receipt.Attempts = out.attempts
		return receipt, nil
	})
}

// Mint 由服务钱包向代理发放一枚信誉代币。冲突不在此重试，由调度器按退避策略处理。
func (o *Orchestrator) Mint(ctx context.Context, gw signing.Gateway, req MintRequest) (Receipt, error) {
	if req.AgentAddress == "" {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "铸造需要代理地址")
	}
	out, err := o.execute(ctx, pipeline{
		op:      OpMint,
		taskID:  req.TaskID,
		gateway: gw,
		retries: 0,
		build: func(ctx context.Context, id signing.Identity) (*ledger.UnsignedTx, error) {
			utxos, err := o.ledger.Utxos(ctx, id.Address)
			if err != nil {
				return nil, err
			}
			height, err := o.ledger.CurrentHeight(ctx)
			if err != nil {
				return nil, err
			}
			return ledger.Build(ledger.BuildRequest{
				Candidates: utxos,
				Outputs: []ledger.Output{{
					Address: req.AgentAddress,
					Value:   o.cfg.MintBoxValue,
					Registers: map[string]string{
						"R4": o.cfg.MintToken,
						"R5": req.TaskID,
						"R6": req.AgentID,
					},
				}},
				Fee:           o.cfg.NetworkFee,
				ChangeAddress: id.Change(),
				Height:        height,
			})
		},
	})
	if err != nil {
		metrics.ObserveEscrowOperation(string(OpMint), string(xerrors.CodeOf(err)))
		return Receipt{}, err
	}
	metrics.ObserveEscrowOperation(string(OpMint), "ok")
	return Receipt{
		Operation:  OpMint,
		TaskID:     req.TaskID,
		TxID:       out.txID,
		Amount:     o.cfg.MintBoxValue,
		NetworkFee: o.cfg.NetworkFee,
		Payee:      req.AgentAddress,
		Wallet:     gw.Kind(),
		Payer:      out.identity.Address,
		Attempts:   out.attempts,
	}, nil
}

// Verify 确认托管 box 存在且未花费，否则返回 STALE_REFERENCE。
func (o *Orchestrator) Verify(ctx context.Context, ref string) (*ledger.Box, error) {
	if ref == "" {
		return nil, xerrors.New(CodeStaleReference, "任务没有托管引用")
	}
	box, err := o.ledger.BoxByID(ctx, ref)
	if err != nil {
		if stdErrors.Is(err, ledger.ErrBoxNotFound) {
			return nil, xerrors.Wrap(CodeStaleReference, err, "托管 box 不存在", xerrors.WithMetadata("box_id", ref))
		}
		return nil, err
	}
	if box.Spent() {
		return nil, xerrors.New(CodeStaleReference, "托管 box 已被花费",
			xerrors.WithMetadata("box_id", ref),
			xerrors.WithMetadata("spent_tx_id", box.SpentTxID))
	}
	return box, nil
}

func (o *Orchestrator) verifyForSpend(ctx context.Context, taskID, ref string) (*ledger.Box, int64, error) {
	box, err := o.Verify(ctx, ref)
	if err != nil {
		return nil, 0, err
	}
	if box.Address != o.cfg.ContractAddress || box.Registers[RegisterTask] != taskID {
		return nil, 0, xerrors.New(CodeStaleReference, "托管 box 不属于该任务",
			xerrors.WithMetadata("box_id", ref),
			xerrors.WithMetadata("task_id", taskID))
	}
	height, err := o.ledger.CurrentHeight(ctx)
	if err != nil {
		return nil, 0, err
	}
	return box, height, nil
}

// ResolveEscrowBox 从注资交易中找出任务的托管 box。交易不可见时返回 ESCROW_UNRESOLVED。
func (o *Orchestrator) ResolveEscrowBox(ctx context.Context, txID, taskID string) (*ledger.Box, error) {
	tx, err := o.ledger.TxByID(ctx, txID)
	if err != nil {
		if stdErrors.Is(err, ledger.ErrTxNotFound) {
			return nil, xerrors.Wrap(CodeEscrowUnresolved, err, "注资交易尚不可见",
				xerrors.WithMetadata("tx_id", txID),
				xerrors.WithMetadata("task_id", taskID))
		}
		return nil, err
	}
	box, ok := o.escrowOutput(tx.Outputs, taskID)
	if !ok {
		return nil, xerrors.New(CodeEscrowUnresolved, "注资交易中没有该任务的托管输出",
			xerrors.WithMetadata("tx_id", txID),
			xerrors.WithMetadata("task_id", taskID))
	}
	return &box, nil
}

func (o *Orchestrator) escrowOutput(outputs []ledger.Box, taskID string) (ledger.Box, bool) {
	for _, box := range outputs {
		if box.Address == o.cfg.ContractAddress && box.Registers[RegisterTask] == taskID && box.BoxID != "" {
			return box, true
		}
	}
	return ledger.Box{}, false
}

// readback polls for the funding transaction. The box id is never derived
// from the tx id: if the transaction cannot be read the caller gets
// ESCROW_UNRESOLVED carrying the tx id.
func (o *Orchestrator) readback(ctx context.Context, txID, taskID string) (*ledger.Box, error) {
	var box *ledger.Box
	err := o.step(ctx, OpFund, stepConfirm, 0, nil, func(ctx context.Context) error {
		for i := 0; ; i++ {
			b, err := o.ResolveEscrowBox(ctx, txID, taskID)
			if err == nil {
				box = b
				return nil
			}
			if i >= o.cfg.ReadbackRetries {
				return err
			}
			select {
			case <-ctx.Done():
				return err
			case <-o.clock.After(o.cfg.PollInterval):
			}
		}
	})
	if err != nil {
		if xerrors.CodeOf(err) == CodeEscrowUnresolved {
			return nil, err
		}
		return nil, xerrors.Wrap(CodeEscrowUnresolved, err, "读回注资交易失败",
			xerrors.WithMetadata("tx_id", txID),
			xerrors.WithMetadata("task_id", taskID))
	}
	return box, nil
}

// exclusive runs fn while holding the task's escrow lock. Fund, release and
// refund of one task never overlap; a waiter runs its own pipeline afterwards
// and so meets the spent box at verification.
func (o *Orchestrator) exclusive(ctx context.Context, op Op, taskID string, fn func(context.Context) (Receipt, error)) (Receipt, error) {
	release, err := o.locks.hold(ctx, op, taskID)
	if err != nil {
		return Receipt{}, err
	}
	defer release()
	r, err := fn(ctx)
	o.record(ctx, op, taskID, r, err)
	return r, err
}

func (o *Orchestrator) record(ctx context.Context, op Op, taskID string, r Receipt, err error) {
	if err == nil {
		metrics.ObserveEscrowOperation(string(op), "ok")
		logger.Audit().InfoContext(ctx, "托管交易完成",
			slog.String("operation", string(op)),
			slog.String("task_id", taskID),
			slog.String("tx_id", r.TxID),
			slog.String("box_id", r.BoxID),
			slog.Uint64("amount", r.Amount),
			slog.String("wallet", string(r.Wallet)),
			slog.Int("attempts", r.Attempts),
		)
		return
	}
	code := xerrors.CodeOf(err)
	metrics.ObserveEscrowOperation(string(op), string(code))
	logger.Audit().WarnContext(ctx, "托管交易失败",
		slog.String("operation", string(op)),
		slog.String("task_id", taskID),
		slog.String("code", string(code)),
		slog.Bool("ambiguous", xerrors.AmbiguousError(err)),
		slog.String("error", err.Error()),
	)
	if o.alerts != nil && (xerrors.ShouldAlert(err) || xerrors.AmbiguousError(err)) {
		event := alerting.FromError(string(op), "pipeline", taskID, err)
		event.OccurredAt = o.clock.Now()
		if notifyErr := o.alerts.Notify(ctx, event); notifyErr != nil {
			o.log.Error("告警通知失败", slog.Any("error", notifyErr), slog.String("task_id", taskID))
		}
	}
}
