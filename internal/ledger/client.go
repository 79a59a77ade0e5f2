package ledger

import (
	"context"

	xerrors "EgoMarket/internal/errors"
)

// Client defines the ledger operations the escrow layer depends on. Every
// backend, simulated or networked, must satisfy it.
type Client interface {
	// Utxos returns the unspent boxes guarded by address.
	Utxos(ctx context.Context, address string) ([]Box, error)
	// CurrentHeight returns the height of the best block.
	CurrentHeight(ctx context.Context) (int64, error)
	// BoxByID returns a box whether or not it has been spent.
	BoxByID(ctx context.Context, id string) (*Box, error)
	// TxByID returns a transaction from the mempool or the chain.
	TxByID(ctx context.Context, id string) (*Tx, error)
	// Submit broadcasts a signed transaction and returns its id.
	Submit(ctx context.Context, tx *SignedTx) (string, error)
}

const (
	CodeBoxNotFound       xerrors.Code = "LEDGER_BOX_NOT_FOUND"
	CodeTxNotFound        xerrors.Code = "LEDGER_TX_NOT_FOUND"
	CodeDoubleSpend       xerrors.Code = "LEDGER_DOUBLE_SPEND"
	CodeRejected          xerrors.Code = "LEDGER_REJECTED"
	CodeInsufficientFunds xerrors.Code = "LEDGER_INSUFFICIENT_FUNDS"
)

var (
	// ErrBoxNotFound 表示链上不存在该 box。
	ErrBoxNotFound = xerrors.New(CodeBoxNotFound, "box not found")
	// ErrTxNotFound 表示节点尚未见到该交易。
	ErrTxNotFound = xerrors.New(CodeTxNotFound, "transaction not found")
	// ErrDoubleSpend 表示交易输入已被其他交易花费。
	ErrDoubleSpend = xerrors.New(CodeDoubleSpend, "input already spent")
	// ErrRejected 表示节点拒绝了交易。
	ErrRejected = xerrors.New(CodeRejected, "transaction rejected")
	// ErrInsufficientFunds 表示可用 UTXO 不足以支付输出与手续费。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
)

func init() {
	xerrors.Register(CodeBoxNotFound, xerrors.Attributes{
		Message:  "box not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTxNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeDoubleSpend, xerrors.Attributes{
		Message:   "input already spent",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeRejected, xerrors.Attributes{
		Message:  "transaction rejected",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "insufficient funds",
		Severity: xerrors.SeverityInfo,
		Recovery: xerrors.RecoveryUserAction,
	})
}
