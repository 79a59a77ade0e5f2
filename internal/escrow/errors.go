package escrow

import (
	"EgoMarket/internal/antigaming"
	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/reputation"
	"EgoMarket/internal/signing"
)

// 托管错误码。用户取消、钱包不可用与确认超时由签名层定义，这里统一导出。
const (
	CodeUserCancelled         = signing.CodeUserCancelled
	CodeWalletUnavailable     = signing.CodeWalletUnavailable
	CodeConfirmationTimeout   = signing.CodeConfirmationTimeout
	CodeConflict              = xerrors.CodeConflict
	CodeFundingFrozen         = antigaming.CodeFundingFrozen
	CodeTierLimitExceeded     = reputation.CodeTierLimitExceeded
	CodeHoldPeriodActive      = reputation.CodeHoldPeriodActive
	CodeInsufficientFunds     xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeConnectionTimeout     xerrors.Code = "CONNECTION_TIMEOUT"
	CodeSubmissionUnconfirmed xerrors.Code = "SUBMISSION_UNCONFIRMED"
	CodeSubmissionRejected    xerrors.Code = "SUBMISSION_REJECTED"
	CodeStaleReference        xerrors.Code = "STALE_REFERENCE"
	CodeDeadlineNotReached    xerrors.Code = "DEADLINE_NOT_REACHED"
	CodeEscrowUnresolved      xerrors.Code = "ESCROW_UNRESOLVED"
	CodeMintFailed            xerrors.Code = "MINT_FAILED"
)

var (
	// ErrInsufficientFunds 表示付款方余额不足以覆盖金额与网络费。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds for escrow")
	// ErrConnectionTimeout 表示钱包或节点未在时限内响应。
	ErrConnectionTimeout = xerrors.New(CodeConnectionTimeout, "connection timed out")
	// ErrSubmissionUnconfirmed 表示提交结果未知，交易可能已上链。
	ErrSubmissionUnconfirmed = xerrors.New(CodeSubmissionUnconfirmed, "submission outcome unknown")
	// ErrSubmissionRejected 表示节点明确拒绝了交易。
	ErrSubmissionRejected = xerrors.New(CodeSubmissionRejected, "submission rejected")
	// ErrStaleReference 表示托管 box 已被花费或不存在。
	ErrStaleReference = xerrors.New(CodeStaleReference, "escrow reference is stale")
	// ErrDeadlineNotReached 表示截止高度尚未到达。
	ErrDeadlineNotReached = xerrors.New(CodeDeadlineNotReached, "deadline height not reached")
	// ErrEscrowUnresolved 表示注资交易已提交但尚未能读回托管 box。
	ErrEscrowUnresolved = xerrors.New(CodeEscrowUnresolved, "escrow box not yet resolvable")
	// ErrMintFailed 表示信誉代币铸造失败，仅作告警。
	ErrMintFailed = xerrors.New(CodeMintFailed, "reputation token mint failed")
	// ErrConflict 表示输入 UTXO 已被并发交易占用。
	ErrConflict = xerrors.New(CodeConflict, "utxo conflict", xerrors.WithRetryable(true))
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "insufficient funds for escrow",
		Severity: xerrors.SeverityInfo,
		Recovery: xerrors.RecoveryUserAction,
	})
	xerrors.Register(CodeConnectionTimeout, xerrors.Attributes{
		Message:   "connection timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Ambiguous: true,
	})
	xerrors.Register(CodeSubmissionUnconfirmed, xerrors.Attributes{
		Message:   "submission outcome unknown",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
		Ambiguous: true,
	})
	xerrors.Register(CodeSubmissionRejected, xerrors.Attributes{
		Message:  "submission rejected",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeStaleReference, xerrors.Attributes{
		Message:  "escrow reference is stale",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeDeadlineNotReached, xerrors.Attributes{
		Message:  "deadline height not reached",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeEscrowUnresolved, xerrors.Attributes{
		Message:   "escrow box not yet resolvable",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
		Ambiguous: true,
	})
	xerrors.Register(CodeMintFailed, xerrors.Attributes{
		Message:  "reputation token mint failed",
		Severity: xerrors.SeverityWarning,
	})
}
