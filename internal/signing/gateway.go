// Package signing abstracts how an unsigned escrow transaction obtains its
// spending proofs. A DirectGateway asks a connected wallet synchronously; a
// RemoteGateway presents a payload to an external wallet and waits for the
// transaction to appear on the ledger.
package signing

import (
	"context"
	stdErrors "errors"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/ledger"
)

// WalletKind 标识签名通道的类型。
type WalletKind string

const (
	KindDirect WalletKind = "direct"
	KindRemote WalletKind = "remote"
)

// Identity 描述已连接钱包的地址信息。
type Identity struct {
	Address       string `json:"address"`
	ChangeAddress string `json:"change_address,omitempty"`
	PublicKey     string `json:"public_key,omitempty"`
}

// Change 返回找零地址，未指定时回落到主地址。
func (i Identity) Change() string {
	if i.ChangeAddress != "" {
		return i.ChangeAddress
	}
	return i.Address
}

// Result 是一次签名的产物。
//
// 直接签名返回 Signed，由调用方提交；远程签名由钱包自行广播，
// Submitted 为 true 且 Observed 为轮询到的链上交易。
type Result struct {
	TxID      string
	Signed    *ledger.SignedTx
	Submitted bool
	Observed  *ledger.Tx
}

// Gateway 是钱包签名通道的统一接口。
type Gateway interface {
	Kind() WalletKind
	Connect(ctx context.Context) (Identity, error)
	Sign(ctx context.Context, tx *ledger.UnsignedTx) (Result, error)
}

const (
	CodeUserCancelled       xerrors.Code = "USER_CANCELLED"
	CodeWalletUnavailable   xerrors.Code = "WALLET_UNAVAILABLE"
	CodeConfirmationTimeout xerrors.Code = "CONFIRMATION_TIMEOUT"
)

var (
	// ErrUserRejected 由钱包实现返回，表示用户拒绝了请求。
	ErrUserRejected = stdErrors.New("user rejected the request")

	// ErrUserCancelled 表示用户取消了签名。
	ErrUserCancelled = xerrors.New(CodeUserCancelled, "signing cancelled by user")
	// ErrWalletUnavailable 表示钱包不可用或未连接。
	ErrWalletUnavailable = xerrors.New(CodeWalletUnavailable, "wallet unavailable")
	// ErrConfirmationTimeout 表示远程签名窗口内未观察到交易。
	ErrConfirmationTimeout = xerrors.New(CodeConfirmationTimeout, "remote signing window elapsed")
)

func init() {
	xerrors.Register(CodeUserCancelled, xerrors.Attributes{
		Message:  "signing cancelled by user",
		Severity: xerrors.SeverityInfo,
		Recovery: xerrors.RecoveryUserAction,
	})
	xerrors.Register(CodeWalletUnavailable, xerrors.Attributes{
		Message:   "wallet unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeConfirmationTimeout, xerrors.Attributes{
		Message:   "remote signing window elapsed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Ambiguous: true,
	})
}

type identityKey struct{}

// ContextWithIdentity 把调用方声明的钱包身份写入上下文，供远程通道使用。
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext 读取上下文中的钱包身份。
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.Address != ""
}
