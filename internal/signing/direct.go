package signing

import (
	"context"
	stdErrors "errors"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/ledger"
)

// Extension is a wallet that connects and signs synchronously.
type Extension interface {
	Connect(ctx context.Context) (Identity, error)
	SignTx(ctx context.Context, tx *ledger.UnsignedTx) (*ledger.SignedTx, error)
}

// DirectGateway signs through a connected Extension.
type DirectGateway struct {
	ext Extension
}

// NewDirectGateway wraps ext.
func NewDirectGateway(ext Extension) *DirectGateway {
	return &DirectGateway{ext: ext}
}

// Kind 实现 Gateway。
func (g *DirectGateway) Kind() WalletKind { return KindDirect }

// Connect 实现 Gateway。
func (g *DirectGateway) Connect(ctx context.Context) (Identity, error) {
	if g == nil || g.ext == nil {
		return Identity{}, ErrWalletUnavailable
	}
	id, err := g.ext.Connect(ctx)
	if err != nil {
		return Identity{}, mapWalletError(ctx, err)
	}
	if id.Address == "" {
		return Identity{}, xerrors.Wrap(CodeWalletUnavailable, ErrWalletUnavailable, "wallet returned no address")
	}
	return id, nil
}

// Sign 实现 Gateway。
func (g *DirectGateway) Sign(ctx context.Context, tx *ledger.UnsignedTx) (Result, error) {
	if g == nil || g.ext == nil {
		return Result{}, ErrWalletUnavailable
	}
	signed, err := g.ext.SignTx(ctx, tx)
	if err != nil {
		return Result{}, mapWalletError(ctx, err)
	}
	if signed == nil || signed.ID != tx.ID {
		return Result{}, xerrors.Wrap(CodeWalletUnavailable, ErrWalletUnavailable, "wallet returned a different transaction")
	}
	return Result{TxID: signed.ID, Signed: signed}, nil
}

func mapWalletError(ctx context.Context, err error) error {
	switch {
	case stdErrors.Is(err, ErrUserRejected):
		return xerrors.Wrap(CodeUserCancelled, err, "")
	case ctx.Err() != nil:
		return ctx.Err()
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(CodeWalletUnavailable, err, "")
}

var _ Gateway = (*DirectGateway)(nil)
