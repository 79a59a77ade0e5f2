package signing

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"fmt"
	"strings"

	"EgoMarket/internal/ledger"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner is an Extension holding a secp256k1 key in process. The service
// wallet that mints reputation tokens uses it, as do tests.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewKeySigner wraps key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

// GenerateKeySigner creates a signer with a fresh random key.
func GenerateKeySigner() (*KeySigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewKeySigner(key), nil
}

// KeySignerFromHex parses a hex encoded private key.
func KeySignerFromHex(raw string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名私钥失败: %w", err)
	}
	return NewKeySigner(key), nil
}

// Address returns the address controlled by the key.
func (k *KeySigner) Address() string { return k.address }

// Connect 实现 Extension。
func (k *KeySigner) Connect(context.Context) (Identity, error) {
	return Identity{
		Address:   k.address,
		PublicKey: hexutil.Encode(crypto.CompressPubkey(&k.key.PublicKey)),
	}, nil
}

// SignTx 实现 Extension。每个输入附带一份对交易摘要的签名。
func (k *KeySigner) SignTx(ctx context.Context, tx *ledger.UnsignedTx) (*ledger.SignedTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if tx == nil || tx.ID == "" {
		return nil, stdErrors.New("unsealed transaction")
	}
	sig, err := crypto.Sign(ledger.SigningDigest(tx), k.key)
	if err != nil {
		return nil, err
	}
	proof := hexutil.Encode(sig)
	proofs := make([]string, len(tx.Inputs))
	for i := range proofs {
		proofs[i] = proof
	}
	return &ledger.SignedTx{ID: tx.ID, Unsigned: tx, Proofs: proofs}, nil
}

// RecoverSigner returns the address that produced proof over tx.
func RecoverSigner(tx *ledger.UnsignedTx, proof string) (string, error) {
	sig, err := hexutil.Decode(proof)
	if err != nil {
		return "", err
	}
	pub, err := crypto.SigToPub(ledger.SigningDigest(tx), sig)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

var _ Extension = (*KeySigner)(nil)
