package ledger

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// TxID derives the transaction identifier from the unsigned body.
func TxID(tx *UnsignedTx) string {
	return strip0x(crypto.Keccak256Hash(canonicalBytes(tx)).Hex())
}

// BoxID derives the identifier of the output at index within txID.
func BoxID(txID string, index int) string {
	return strip0x(crypto.Keccak256Hash([]byte(txID), []byte(":"), []byte(strconv.Itoa(index))).Hex())
}

// SigningDigest is the 32-byte message a wallet signs for tx.
func SigningDigest(tx *UnsignedTx) []byte {
	return crypto.Keccak256(canonicalBytes(tx))
}

func strip0x(s string) string {
	return strings.TrimPrefix(s, "0x")
}
