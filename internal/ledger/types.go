package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// NanoPerCoin is the number of nano units in one whole coin (1 ERG).
const NanoPerCoin uint64 = 1_000_000_000

// FormatCoins renders a nano amount as a decimal coin string, e.g. "1.5".
func FormatCoins(nano uint64) string {
	whole := nano / NanoPerCoin
	frac := nano % NanoPerCoin
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	return strings.TrimRight(fmt.Sprintf("%d.%09d", whole, frac), "0")
}

// Box is an unspent (or spent) transaction output.
type Box struct {
	BoxID          string            `json:"box_id"`
	TxID           string            `json:"tx_id"`
	Index          int               `json:"index"`
	Value          uint64            `json:"value"`
	Address        string            `json:"address"`
	CreationHeight int64             `json:"creation_height"`
	Registers      map[string]string `json:"registers,omitempty"`
	SpentTxID      string            `json:"spent_tx_id,omitempty"`
}

// Spent reports whether the box has been consumed by a transaction.
func (b *Box) Spent() bool {
	return b != nil && b.SpentTxID != ""
}

// Output describes a box to be created by a transaction.
type Output struct {
	Address   string            `json:"address"`
	Value     uint64            `json:"value"`
	Registers map[string]string `json:"registers,omitempty"`
}

// UnsignedTx is a transaction assembled from a UTXO snapshot and waiting for
// proofs. Its ID is derived from the content and does not change on signing.
type UnsignedTx struct {
	ID             string   `json:"id"`
	Inputs         []Box    `json:"inputs"`
	Outputs        []Output `json:"outputs"`
	Fee            uint64   `json:"fee"`
	ChangeAddress  string   `json:"change_address"`
	CreationHeight int64    `json:"creation_height"`
}

// InputValue sums the value of all inputs.
func (tx *UnsignedTx) InputValue() uint64 {
	var total uint64
	for _, in := range tx.Inputs {
		total += in.Value
	}
	return total
}

// OutputValue sums the value of all outputs, excluding the fee.
func (tx *UnsignedTx) OutputValue() uint64 {
	var total uint64
	for _, out := range tx.Outputs {
		total += out.Value
	}
	return total
}

// InputIDs returns the ids of the boxes spent by the transaction.
func (tx *UnsignedTx) InputIDs() []string {
	ids := make([]string, len(tx.Inputs))
	for i, in := range tx.Inputs {
		ids[i] = in.BoxID
	}
	return ids
}

// Seal computes and stores the content-derived transaction id.
func (tx *UnsignedTx) Seal() string {
	tx.ID = TxID(tx)
	return tx.ID
}

// SignedTx carries the spending proofs for an UnsignedTx.
type SignedTx struct {
	ID       string      `json:"id"`
	Unsigned *UnsignedTx `json:"unsigned"`
	Proofs   []string    `json:"proofs"`
}

// Tx is a transaction as observed on the ledger.
type Tx struct {
	ID              string   `json:"id"`
	Inputs          []string `json:"inputs"`
	Outputs         []Box    `json:"outputs"`
	Fee             uint64   `json:"fee"`
	InclusionHeight int64    `json:"inclusion_height"`
	Confirmations   int64    `json:"confirmations"`
}

// Confirmed reports whether the transaction reached the requested depth.
func (t *Tx) Confirmed(min int64) bool {
	if t == nil {
		return false
	}
	if min <= 0 {
		min = 1
	}
	return t.Confirmations >= min
}

// canonicalBody is the id pre-image: everything except the id itself.
type canonicalBody struct {
	Inputs         []string `json:"inputs"`
	Outputs        []Output `json:"outputs"`
	Fee            uint64   `json:"fee"`
	CreationHeight int64    `json:"creation_height"`
}

func canonicalBytes(tx *UnsignedTx) []byte {
	body := canonicalBody{
		Inputs:         tx.InputIDs(),
		Outputs:        tx.Outputs,
		Fee:            tx.Fee,
		CreationHeight: tx.CreationHeight,
	}
	// encoding/json sorts map keys, so register maps encode deterministically.
	encoded, _ := json.Marshal(body)
	return encoded
}

// SortByValueDesc orders boxes largest first, ties broken by id.
func SortByValueDesc(boxes []Box) {
	sort.Slice(boxes, func(i, j int) bool {
		if boxes[i].Value == boxes[j].Value {
			return boxes[i].BoxID < boxes[j].BoxID
		}
		return boxes[i].Value > boxes[j].Value
	})
}
