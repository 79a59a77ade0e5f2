package ledger

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func signAll(tx *UnsignedTx) *SignedTx {
	proofs := make([]string, len(tx.Inputs))
	for i := range proofs {
		proofs[i] = "proof"
	}
	return &SignedTx{ID: tx.ID, Unsigned: tx, Proofs: proofs}
}

func TestMemoryLedgerSubmitAndMine(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryLedger()
	chain.Faucet("alice", 5*NanoPerCoin)

	utxos, err := chain.Utxos(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, utxos, 1)

	height, err := chain.CurrentHeight(ctx)
	require.NoError(t, err)

	tx, err := Build(BuildRequest{
		Candidates:    utxos,
		Outputs:       []Output{{Address: "bob", Value: 2 * NanoPerCoin, Registers: map[string]string{"R4": "x"}}},
		Fee:           1_000_000,
		ChangeAddress: "alice",
		Height:        height,
	})
	require.NoError(t, err)
	require.Len(t, tx.Outputs, 2)

	id, err := chain.Submit(ctx, signAll(tx))
	require.NoError(t, err)
	require.Equal(t, tx.ID, id)

	pending, err := chain.TxByID(ctx, id)
	require.NoError(t, err)
	require.False(t, pending.Confirmed(1))

	left, err := chain.Utxos(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, left, "mempool spends are hidden from the utxo view")

	_, err = chain.BoxByID(ctx, BoxID(id, 0))
	require.True(t, stdErrors.Is(err, ErrBoxNotFound))

	chain.Mine(1)
	mined, err := chain.TxByID(ctx, id)
	require.NoError(t, err)
	require.True(t, mined.Confirmed(1))

	box, err := chain.BoxByID(ctx, BoxID(id, 0))
	require.NoError(t, err)
	require.Equal(t, "bob", box.Address)
	require.Equal(t, "x", box.Registers["R4"])

	spent, err := chain.BoxByID(ctx, utxos[0].BoxID)
	require.NoError(t, err)
	require.True(t, spent.Spent())
}

func TestMemoryLedgerRejectsDoubleSpend(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryLedger(WithAutoMine(true))
	funding := chain.Faucet("alice", 3*NanoPerCoin)

	first, err := Build(BuildRequest{Spend: []Box{funding}, Outputs: []Output{{Address: "bob", Value: NanoPerCoin}}, Fee: 1_000_000, ChangeAddress: "alice", Height: 1})
	require.NoError(t, err)
	second, err := Build(BuildRequest{Spend: []Box{funding}, Outputs: []Output{{Address: "carol", Value: NanoPerCoin}}, Fee: 1_000_000, ChangeAddress: "alice", Height: 1})
	require.NoError(t, err)

	_, err = chain.Submit(ctx, signAll(first))
	require.NoError(t, err)
	_, err = chain.Submit(ctx, signAll(second))
	require.True(t, stdErrors.Is(err, ErrDoubleSpend))
	require.Equal(t, 1, chain.Submissions())
}

func TestMemoryLedgerRejectsTamperedTx(t *testing.T) {
	ctx := context.Background()
	chain := NewMemoryLedger()
	funding := chain.Faucet("alice", 3*NanoPerCoin)

	tx, err := Build(BuildRequest{Spend: []Box{funding}, Outputs: []Output{{Address: "bob", Value: NanoPerCoin}}, Fee: 1_000_000, ChangeAddress: "alice", Height: 1})
	require.NoError(t, err)
	tx.Outputs[0].Address = "mallory"

	_, err = chain.Submit(ctx, signAll(tx))
	require.True(t, stdErrors.Is(err, ErrRejected))
}

func TestBuildInsufficientFunds(t *testing.T) {
	_, err := Build(BuildRequest{
		Candidates:    []Box{{BoxID: "a", Value: NanoPerCoin}},
		Outputs:       []Output{{Address: "bob", Value: NanoPerCoin}},
		Fee:           1_000_000,
		ChangeAddress: "alice",
	})
	require.True(t, stdErrors.Is(err, ErrInsufficientFunds))
}

func TestTxIDIsDeterministic(t *testing.T) {
	tx := &UnsignedTx{
		Inputs:  []Box{{BoxID: "a"}},
		Outputs: []Output{{Address: "bob", Value: 1, Registers: map[string]string{"R5": "b", "R4": "a"}}},
		Fee:     1,
	}
	again := &UnsignedTx{
		Inputs:  []Box{{BoxID: "a", Value: 99}},
		Outputs: []Output{{Address: "bob", Value: 1, Registers: map[string]string{"R4": "a", "R5": "b"}}},
		Fee:     1,
	}
	require.Equal(t, TxID(tx), TxID(again))
	require.NotEqual(t, BoxID(TxID(tx), 0), BoxID(TxID(tx), 1))
}
