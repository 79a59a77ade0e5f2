package rpc

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"testing"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/ledger"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
)

type nodeError struct {
	code int
	msg  string
}

func (e nodeError) Error() string  { return e.msg }
func (e nodeError) ErrorCode() int { return e.code }

// nodeService exposes a MemoryLedger through the ledger RPC namespace.
type nodeService struct {
	chain *ledger.MemoryLedger
}

func toWire(box ledger.Box) wireBox {
	return wireBox{
		BoxID:          box.BoxID,
		TxID:           box.TxID,
		Index:          hexutil.Uint64(box.Index),
		Value:          hexutil.Uint64(box.Value),
		Address:        box.Address,
		CreationHeight: hexutil.Uint64(box.CreationHeight),
		Registers:      box.Registers,
		SpentTxID:      box.SpentTxID,
	}
}

func (s *nodeService) GetUtxos(ctx context.Context, address string) ([]wireBox, error) {
	boxes, err := s.chain.Utxos(ctx, address)
	if err != nil {
		return nil, err
	}
	out := make([]wireBox, len(boxes))
	for i, box := range boxes {
		out[i] = toWire(box)
	}
	return out, nil
}

func (s *nodeService) GetCurrentHeight(ctx context.Context) (hexutil.Uint64, error) {
	height, err := s.chain.CurrentHeight(ctx)
	return hexutil.Uint64(height), err
}

func (s *nodeService) GetBoxById(ctx context.Context, id string) (*wireBox, error) {
	box, err := s.chain.BoxByID(ctx, id)
	if err != nil {
		return nil, nodeError{code: errCodeNotFound, msg: err.Error()}
	}
	wire := toWire(*box)
	return &wire, nil
}

func (s *nodeService) GetTxById(ctx context.Context, id string) (*wireTx, error) {
	tx, err := s.chain.TxByID(ctx, id)
	if err != nil {
		return nil, nodeError{code: errCodeNotFound, msg: err.Error()}
	}
	wire := &wireTx{ID: tx.ID, Inputs: tx.Inputs, Fee: hexutil.Uint64(tx.Fee), InclusionHeight: hexutil.Uint64(tx.InclusionHeight), Confirmations: hexutil.Uint64(tx.Confirmations)}
	for _, out := range tx.Outputs {
		wire.Outputs = append(wire.Outputs, toWire(out))
	}
	return wire, nil
}

func (s *nodeService) Submit(ctx context.Context, tx *ledger.SignedTx) (string, error) {
	id, err := s.chain.Submit(ctx, tx)
	if err != nil {
		if xerrors.CodeOf(err) == ledger.CodeDoubleSpend {
			return "", nodeError{code: errCodeDoubleSpend, msg: err.Error()}
		}
		return "", nodeError{code: errCodeRejected, msg: err.Error()}
	}
	return id, nil
}

func newTestClient(t *testing.T, chain *ledger.MemoryLedger) *Client {
	t.Helper()
	server := gethrpc.NewServer()
	require.NoError(t, server.RegisterName("ledger", &nodeService{chain: chain}))
	t.Cleanup(server.Stop)
	client := NewClientWithRPC(Config{Name: "inproc"}, gethrpc.DialInProc(server))
	t.Cleanup(client.Close)
	return client
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	chain := ledger.NewMemoryLedger(ledger.WithAutoMine(true))
	funding := chain.Faucet("alice", 4*ledger.NanoPerCoin)
	client := newTestClient(t, chain)

	height, err := client.CurrentHeight(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), height)

	utxos, err := client.Utxos(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.Equal(t, funding.BoxID, utxos[0].BoxID)
	require.Equal(t, funding.Value, utxos[0].Value)

	tx, err := ledger.Build(ledger.BuildRequest{
		Candidates:    utxos,
		Outputs:       []ledger.Output{{Address: "bob", Value: ledger.NanoPerCoin, Registers: map[string]string{"R4": "alice"}}},
		Fee:           1_000_000,
		ChangeAddress: "alice",
		Height:        height,
	})
	require.NoError(t, err)
	signed := &ledger.SignedTx{ID: tx.ID, Unsigned: tx, Proofs: []string{"p"}}

	id, err := client.Submit(ctx, signed)
	require.NoError(t, err)
	require.Equal(t, tx.ID, id)

	confirmed, err := client.TxByID(ctx, id)
	require.NoError(t, err)
	require.True(t, confirmed.Confirmed(1))
	require.Len(t, confirmed.Outputs, 2)

	box, err := client.BoxByID(ctx, confirmed.Outputs[0].BoxID)
	require.NoError(t, err)
	require.Equal(t, "alice", box.Registers["R4"])

	_, err = client.Submit(ctx, signed)
	require.NoError(t, err, "resubmitting an accepted tx is idempotent")
}

func TestClientClassifiesNodeErrors(t *testing.T) {
	ctx := context.Background()
	chain := ledger.NewMemoryLedger(ledger.WithAutoMine(true))
	funding := chain.Faucet("alice", 4*ledger.NanoPerCoin)
	client := newTestClient(t, chain)

	_, err := client.BoxByID(ctx, "missing")
	require.True(t, stdErrors.Is(err, ledger.ErrBoxNotFound))

	_, err = client.TxByID(ctx, "missing")
	require.True(t, stdErrors.Is(err, ledger.ErrTxNotFound))

	first, err := ledger.Build(ledger.BuildRequest{Spend: []ledger.Box{funding}, Outputs: []ledger.Output{{Address: "bob", Value: ledger.NanoPerCoin}}, Fee: 1_000_000, ChangeAddress: "alice", Height: 1})
	require.NoError(t, err)
	second, err := ledger.Build(ledger.BuildRequest{Spend: []ledger.Box{funding}, Outputs: []ledger.Output{{Address: "carol", Value: ledger.NanoPerCoin}}, Fee: 1_000_000, ChangeAddress: "alice", Height: 1})
	require.NoError(t, err)

	_, err = client.Submit(ctx, &ledger.SignedTx{ID: first.ID, Unsigned: first, Proofs: []string{"p"}})
	require.NoError(t, err)
	_, err = client.Submit(ctx, &ledger.SignedTx{ID: second.ID, Unsigned: second, Proofs: []string{"p"}})
	require.True(t, stdErrors.Is(err, ledger.ErrDoubleSpend))
}

func TestLoadNodeDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	content := "nodes:\n  testnet:\n    rpc_url: http://127.0.0.1:9053/rpc\n    description: local node\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	defs, err := LoadNodeDefinitions(path)
	require.NoError(t, err)
	require.Contains(t, defs.Nodes, "testnet")
	require.Equal(t, "http://127.0.0.1:9053/rpc", defs.Nodes["testnet"].RPCURL)

	empty, err := LoadNodeDefinitions("")
	require.NoError(t, err)
	require.Empty(t, empty.Nodes)
}
