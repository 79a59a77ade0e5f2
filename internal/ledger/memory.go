package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	xerrors "EgoMarket/internal/errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// SubmitHook runs before MemoryLedger accepts a transaction. Returning an
// error rejects the submission with that error; blocking on ctx simulates an
// unresponsive node.
type SubmitHook func(ctx context.Context, tx *SignedTx) error

// MemoryLedger is a single-node simulated chain. Submitted transactions wait
// in a mempool until Mine is called, or are mined immediately when auto-mine
// is enabled.
type MemoryLedger struct {
	mu          sync.Mutex
	height      int64
	autoMine    bool
	boxes       map[string]*Box
	txs         map[string]*Tx
	mempool     []string
	pendingUse  map[string]string
	hidden      map[string]struct{}
	hook        SubmitHook
	faucetSeq   int
	submissions int
}

// MemoryOption customises a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithAutoMine mines a block on every accepted submission.
func WithAutoMine(enabled bool) MemoryOption {
	return func(m *MemoryLedger) {
		m.autoMine = enabled
	}
}

// WithHeight sets the starting height.
func WithHeight(height int64) MemoryOption {
	return func(m *MemoryLedger) {
		m.height = height
	}
}

// NewMemoryLedger constructs an empty simulated chain.
func NewMemoryLedger(opts ...MemoryOption) *MemoryLedger {
	m := &MemoryLedger{
		height:     1,
		boxes:      make(map[string]*Box),
		txs:        make(map[string]*Tx),
		pendingUse: make(map[string]string),
		hidden:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Faucet creates a confirmed box of value at address.
func (m *MemoryLedger) Faucet(address string, value uint64) Box {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faucetSeq++
	txID := strip0x(crypto.Keccak256Hash([]byte("faucet:" + strconv.Itoa(m.faucetSeq))).Hex())
	box := &Box{
		BoxID:          BoxID(txID, 0),
		TxID:           txID,
		Index:          0,
		Value:          value,
		Address:        address,
		CreationHeight: m.height,
	}
	m.boxes[box.BoxID] = box
	m.txs[txID] = &Tx{ID: txID, Outputs: []Box{*box}, InclusionHeight: m.height}
	return cloneBox(box)
}

// SetSubmitHook installs or clears the submission hook.
func (m *MemoryLedger) SetSubmitHook(hook SubmitHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// HideTx makes TxByID report the transaction as unknown.
func (m *MemoryLedger) HideTx(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hidden[id] = struct{}{}
}

// RevealTx undoes HideTx.
func (m *MemoryLedger) RevealTx(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hidden, id)
}

// Submissions returns how many transactions were accepted.
func (m *MemoryLedger) Submissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submissions
}

// Mine appends n blocks, including every mempool transaction in the first.
func (m *MemoryLedger) Mine(n int) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.mineLocked()
	}
	return m.height
}

func (m *MemoryLedger) mineLocked() {
	m.height++
	for _, id := range m.mempool {
		tx := m.txs[id]
		tx.InclusionHeight = m.height
		for _, input := range tx.Inputs {
			if box, ok := m.boxes[input]; ok {
				box.SpentTxID = id
			}
			delete(m.pendingUse, input)
		}
		for i := range tx.Outputs {
			tx.Outputs[i].CreationHeight = m.height
			box := tx.Outputs[i]
			m.boxes[box.BoxID] = &box
		}
	}
	m.mempool = nil
}

// Utxos 实现 Client 接口。
func (m *MemoryLedger) Utxos(ctx context.Context, address string) ([]Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Box, 0)
	for id, box := range m.boxes {
		if box.Address != address || box.Spent() {
			continue
		}
		if _, pending := m.pendingUse[id]; pending {
			continue
		}
		result = append(result, cloneBox(box))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].BoxID < result[j].BoxID })
	return result, nil
}

// CurrentHeight 实现 Client 接口。
func (m *MemoryLedger) CurrentHeight(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.height, nil
}

// BoxByID 实现 Client 接口。
func (m *MemoryLedger) BoxByID(ctx context.Context, id string) (*Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	box, ok := m.boxes[id]
	if !ok {
		return nil, ErrBoxNotFound
	}
	clone := cloneBox(box)
	return &clone, nil
}

// TxByID 实现 Client 接口。
func (m *MemoryLedger) TxByID(ctx context.Context, id string) (*Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, hidden := m.hidden[id]; hidden {
		return nil, ErrTxNotFound
	}
	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTxNotFound
	}
	clone := cloneTx(tx)
	if clone.InclusionHeight > 0 {
		clone.Confirmations = m.height - clone.InclusionHeight + 1
	}
	return clone, nil
}

// Submit 实现 Client 接口。
func (m *MemoryLedger) Submit(ctx context.Context, signed *SignedTx) (string, error) {
	if signed == nil || signed.Unsigned == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "signed transaction required")
	}
	m.mu.Lock()
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, signed); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	unsigned := signed.Unsigned
	if id := TxID(unsigned); id != signed.ID || id != unsigned.ID {
		return "", xerrors.Wrap(CodeRejected, ErrRejected, "transaction id mismatch")
	}
	if len(signed.Proofs) != len(unsigned.Inputs) {
		return "", xerrors.Wrap(CodeRejected, ErrRejected, "missing spending proofs")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.txs[signed.ID]; exists {
		return signed.ID, nil
	}
	var inValue uint64
	for _, in := range unsigned.Inputs {
		box, ok := m.boxes[in.BoxID]
		if !ok {
			return "", xerrors.Wrap(CodeRejected, ErrRejected, fmt.Sprintf("unknown input %s", in.BoxID))
		}
		if box.Spent() {
			return "", xerrors.Wrap(CodeDoubleSpend, ErrDoubleSpend, fmt.Sprintf("input %s spent by %s", in.BoxID, box.SpentTxID))
		}
		if other, pending := m.pendingUse[in.BoxID]; pending {
			return "", xerrors.Wrap(CodeDoubleSpend, ErrDoubleSpend, fmt.Sprintf("input %s claimed by pending %s", in.BoxID, other))
		}
		inValue += box.Value
	}
	if inValue != unsigned.OutputValue()+unsigned.Fee {
		return "", xerrors.Wrap(CodeRejected, ErrRejected,
			fmt.Sprintf("value mismatch: inputs %d, outputs+fee %d", inValue, unsigned.OutputValue()+unsigned.Fee))
	}

	tx := &Tx{ID: signed.ID, Inputs: unsigned.InputIDs(), Fee: unsigned.Fee}
	for i, out := range unsigned.Outputs {
		tx.Outputs = append(tx.Outputs, Box{
			BoxID:     BoxID(signed.ID, i),
			TxID:      signed.ID,
			Index:     i,
			Value:     out.Value,
			Address:   out.Address,
			Registers: cloneRegisters(out.Registers),
		})
	}
	m.txs[tx.ID] = tx
	m.mempool = append(m.mempool, tx.ID)
	for _, in := range tx.Inputs {
		m.pendingUse[in] = tx.ID
	}
	m.submissions++
	if m.autoMine {
		m.mineLocked()
	}
	return tx.ID, nil
}

func cloneBox(box *Box) Box {
	clone := *box
	clone.Registers = cloneRegisters(box.Registers)
	return clone
}

func cloneTx(tx *Tx) *Tx {
	clone := *tx
	clone.Inputs = append([]string(nil), tx.Inputs...)
	clone.Outputs = make([]Box, len(tx.Outputs))
	for i := range tx.Outputs {
		clone.Outputs[i] = cloneBox(&tx.Outputs[i])
	}
	return &clone
}

func cloneRegisters(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Client = (*MemoryLedger)(nil)
