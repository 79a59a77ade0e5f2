// Package rpc implements ledger.Client against a node exposing the ledger
// JSON-RPC namespace, and a registry that builds clients from a YAML node list.
package rpc

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"sync"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/ledger"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Node error codes reported through JSON-RPC error objects.
const (
	errCodeNotFound    = -32004
	errCodeDoubleSpend = -32010
	errCodeRejected    = -32011
)

// Config describes how to reach a ledger node.
type Config struct {
	Name      string
	RPCURL    string
	Namespace string
	Notes     string
}

// caller is the subset of *gethrpc.Client used by Client.
type caller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	Close()
}

// Client implements ledger.Client over JSON-RPC.
type Client struct {
	name      string
	notes     string
	namespace string
	mu        sync.Mutex
	rpc       caller
}

// NewClient dials the configured endpoint.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	url := strings.TrimSpace(cfg.RPCURL)
	if url == "" {
		return nil, stdErrors.New("未配置账本节点 RPC 地址")
	}
	conn, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接账本节点失败: %w", err)
	}
	return newClient(cfg, conn), nil
}

// NewClientWithRPC wraps an existing go-ethereum RPC client, for example one
// attached in-process with gethrpc.DialInProc.
func NewClientWithRPC(cfg Config, conn *gethrpc.Client) *Client {
	return newClient(cfg, conn)
}

func newClient(cfg Config, conn caller) *Client {
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = "ledger"
	}
	return &Client{name: cfg.Name, notes: cfg.Notes, namespace: namespace, rpc: conn}
}

// Name returns the configured node name.
func (c *Client) Name() string { return c.name }

// Close releases the underlying connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	c.mu.Lock()
	conn := c.rpc
	c.mu.Unlock()
	if conn == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "ledger client closed")
	}
	if err := conn.CallContext(ctx, result, c.namespace+"_"+method, args...); err != nil {
		return classify(method, err)
	}
	return nil
}

// wireBox mirrors Box with hex encoded quantities.
type wireBox struct {
	BoxID          string            `json:"boxId"`
	TxID           string            `json:"transactionId"`
	Index          hexutil.Uint64    `json:"index"`
	Value          hexutil.Uint64    `json:"value"`
	Address        string            `json:"address"`
	CreationHeight hexutil.Uint64    `json:"creationHeight"`
	Registers      map[string]string `json:"additionalRegisters,omitempty"`
	SpentTxID      string            `json:"spentTransactionId,omitempty"`
}

func (w wireBox) toBox() ledger.Box {
	return ledger.Box{
		BoxID:          w.BoxID,
		TxID:           w.TxID,
		Index:          int(w.Index),
		Value:          uint64(w.Value),
		Address:        w.Address,
		CreationHeight: int64(w.CreationHeight),
		Registers:      w.Registers,
		SpentTxID:      w.SpentTxID,
	}
}

type wireTx struct {
	ID              string         `json:"id"`
	Inputs          []string       `json:"inputs"`
	Outputs         []wireBox      `json:"outputs"`
	Fee             hexutil.Uint64 `json:"fee"`
	InclusionHeight hexutil.Uint64 `json:"inclusionHeight"`
	Confirmations   hexutil.Uint64 `json:"numConfirmations"`
}

// Utxos 实现 ledger.Client。
func (c *Client) Utxos(ctx context.Context, address string) ([]ledger.Box, error) {
	var raw []wireBox
	if err := c.call(ctx, &raw, "getUtxos", address); err != nil {
		return nil, err
	}
	boxes := make([]ledger.Box, len(raw))
	for i, box := range raw {
		boxes[i] = box.toBox()
	}
	return boxes, nil
}

// CurrentHeight 实现 ledger.Client。
func (c *Client) CurrentHeight(ctx context.Context) (int64, error) {
	var height hexutil.Uint64
	if err := c.call(ctx, &height, "getCurrentHeight"); err != nil {
		return 0, err
	}
	return int64(height), nil
}

// BoxByID 实现 ledger.Client。
func (c *Client) BoxByID(ctx context.Context, id string) (*ledger.Box, error) {
	var raw *wireBox
	if err := c.call(ctx, &raw, "getBoxById", id); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ledger.ErrBoxNotFound
	}
	box := raw.toBox()
	return &box, nil
}

// TxByID 实现 ledger.Client。
func (c *Client) TxByID(ctx context.Context, id string) (*ledger.Tx, error) {
	var raw *wireTx
	if err := c.call(ctx, &raw, "getTxById", id); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ledger.ErrTxNotFound
	}
	tx := &ledger.Tx{
		ID:              raw.ID,
		Inputs:          raw.Inputs,
		Fee:             uint64(raw.Fee),
		InclusionHeight: int64(raw.InclusionHeight),
		Confirmations:   int64(raw.Confirmations),
	}
	for _, out := range raw.Outputs {
		tx.Outputs = append(tx.Outputs, out.toBox())
	}
	return tx, nil
}

// Submit 实现 ledger.Client。
func (c *Client) Submit(ctx context.Context, tx *ledger.SignedTx) (string, error) {
	if tx == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "signed transaction required")
	}
	var id string
	if err := c.call(ctx, &id, "submit", tx); err != nil {
		return "", err
	}
	return id, nil
}

func classify(method string, err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, context.Canceled) {
		return err
	}
	var rpcErr gethrpc.Error
	if stdErrors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case errCodeNotFound:
			if method == "getTxById" {
				return xerrors.Wrap(ledger.CodeTxNotFound, err, "")
			}
			return xerrors.Wrap(ledger.CodeBoxNotFound, err, "")
		case errCodeDoubleSpend:
			return xerrors.Wrap(ledger.CodeDoubleSpend, err, "")
		case errCodeRejected:
			return xerrors.Wrap(ledger.CodeRejected, err, "")
		}
	}
	return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, fmt.Sprintf("ledger %s failed", method))
}

var _ ledger.Client = (*Client)(nil)
