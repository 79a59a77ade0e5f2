package escrow

import (
	"time"
)

// Escrow box registers.
const (
	RegisterClient   = "R4"
	RegisterAgent    = "R5"
	RegisterDeadline = "R6"
	RegisterFee      = "R7"
	RegisterTask     = "R8"
)

// Config 描述托管交易的地址、费用与各步骤时限。
type Config struct {
	ContractAddress string `json:"contract_address"`
	FeeAddress      string `json:"fee_address"`
	NetworkFee      uint64 `json:"network_fee"`
	ProtocolFeeBps  uint64 `json:"protocol_fee_bps"`

	ConnectTimeout  time.Duration `json:"connect_timeout"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	SubmitTimeout   time.Duration `json:"submit_timeout"`
	PollInterval    time.Duration `json:"poll_interval"`
	ReadbackRetries int           `json:"readback_retries"`
	ConflictRetries int           `json:"conflict_retries"`

	SettleDelay    time.Duration `json:"settle_delay"`
	MintBackoff    time.Duration `json:"mint_backoff"`
	MintToken      string        `json:"mint_token"`
	MintBoxValue   uint64        `json:"mint_box_value"`
	ReconcileEvery time.Duration `json:"reconcile_every"`
	ReconcileLimit int           `json:"reconcile_limit"`
}

// DefaultConfig 返回内置默认值。
func DefaultConfig() Config {
	return Config{
		ContractAddress: "escrow-contract",
		FeeAddress:      "protocol-fee",
		NetworkFee:      1_100_000,
		ProtocolFeeBps:  100,

		ConnectTimeout:  30 * time.Second,
		ReadTimeout:     30 * time.Second,
		SubmitTimeout:   60 * time.Second,
		PollInterval:    5 * time.Second,
		ReadbackRetries: 3,
		ConflictRetries: 1,

		SettleDelay:    time.Minute,
		MintBackoff:    3 * time.Minute,
		MintToken:      "EGO",
		MintBoxValue:   1_000_000,
		ReconcileEvery: 30 * time.Second,
		ReconcileLimit: 40,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ContractAddress == "" {
		c.ContractAddress = d.ContractAddress
	}
	if c.FeeAddress == "" {
		c.FeeAddress = d.FeeAddress
	}
	if c.NetworkFee == 0 {
		c.NetworkFee = d.NetworkFee
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ReadbackRetries < 0 {
		c.ReadbackRetries = 0
	}
	if c.ConflictRetries < 0 {
		c.ConflictRetries = 0
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = d.SettleDelay
	}
	if c.MintBackoff <= 0 {
		c.MintBackoff = d.MintBackoff
	}
	if c.MintToken == "" {
		c.MintToken = d.MintToken
	}
	if c.MintBoxValue == 0 {
		c.MintBoxValue = d.MintBoxValue
	}
	if c.ReconcileEvery <= 0 {
		c.ReconcileEvery = d.ReconcileEvery
	}
	if c.ReconcileLimit <= 0 {
		c.ReconcileLimit = d.ReconcileLimit
	}
	return c
}

// ProtocolFee returns the protocol share of amount.
func (c Config) ProtocolFee(amount uint64) uint64 {
	return amount * c.ProtocolFeeBps / 10_000
}
