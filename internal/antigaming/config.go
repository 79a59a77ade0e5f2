// Package antigaming scores agents for reputation manipulation. Each rule looks
// at a sliding window of completions and ratings and contributes a weight; the
// anomaly score is the maximum contribution and drives the response matrix
// (log, monitor, suspend). Review bombing is tracked separately as an
// "under attack" flag that protects the agent rather than penalising it.
package antigaming

import (
	"time"

	"EgoMarket/internal/ledger"
)

// Rule names, also used as suspension reasons.
const (
	RuleRatingConcentration = "rating_concentration"
	RuleVelocityLimit       = "velocity_limit"
	RuleScoreFarming        = "score_farming"
	RuleReviewBombing       = "review_bombing"
	RuleVelocityAnomaly     = "velocity_anomaly"
)

// Config 描述检测阈值与响应矩阵。
type Config struct {
	ConcentrationCount  int           `json:"concentration_count"`
	ConcentrationWindow time.Duration `json:"concentration_window"`
	ConcentrationWeight float64       `json:"concentration_weight"`

	VelocityCap    int           `json:"velocity_cap"`
	VelocityWindow time.Duration `json:"velocity_window"`
	VelocityWeight float64       `json:"velocity_weight"`

	FarmingCount    int           `json:"farming_count"`
	FarmingMaxValue uint64        `json:"farming_max_value"`
	FarmingWindow   time.Duration `json:"farming_window"`
	FarmingWeight   float64       `json:"farming_weight"`

	BombingCount  int           `json:"bombing_count"`
	BombingWindow time.Duration `json:"bombing_window"`

	AnomalyCount  int           `json:"anomaly_count"`
	AnomalyWindow time.Duration `json:"anomaly_window"`
	AnomalyWeight float64       `json:"anomaly_weight"`

	SuspendThreshold float64       `json:"suspend_threshold"`
	MonitorThreshold float64       `json:"monitor_threshold"`
	LogThreshold     float64       `json:"log_threshold"`
	SuspensionPeriod time.Duration `json:"suspension_period"`
}

// DefaultConfig 返回内置阈值。
func DefaultConfig() Config {
	return Config{
		ConcentrationCount:  4,
		ConcentrationWindow: 30 * 24 * time.Hour,
		ConcentrationWeight: 0.6,

		VelocityCap:    10,
		VelocityWindow: time.Hour,
		VelocityWeight: 0.4,

		FarmingCount:    5,
		FarmingMaxValue: 10 * ledger.NanoPerCoin,
		FarmingWindow:   24 * time.Hour,
		FarmingWeight:   0.8,

		BombingCount:  3,
		BombingWindow: 24 * time.Hour,

		AnomalyCount:  20,
		AnomalyWindow: 24 * time.Hour,
		AnomalyWeight: 0.75,

		SuspendThreshold: 0.7,
		MonitorThreshold: 0.5,
		LogThreshold:     0.3,
		SuspensionPeriod: 7 * 24 * time.Hour,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConcentrationCount <= 0 {
		c.ConcentrationCount = d.ConcentrationCount
	}
	if c.ConcentrationWindow <= 0 {
		c.ConcentrationWindow = d.ConcentrationWindow
	}
	if c.ConcentrationWeight <= 0 {
		c.ConcentrationWeight = d.ConcentrationWeight
	}
	if c.VelocityCap <= 0 {
		c.VelocityCap = d.VelocityCap
	}
	if c.VelocityWindow <= 0 {
		c.VelocityWindow = d.VelocityWindow
	}
	if c.VelocityWeight <= 0 {
		c.VelocityWeight = d.VelocityWeight
	}
	if c.FarmingCount <= 0 {
		c.FarmingCount = d.FarmingCount
	}
	if c.FarmingMaxValue == 0 {
		c.FarmingMaxValue = d.FarmingMaxValue
	}
	if c.FarmingWindow <= 0 {
		c.FarmingWindow = d.FarmingWindow
	}
	if c.FarmingWeight <= 0 {
		c.FarmingWeight = d.FarmingWeight
	}
	if c.BombingCount <= 0 {
		c.BombingCount = d.BombingCount
	}
	if c.BombingWindow <= 0 {
		c.BombingWindow = d.BombingWindow
	}
	if c.AnomalyCount <= 0 {
		c.AnomalyCount = d.AnomalyCount
	}
	if c.AnomalyWindow <= 0 {
		c.AnomalyWindow = d.AnomalyWindow
	}
	if c.AnomalyWeight <= 0 {
		c.AnomalyWeight = d.AnomalyWeight
	}
	if c.SuspendThreshold <= 0 {
		c.SuspendThreshold = d.SuspendThreshold
	}
	if c.MonitorThreshold <= 0 {
		c.MonitorThreshold = d.MonitorThreshold
	}
	if c.LogThreshold <= 0 {
		c.LogThreshold = d.LogThreshold
	}
	if c.SuspensionPeriod <= 0 {
		c.SuspensionPeriod = d.SuspensionPeriod
	}
	return c
}

// lookback is the widest window any rule reads.
func (c Config) lookback() time.Duration {
	widest := c.ConcentrationWindow
	for _, w := range []time.Duration{c.VelocityWindow, c.FarmingWindow, c.BombingWindow, c.AnomalyWindow} {
		if w > widest {
			widest = w
		}
	}
	return widest
}
