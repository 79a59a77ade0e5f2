package reputation

import (
	"math"
	"time"

	"EgoMarket/internal/ledger"
)

// Tier 是由分数映射出的信誉等级。
type Tier string

const (
	TierNewcomer    Tier = "newcomer"
	TierRising      Tier = "rising"
	TierEstablished Tier = "established"
	TierElite       Tier = "elite"
	TierLegendary   Tier = "legendary"
)

// Tiers lists every tier in ascending order.
var Tiers = []Tier{TierNewcomer, TierRising, TierEstablished, TierElite, TierLegendary}

// TierFor maps a score to its tier using the integer part of the score:
// [0,20] newcomer, [21,50] rising, [51,75] established, [76,90] elite,
// [91,100] legendary.
func TierFor(score float64) Tier {
	s := math.Floor(clamp(score))
	switch {
	case s <= 20:
		return TierNewcomer
	case s <= 50:
		return TierRising
	case s <= 75:
		return TierEstablished
	case s <= 90:
		return TierElite
	default:
		return TierLegendary
	}
}

// Limits bounds what an agent of a tier may handle.
type Limits struct {
	MaxTaskValue uint64        `json:"max_task_value"`
	EscrowHold   time.Duration `json:"escrow_hold"`
}

// Probation gates promotion out of the newcomer tier.
type Probation struct {
	MinCompletions int     `json:"min_completions"`
	MinRating      float64 `json:"min_rating"`
}

// Policy is the tier table plus probation rules.
type Policy struct {
	Limits    map[Tier]Limits `json:"limits"`
	Probation Probation       `json:"probation"`
}

// DefaultPolicy returns the built-in tier table.
func DefaultPolicy() Policy {
	coin := ledger.NanoPerCoin
	return Policy{
		Limits: map[Tier]Limits{
			TierNewcomer:    {MaxTaskValue: 10 * coin, EscrowHold: 7 * 24 * time.Hour},
			TierRising:      {MaxTaskValue: 50 * coin, EscrowHold: 72 * time.Hour},
			TierEstablished: {MaxTaskValue: 200 * coin, EscrowHold: 48 * time.Hour},
			TierElite:       {MaxTaskValue: 1000 * coin, EscrowHold: 24 * time.Hour},
			TierLegendary:   {MaxTaskValue: 5000 * coin, EscrowHold: 24 * time.Hour},
		},
		Probation: Probation{MinCompletions: 3, MinRating: 3.5},
	}
}

// LimitsFor returns the limits of tier, falling back to the newcomer row.
func (p Policy) LimitsFor(tier Tier) Limits {
	if l, ok := p.Limits[tier]; ok {
		return l
	}
	return p.Limits[TierNewcomer]
}

// onProbation reports whether the agent has not yet met the promotion bar.
func (p Policy) onProbation(s Summary) bool {
	return s.Completed < p.Probation.MinCompletions || s.AverageRating < p.Probation.MinRating
}
