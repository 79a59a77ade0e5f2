package antigaming

import (
	"fmt"
	"time"
)

// RuleHit 记录一条规则的命中情况，保证每个决策都可解释。
type RuleHit struct {
	Rule     string         `json:"rule"`
	Score    float64        `json:"score"`
	Evidence string         `json:"evidence"`
	Inputs   map[string]any `json:"inputs"`
}

// snapshot is the activity a rule pass reads.
type snapshot struct {
	now         time.Time
	completions []Completion
	ratings     []Rating
	// firstCompletion is the agent's earliest completion ever, which may lie
	// before the earliest entry in completions.
	firstCompletion time.Time
}

func within(at, now time.Time, window time.Duration) bool {
	return !at.Before(now.Add(-window)) && !at.After(now)
}

// evaluate runs every rule over the snapshot. Review bombing never adds to the
// anomaly score; it only raises underAttack.
func evaluate(cfg Config, snap snapshot) (hits []RuleHit, underAttack bool) {
	if hit, ok := ratingConcentration(cfg, snap); ok {
		hits = append(hits, hit)
	}
	if hit, ok := velocityLimit(cfg, snap); ok {
		hits = append(hits, hit)
	}
	if hit, ok := scoreFarming(cfg, snap); ok {
		hits = append(hits, hit)
	}
	if hit, ok := reviewBombing(cfg, snap); ok {
		hits = append(hits, hit)
		underAttack = true
	}
	if hit, ok := velocityAnomaly(cfg, snap); ok {
		hits = append(hits, hit)
	}
	return hits, underAttack
}

func ratingConcentration(cfg Config, snap snapshot) (RuleHit, bool) {
	byReviewer := make(map[string]int)
	worst, worstCount := "", 0
	for _, r := range snap.ratings {
		if r.Rating != 5 || r.Reviewer == "" || !within(r.At, snap.now, cfg.ConcentrationWindow) {
			continue
		}
		byReviewer[r.Reviewer]++
		if n := byReviewer[r.Reviewer]; n > worstCount || (n == worstCount && r.Reviewer < worst) {
			worst, worstCount = r.Reviewer, n
		}
	}
	if worstCount < cfg.ConcentrationCount {
		return RuleHit{}, false
	}
	return RuleHit{
		Rule:     RuleRatingConcentration,
		Score:    cfg.ConcentrationWeight,
		Evidence: fmt.Sprintf("%d five-star ratings from %s (threshold: %d)", worstCount, worst, cfg.ConcentrationCount),
		Inputs: map[string]any{
			"reviewer":  worst,
			"count":     worstCount,
			"threshold": cfg.ConcentrationCount,
			"window":    cfg.ConcentrationWindow.String(),
		},
	}, true
}

// completionsIn counts completions inside the window ending at now.
func completionsIn(snap snapshot, window time.Duration) int {
	n := 0
	for _, c := range snap.completions {
		if within(c.At, snap.now, window) {
			n++
		}
	}
	return n
}

func velocityLimit(cfg Config, snap snapshot) (RuleHit, bool) {
	n := completionsIn(snap, cfg.VelocityWindow)
	if n <= cfg.VelocityCap {
		return RuleHit{}, false
	}
	return RuleHit{
		Rule:     RuleVelocityLimit,
		Score:    cfg.VelocityWeight,
		Evidence: fmt.Sprintf("%d completions in %s (cap: %d)", n, cfg.VelocityWindow, cfg.VelocityCap),
		Inputs: map[string]any{
			"count":  n,
			"cap":    cfg.VelocityCap,
			"window": cfg.VelocityWindow.String(),
		},
	}, true
}

func scoreFarming(cfg Config, snap snapshot) (RuleHit, bool) {
	byClient := make(map[string]int)
	total := make(map[string]uint64)
	worst, worstCount := "", 0
	for _, c := range snap.completions {
		if c.Value >= cfg.FarmingMaxValue || !within(c.At, snap.now, cfg.FarmingWindow) {
			continue
		}
		byClient[c.Client]++
		total[c.Client] += c.Value
		if n := byClient[c.Client]; n > worstCount || (n == worstCount && c.Client < worst) {
			worst, worstCount = c.Client, n
		}
	}
	if worstCount < cfg.FarmingCount {
		return RuleHit{}, false
	}
	return RuleHit{
		Rule:     RuleScoreFarming,
		Score:    cfg.FarmingWeight,
		Evidence: fmt.Sprintf("%d low-value completions with %s in %s (threshold: %d)", worstCount, worst, cfg.FarmingWindow, cfg.FarmingCount),
		Inputs: map[string]any{
			"client":      worst,
			"count":       worstCount,
			"total_value": total[worst],
			"max_value":   cfg.FarmingMaxValue,
			"threshold":   cfg.FarmingCount,
			"window":      cfg.FarmingWindow.String(),
		},
	}, true
}

func reviewBombing(cfg Config, snap snapshot) (RuleHit, bool) {
	n := oneStarCount(cfg, snap)
	if n < cfg.BombingCount {
		return RuleHit{}, false
	}
	return RuleHit{
		Rule:     RuleReviewBombing,
		Score:    0,
		Evidence: fmt.Sprintf("%d one-star ratings in %s (threshold: %d)", n, cfg.BombingWindow, cfg.BombingCount),
		Inputs: map[string]any{
			"count":     n,
			"threshold": cfg.BombingCount,
			"window":    cfg.BombingWindow.String(),
		},
	}, true
}

func oneStarCount(cfg Config, snap snapshot) int {
	n := 0
	for _, r := range snap.ratings {
		if r.Rating == 1 && within(r.At, snap.now, cfg.BombingWindow) {
			n++
		}
	}
	return n
}

// velocityAnomaly fires only when the agent's whole history fits in one
// window: a busy day after a longer track record does not count.
func velocityAnomaly(cfg Config, snap snapshot) (RuleHit, bool) {
	if len(snap.completions) < cfg.AnomalyCount || snap.firstCompletion.IsZero() {
		return RuleHit{}, false
	}
	first, last := snap.completions[0].At, snap.completions[0].At
	for _, c := range snap.completions[1:] {
		if c.At.Before(first) {
			first = c.At
		}
		if c.At.After(last) {
			last = c.At
		}
	}
	if snap.firstCompletion.Before(first) {
		first = snap.firstCompletion
	}
	span := last.Sub(first)
	if span > cfg.AnomalyWindow {
		return RuleHit{}, false
	}
	n := len(snap.completions)
	return RuleHit{
		Rule:     RuleVelocityAnomaly,
		Score:    cfg.AnomalyWeight,
		Evidence: fmt.Sprintf("all %d completions within %s (threshold: %d in %s)", n, span, cfg.AnomalyCount, cfg.AnomalyWindow),
		Inputs: map[string]any{
			"count":            n,
			"threshold":        cfg.AnomalyCount,
			"window":           cfg.AnomalyWindow.String(),
			"first_completion": first,
			"last_completion":  last,
		},
	}, true
}

// anomalyScore is the maximum contribution, clamped to [0,1].
func anomalyScore(hits []RuleHit) float64 {
	score := 0.0
	for _, h := range hits {
		if h.Score > score {
			score = h.Score
		}
	}
	if score > 1 {
		return 1
	}
	return score
}
