// Package reputation computes the EGO score: seven weighted factors derived
// from an agent's EgoEvent history, a time decay applied on read, and the tier
// mapping that caps how much value an agent may hold in escrow.
package reputation

import (
	"math"
	"time"

	"EgoMarket/internal/agent"
)

// Factor weights. They sum to 1, so a perfect history scores 100.
const (
	WeightCompletionRate = 0.30
	WeightAverageRating  = 0.25
	WeightUptime         = 0.10
	WeightAccountAge     = 0.10
	WeightEndorsements   = 0.10
	WeightBenchmarks     = 0.10
	WeightDisputeRate    = 0.05
)

// Factors holds each factor normalised to [0,100].
type Factors struct {
	CompletionRate float64 `json:"completion_rate"`
	AverageRating  float64 `json:"average_rating"`
	Uptime         float64 `json:"uptime"`
	AccountAge     float64 `json:"account_age"`
	Endorsements   float64 `json:"endorsements"`
	Benchmarks     float64 `json:"benchmarks"`
	DisputeScore   float64 `json:"dispute_score"`
}

// Score combines the factors. Each factor is clamped first, so the result
// stays in [0,100] whatever the inputs.
func (f Factors) Score() float64 {
	total := clamp(f.CompletionRate)*WeightCompletionRate +
		clamp(f.AverageRating)*WeightAverageRating +
		clamp(f.Uptime)*WeightUptime +
		clamp(f.AccountAge)*WeightAccountAge +
		clamp(f.Endorsements)*WeightEndorsements +
		clamp(f.Benchmarks)*WeightBenchmarks +
		clamp(f.DisputeScore)*WeightDisputeRate
	return math.Min(100, total)
}

// Summary carries the raw counts behind the factors.
type Summary struct {
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
	Ratings       int       `json:"ratings"`
	Suppressed    int       `json:"suppressed"`
	AverageRating float64   `json:"average_rating"`
	DisputesLost  int       `json:"disputes_lost"`
	Endorsers     int       `json:"endorsers"`
	Benchmarks    int       `json:"benchmarks"`
	LastActivity  time.Time `json:"last_activity"`
}

// Summarize folds an event history into counts.
func Summarize(events []agent.EgoEvent) (Summary, float64) {
	var (
		s         Summary
		ratingSum float64
		uptime    float64
		uptimeAt  time.Time
	)
	endorsers := make(map[string]struct{})
	benchmarks := make(map[string]struct{})
	for _, e := range events {
		if e.OccurredAt.After(s.LastActivity) {
			s.LastActivity = e.OccurredAt
		}
		switch e.Kind {
		case agent.EventTaskCompleted:
			s.Completed++
		case agent.EventTaskFailed:
			s.Failed++
		case agent.EventRating:
			if e.Suppressed {
				s.Suppressed++
				continue
			}
			s.Ratings++
			ratingSum += math.Max(1, math.Min(5, float64(e.Rating)))
		case agent.EventDisputeOutcome:
			if e.Outcome == agent.OutcomeAgentLost {
				s.DisputesLost++
			}
		case agent.EventEndorsement:
			if e.Counterparty != "" {
				endorsers[e.Counterparty] = struct{}{}
			}
		case agent.EventBenchmarkPassed:
			key := e.Benchmark
			if key == "" {
				key = e.ID
			}
			benchmarks[key] = struct{}{}
		case agent.EventAvailability:
			if !e.OccurredAt.Before(uptimeAt) {
				uptimeAt = e.OccurredAt
				uptime = e.Uptime
			}
		}
	}
	if s.Ratings > 0 {
		s.AverageRating = ratingSum / float64(s.Ratings)
	}
	s.Endorsers = len(endorsers)
	s.Benchmarks = len(benchmarks)
	return s, uptime
}

// ComputeFactors derives the normalised factors at now.
func ComputeFactors(createdAt time.Time, events []agent.EgoEvent, now time.Time) (Factors, Summary) {
	s, uptime := Summarize(events)
	var f Factors

	if tasks := s.Completed + s.Failed; tasks > 0 {
		f.CompletionRate = float64(s.Completed) / float64(tasks) * 100
		disputeRate := math.Min(100, float64(s.DisputesLost)/float64(tasks)*100)
		f.DisputeScore = 100 - disputeRate
	} else {
		f.DisputeScore = 100
	}
	if s.Ratings > 0 {
		f.AverageRating = (s.AverageRating - 1) / 4 * 100
	}
	f.Uptime = uptime

	if createdAt.IsZero() && len(events) > 0 {
		createdAt = events[0].OccurredAt
	}
	if !createdAt.IsZero() && now.After(createdAt) {
		days := now.Sub(createdAt).Hours() / 24
		f.AccountAge = math.Min(days/365, 1) * 100
	}
	f.Endorsements = math.Min(float64(s.Endorsers)*10, 100)
	f.Benchmarks = math.Min(float64(s.Benchmarks)*20, 100)
	return f, s
}

// DecayGrace is the inactivity period during which the score does not decay.
const DecayGrace = 7 * 24 * time.Hour

// Decay applies inactivity decay: none within the grace period, then
// score × 0.5^(daysInactive/365).
func Decay(score float64, lastActivity, now time.Time) float64 {
	if lastActivity.IsZero() || !now.After(lastActivity) {
		return score
	}
	inactive := now.Sub(lastActivity)
	if inactive <= DecayGrace {
		return score
	}
	days := inactive.Hours() / 24
	return score * math.Pow(0.5, days/365)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
