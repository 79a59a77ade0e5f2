package reputation

import (
	"math"
	"time"

	"EgoMarket/internal/agent"
)

// Standing 是某一时刻代理的完整信誉视图。衰减在读取时计算，不回写事件。
type Standing struct {
	AgentID      string            `json:"agent_id"`
	RawScore     float64           `json:"raw_score"`
	Score        float64           `json:"score"`
	Tier         Tier              `json:"tier"`
	Probation    bool              `json:"probation"`
	Limits       Limits            `json:"limits"`
	Factors      Factors           `json:"factors"`
	Summary      Summary           `json:"summary"`
	InactiveDays float64           `json:"inactive_days"`
	AnomalyScore float64           `json:"anomaly_score"`
	UnderAttack  bool              `json:"under_attack"`
	Suspension   *agent.Suspension `json:"suspension,omitempty"`
}

// Suspended 判断代理当前是否处于停权期。
func (s Standing) Suspended(now time.Time) bool {
	return s.Suspension.Active(now)
}

// Compute derives a standing from the agent profile and its ordered event
// history. It is a pure function of its inputs.
func Compute(a *agent.Agent, events []agent.EgoEvent, now time.Time, p Policy) Standing {
	var createdAt time.Time
	st := Standing{}
	if a != nil {
		st.AgentID = a.ID
		createdAt = a.CreatedAt
		st.AnomalyScore = a.AnomalyScore
		st.UnderAttack = a.UnderAttack
	}
	factors, summary := ComputeFactors(createdAt, events, now)
	st.Factors = factors
	st.Summary = summary
	st.RawScore = factors.Score()
	st.Score = Decay(st.RawScore, summary.LastActivity, now)
	if !summary.LastActivity.IsZero() && now.After(summary.LastActivity) {
		st.InactiveDays = math.Floor(now.Sub(summary.LastActivity).Hours()/24*100) / 100
	}

	tier := TierFor(st.Score)
	if p.onProbation(summary) {
		// 未满足试用期门槛前不晋级。
		tier = TierNewcomer
		st.Probation = true
	}
	st.Tier = tier
	st.Limits = p.LimitsFor(tier)
	return st
}
