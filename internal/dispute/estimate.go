package dispute

import (
	"math"

	"AgentMarket/internal/market"
	"AgentMarket/internal/reputation"
)

// Estimate 是根据押注分布推断的结果。
type Estimate struct {
	Outcome    string
	Confidence float64
	Weights    []float64
	Source     string
}

// 估计所依据的数据来源。
const (
	SourceWeighted = "weighted"
	SourceTrusted  = "trusted_raw"
	SourceRaw      = "raw"
	SourceNone     = "none"
)

// Estimate 依次尝试：可信智能体按 stake*max(1,信誉) 加权；可信人数不足时退回可信押注的原始金额；
// 仍为零时使用全部押注的原始金额。平局取先声明的结果。
func (e *Engine) Estimate(m market.Market, view *reputation.View) Estimate {
	n := len(m.Outcomes)
	weighted := make([]float64, n)
	trustedRaw := make([]float64, n)
	raw := make([]float64, n)
	contributors := make(map[string]bool)

	for _, b := range m.Bets {
		idx := m.OutcomeIndex(b.Outcome)
		if idx < 0 {
			continue
		}
		stake := b.Stake.InexactFloat64()
		raw[idx] += stake
		if !view.Trusted(b.Bettor, e.cfg.MinReputation) {
			continue
		}
		trustedRaw[idx] += stake
		weighted[idx] += stake * math.Max(1, view.Score(b.Bettor))
		contributors[b.Bettor] = true
	}

	weights, source := weighted, SourceWeighted
	if len(contributors) < e.cfg.MinVoters {
		weights, source = trustedRaw, SourceTrusted
	}
	if sum(weights) == 0 {
		weights, source = raw, SourceRaw
	}
	total := sum(weights)
	if total == 0 || n == 0 {
		outcome := ""
		if n > 0 {
			outcome = m.Outcomes[0]
		}
		return Estimate{Outcome: outcome, Weights: weights, Source: SourceNone}
	}

	best := argmax(weights)
	return Estimate{
		Outcome:    m.Outcomes[best],
		Confidence: weights[best] / total,
		Weights:    weights,
		Source:     source,
	}
}

// runnerUp 返回除 exclude 外权重最高的结果，平局取先声明的结果。
func runnerUp(m market.Market, est Estimate, exclude string) string {
	best := -1
	for i, o := range m.Outcomes {
		if o == exclude {
			continue
		}
		if best < 0 || weightAt(est.Weights, i) > weightAt(est.Weights, best) {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return m.Outcomes[best]
}

func weightAt(weights []float64, i int) float64 {
	if i < len(weights) {
		return weights[i]
	}
	return 0
}

func argmax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}
