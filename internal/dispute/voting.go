package dispute

import (
	"context"
	"log/slog"
	"math"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/agent"
	"AgentMarket/internal/events"
	"AgentMarket/internal/market"
	"AgentMarket/internal/reputation"
)

// vote 让合格的可信智能体依次为争议市场投票，达到裁决或投满上限后停止。
// filter 非空时只允许满足条件的智能体投票。
func (e *Engine) vote(ctx context.Context, m market.Market, est Estimate, view *reputation.View, ranked []agent.Agent, filter func(string) bool, report *SweepReport) error {
	var eligible []agent.Agent
	for _, a := range ranked {
		if a.ID == m.Creator || a.ID == m.Attester() || m.IsChallenger(a.ID) || m.HasVoted(a.ID) {
			continue
		}
		if filter != nil && !filter(a.ID) {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil
	}

	pool := trustedAgents(eligible, view, e.cfg.MinReputation)
	if len(pool) == 0 {
		pool = eligible[:1]
	}
	limit := max(e.cfg.MinVoters, 2, int(math.Ceil(float64(len(pool))*e.cfg.QuorumPercent)))
	confidence := math.Max(e.cfg.MinVoteConfidence, est.Confidence)

	defaultOutcome := est.Outcome
	if m.SelfAttestation != nil {
		defaultOutcome = m.SelfAttestation.Outcome
	}

	for i, voter := range pool {
		if i >= limit {
			break
		}
		outcome := preferredOutcome(m, voter.ID, defaultOutcome)
		receipt, err := e.markets.SubmitOracleVote(ctx, m.ID, market.OracleVote{
			Voter:      voter.ID,
			Outcome:    outcome,
			Confidence: confidence,
		})
		if err != nil {
			if swallowed := e.swallow(err, m.ID, "oracle_vote"); swallowed != nil {
				return swallowed
			}
			continue
		}
		report.Votes++
		e.publish(ctx, events.MarketVoteSubmitted, events.Payload{
			"market_id":  m.ID,
			"voter":      voter.ID,
			"outcome":    outcome,
			"confidence": confidence,
		})
		if receipt.Finalized {
			report.Finalized++
			e.log.Info("争议市场已裁决", slog.String("market_id", m.ID), slog.String("outcome", receipt.Outcome))
			e.publish(ctx, events.MarketFinalized, events.Payload{
				"market_id": m.ID,
				"outcome":   receipt.Outcome,
				"method":    string(market.ResolvedByOracle),
				"votes":     len(receipt.Market.Votes),
			})
			return e.applyFeedback(ctx, receipt.Market)
		}
	}
	return nil
}

// preferredOutcome 返回智能体自己押注最多的结果，没有押注时返回默认结果。
func preferredOutcome(m market.Market, agentID, fallback string) string {
	stakes := make([]decimal.Decimal, len(m.Outcomes))
	staked := false
	for _, b := range m.Bets {
		if b.Bettor != agentID {
			continue
		}
		if idx := m.OutcomeIndex(b.Outcome); idx >= 0 {
			stakes[idx] = stakes[idx].Add(b.Stake)
			staked = true
		}
	}
	if !staked {
		return fallback
	}
	best := 0
	for i := 1; i < len(stakes); i++ {
		if stakes[i].GreaterThan(stakes[best]) {
			best = i
		}
	}
	return m.Outcomes[best]
}
