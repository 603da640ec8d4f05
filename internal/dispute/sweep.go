package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"AgentMarket/internal/agent"
	"AgentMarket/internal/events"
	"AgentMarket/internal/market"
	"AgentMarket/internal/reputation"
	"AgentMarket/pkg/logger"
)

// SweepReport 汇总一次截止市场扫描的结果。
type SweepReport struct {
	Examined   int
	Attested   int
	Challenged int
	Finalized  int
	Votes      int
}

// ResolveExpiredMarkets 推进所有已截止且尚未裁决的市场。单个市场的意外错误会被收集，不会中断扫描。
func (e *Engine) ResolveExpiredMarkets(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	snapshot, err := e.markets.Snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("读取市场快照失败: %w", err)
	}
	view := e.reputation.View()
	ranked := agent.Ranked(e.roster.List(), view.Score)

	var errs []error
	for _, m := range snapshot {
		if m.Status == market.StatusResolved || !m.Expired(now) {
			continue
		}
		if !e.acquire(m.ID) {
			continue
		}
		report.Examined++
		err := e.advance(ctx, m, now, view, ranked, &report)
		e.release(m.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("market %s: %w", m.ID, err))
		}
	}
	return report, errors.Join(errs...)
}

func (e *Engine) advance(ctx context.Context, m market.Market, now time.Time, view *reputation.View, ranked []agent.Agent, report *SweepReport) error {
	est := e.Estimate(m, view)

	switch {
	case m.Status == market.StatusDisputed:
		return e.vote(ctx, m, est, view, ranked, nil, report)
	case m.SelfAttestation == nil:
		return e.attest(ctx, m, est, now, view, ranked, report)
	case len(m.Challenges) == 0 && !now.Before(m.SelfAttestation.WindowEnd):
		return e.finalizeAttestation(ctx, m, report)
	}
	return nil
}

// attest 代表排名最高的可信智能体登记结果声明；估计置信度偏低时由下一位可信智能体立即挑战。
func (e *Engine) attest(ctx context.Context, m market.Market, est Estimate, now time.Time, view *reputation.View, ranked []agent.Agent, report *SweepReport) error {
	trusted := trustedAgents(ranked, view, e.cfg.MinReputation)
	attester := e.pickAttester(m, trusted, ranked)

	reason := fmt.Sprintf("估计结果 %s，置信度 %.2f (%s)", est.Outcome, est.Confidence, est.Source)
	attested, err := e.markets.SelfAttest(ctx, m.ID, market.SelfAttestation{
		Outcome:   est.Outcome,
		Attester:  attester,
		Reason:    reason,
		WindowEnd: now.Add(e.cfg.ChallengeWindow),
	})
	if err != nil {
		return e.swallow(err, m.ID, "self_attest")
	}
	report.Attested++
	e.publish(ctx, events.MarketSelfAttested, events.Payload{
		"market_id":  m.ID,
		"attester":   attester,
		"outcome":    est.Outcome,
		"confidence": est.Confidence,
		"window_end": attested.SelfAttestation.WindowEnd,
	})

	if est.Confidence >= e.cfg.ProactiveChallengeConfidence || len(m.Outcomes) < 2 {
		return nil
	}
	var challenger string
	for _, a := range trusted {
		if a.ID != attester {
			challenger = a.ID
			break
		}
	}
	if challenger == "" {
		return nil
	}
	outcome := runnerUp(m, est, est.Outcome)

	e.mu.Lock()
	e.internal[m.ID+"|"+challenger] = true
	e.mu.Unlock()

	if _, err := e.markets.Challenge(ctx, m.ID, market.Challenge{
		Challenger: challenger,
		Outcome:    outcome,
		Reason:     fmt.Sprintf("置信度 %.2f 低于 %.2f", est.Confidence, e.cfg.ProactiveChallengeConfidence),
		At:         now,
	}); err != nil {
		return e.swallow(err, m.ID, "challenge")
	}
	report.Challenged++
	e.publish(ctx, events.MarketChallenged, events.Payload{
		"market_id":  m.ID,
		"challenger": challenger,
		"outcome":    outcome,
		"origin":     "internal",
	})
	return nil
}

func (e *Engine) pickAttester(m market.Market, trusted, ranked []agent.Agent) string {
	if len(trusted) > 0 {
		return trusted[0].ID
	}
	if e.cfg.OperatorAgent != "" {
		if _, ok := e.roster.Get(e.cfg.OperatorAgent); ok {
			return e.cfg.OperatorAgent
		}
	}
	if len(ranked) > 0 {
		return ranked[0].ID
	}
	return m.Creator
}

// finalizeAttestation 在挑战窗口结束且无人挑战时，以声明结果完成裁决。
func (e *Engine) finalizeAttestation(ctx context.Context, m market.Market, report *SweepReport) error {
	att := m.SelfAttestation
	resolved, err := e.markets.ResolveMarket(ctx, m.ID, att.Attester, att.Outcome)
	if err != nil {
		return e.swallow(err, m.ID, "finalize_attestation")
	}
	report.Finalized++
	logger.Audit().Info("结果声明已生效",
		slog.String("market_id", m.ID),
		slog.String("attester", att.Attester),
		slog.String("outcome", att.Outcome))
	e.publish(ctx, events.MarketFinalized, events.Payload{
		"market_id": m.ID,
		"outcome":   resolved.ResolvedOutcome,
		"method":    string(market.ResolvedByAttestation),
		"attester":  att.Attester,
	})
	return nil
}

func trustedAgents(ranked []agent.Agent, view *reputation.View, min float64) []agent.Agent {
	var out []agent.Agent
	for _, a := range ranked {
		if view.Trusted(a.ID, min) {
			out = append(out, a)
		}
	}
	return out
}
