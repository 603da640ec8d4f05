package dispute

import (
	"context"
	"errors"
	"fmt"

	"AgentMarket/internal/events"
	"AgentMarket/internal/market"
	"AgentMarket/internal/reputation"
)

// applyFeedback 为预言机裁决后的市场发放信誉反馈：投票与结果一致加分、不一致扣分，
// 结果声明被推翻时额外扣减声明人。每条 (市场, 对象, 标签) 只写入一次，写入失败的在下次扫描时补写。
func (e *Engine) applyFeedback(ctx context.Context, m market.Market) error {
	if m.Status != market.StatusResolved {
		return nil
	}

	var atts []reputation.Attestation
	for _, v := range m.Votes {
		delta := e.cfg.IncorrectVoteDelta
		reason := "预言机投票与裁决结果不一致"
		if v.Outcome == m.ResolvedOutcome {
			delta = e.cfg.CorrectVoteDelta
			reason = "预言机投票与裁决结果一致"
		}
		atts = append(atts, reputation.Attestation{
			Subject:    v.Voter,
			Attester:   "oracle",
			Delta:      delta,
			Confidence: v.Confidence,
			Reason:     reason,
			Tags:       []string{reputation.TagOracleVote},
			MarketID:   m.ID,
		})
	}
	if m.Resolution != nil && m.Resolution.Attested != nil && m.Resolution.Attested.Outcome != m.ResolvedOutcome {
		atts = append(atts, reputation.Attestation{
			Subject:    m.Resolution.Attested.Attester,
			Attester:   "oracle",
			Delta:      e.cfg.OverturnedAttesterDelta,
			Confidence: 1,
			Reason:     fmt.Sprintf("结果声明 %s 被推翻为 %s", m.Resolution.Attested.Outcome, m.ResolvedOutcome),
			Tags:       []string{reputation.TagAttestation},
			MarketID:   m.ID,
		})
	}

	var errs []error
	for _, att := range atts {
		key := feedbackKey(m.ID, att.Subject, att.Tags[0])
		if !e.reserveFeedback(key) {
			continue
		}
		recorded, err := e.reputation.Record(ctx, att)
		if err != nil {
			e.mu.Lock()
			delete(e.feedback, key)
			e.mu.Unlock()
			errs = append(errs, err)
			continue
		}
		score := e.reputation.Score(recorded.Subject)
		_ = e.roster.SetReputation(recorded.Subject, score)
		e.publish(ctx, events.AgentReputation, events.Payload{
			"agent_id":  recorded.Subject,
			"market_id": m.ID,
			"delta":     recorded.Delta,
			"score":     score,
			"reason":    recorded.Tags[0],
		})
	}
	return errors.Join(errs...)
}

func feedbackKey(marketID, subject, tag string) string {
	return marketID + "|" + subject + "|" + tag
}

// reserveFeedback 占用一条反馈，已写入或正在写入时返回 false。
func (e *Engine) reserveFeedback(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.feedback[key] {
		return false
	}
	e.feedback[key] = true
	return true
}
