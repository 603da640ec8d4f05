package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/agent"
	"AgentMarket/internal/cognition"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/events"
	"AgentMarket/internal/executor"
	"AgentMarket/internal/market"
	"AgentMarket/internal/observability/metrics"
	"AgentMarket/internal/sentiment"
)

// stepAgent 推进单个智能体：确认目标、决定动作并执行。失败只影响该智能体。
func (e *Engine) stepAgent(ctx context.Context, a agent.Agent, tick uint64, snapshot []market.Market) {
	if !e.c.Goals.Eligible(a.ID, tick) || !e.c.Hosted.CanAct(a.ID) {
		return
	}
	req := e.request(a, snapshot)

	action, err := e.plan(ctx, req)
	if err == nil {
		var result executor.Result
		result, err = e.c.Executor.Execute(ctx, a.ID, action)
		if err == nil {
			if result.Skipped {
				metrics.ObserveAction(string(action.Kind), "skipped")
				return
			}
			e.c.Hosted.RecordAction(a.ID)
			e.c.Goals.Complete(a.ID)
			metrics.ObserveAction(string(action.Kind), "ok")
			return
		}
	}
	kind := string(action.Kind)
	if kind == "" {
		kind = "PLAN"
	}
	if market.IsExpectedConflict(err) {
		metrics.ObserveAction(kind, "conflict")
		e.log.Debug("动作与并发变更冲突", slog.String("agent_id", a.ID), slog.Any("error", err))
		return
	}
	metrics.ObserveAction(kind, "failed")

	g := e.c.Goals.Fail(a.ID, err, tick)
	state := e.c.Goals.State(a.ID)
	e.log.Warn("智能体动作失败",
		slog.String("agent_id", a.ID),
		slog.Uint64("tick", tick),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Any("error", err))
	e.publish(ctx, events.AgentActionFailed, events.Payload{
		"agent_id":   a.ID,
		"goal_id":    g.ID,
		"tick":       tick,
		"code":       string(xerrors.CodeOf(err)),
		"error":      err.Error(),
		"failures":   e.c.Goals.Failures(a.ID),
		"backoff":    !state.Active,
		"until_tick": state.UntilTick,
	})
}

func (e *Engine) plan(ctx context.Context, req cognition.GoalRequest) (cognition.PlannedAction, error) {
	if _, err := e.c.Goals.EnsureGoal(ctx, req); err != nil {
		return cognition.PlannedAction{}, err
	}
	return e.c.Goals.DecideAction(ctx, req)
}

// request 构建规划上下文：智能体信息、市场摘要、情绪提示与待读消息。
func (e *Engine) request(a agent.Agent, snapshot []market.Market) cognition.GoalRequest {
	now := e.now()
	req := cognition.GoalRequest{
		Agent: cognition.AgentContext{
			ID:         a.ID,
			Name:       a.Name,
			Strategy:   a.Strategy,
			Bankroll:   a.Bankroll,
			Reputation: e.c.Reputation.Score(a.ID),
		},
		Markets: make([]cognition.MarketSummary, 0, len(snapshot)),
		Now:     now,
	}
	for _, m := range snapshot {
		req.Markets = append(req.Markets, summarize(m, a.ID, now))
		if e.c.Sentiment != nil && m.Status == market.StatusOpen {
			req.Sentiment = append(req.Sentiment, e.c.Sentiment.Query(m.Question)...)
		}
	}
	req.Sentiment = dedupHints(req.Sentiment)
	for _, msg := range e.c.Roster.DrainInbox(a.ID) {
		req.Messages = append(req.Messages, msg.From+": "+msg.Body)
	}
	return req
}

func summarize(m market.Market, agentID string, now time.Time) cognition.MarketSummary {
	s := cognition.MarketSummary{
		ID:            m.ID,
		Question:      m.Question,
		Creator:       m.Creator,
		Outcomes:      append([]string(nil), m.Outcomes...),
		Status:        string(m.Status),
		CloseTime:     m.CloseTime,
		Expired:       m.Expired(now),
		Attested:      m.SelfAttestation != nil,
		Pool:          decimal.Zero,
		OutcomeStakes: make([]decimal.Decimal, len(m.Outcomes)),
		OrderCount:    len(m.Orders),
		MyStake:       decimal.Zero,
	}
	for i := range s.OutcomeStakes {
		s.OutcomeStakes[i] = decimal.Zero
	}
	for _, b := range m.Bets {
		s.Pool = s.Pool.Add(b.Stake)
		if i := m.OutcomeIndex(b.Outcome); i >= 0 {
			s.OutcomeStakes[i] = s.OutcomeStakes[i].Add(b.Stake)
		}
		if b.Bettor == agentID {
			s.MyStake = s.MyStake.Add(b.Stake)
		}
	}
	return s
}

func dedupHints(hints []sentiment.Hint) []sentiment.Hint {
	if len(hints) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(hints))
	out := hints[:0]
	for _, h := range hints {
		key := h.Topic + "|" + h.Summary
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, h)
	}
	return out
}
