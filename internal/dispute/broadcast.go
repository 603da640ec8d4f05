package dispute

import (
	"context"
	"log/slog"

	"AgentMarket/internal/agent"
	"AgentMarket/internal/events"
	"AgentMarket/internal/market"
)

// HandleEvent 处理外部观察到的挑战：不是本引擎发起的挑战会触发一次受限投票，
// 只有通过投票过滤器的智能体可以参与。
func (e *Engine) HandleEvent(ctx context.Context, event events.Event) {
	if event.Name != events.MarketChallenged {
		return
	}
	marketID := event.String("market_id")
	if marketID == "" {
		return
	}
	e.mu.Lock()
	internal := e.internal[marketID+"|"+event.String("challenger")]
	e.mu.Unlock()
	if internal {
		return
	}
	if err := e.BroadcastChallenge(ctx, marketID); err != nil {
		e.log.Warn("外部挑战投票失败", slog.String("market_id", marketID), slog.Any("error", err))
	}
}

// BroadcastChallenge 对争议市场执行一次受限投票。市场正在被扫描处理时直接跳过。
func (e *Engine) BroadcastChallenge(ctx context.Context, marketID string) error {
	if !e.acquire(marketID) {
		return nil
	}
	defer e.release(marketID)

	m, err := e.markets.Get(ctx, marketID)
	if err != nil {
		return err
	}
	if m.Status != market.StatusDisputed {
		return nil
	}
	view := e.reputation.View()
	ranked := agent.Ranked(e.roster.List(), view.Score)
	filter := e.canVote
	if filter == nil {
		filter = func(string) bool { return true }
	}

	e.mu.Lock()
	e.broadcasts++
	e.mu.Unlock()

	var report SweepReport
	return e.vote(ctx, m, e.Estimate(m, view), view, ranked, filter, &report)
}

// Broadcasts 返回已执行的受限投票次数。
func (e *Engine) Broadcasts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broadcasts
}
