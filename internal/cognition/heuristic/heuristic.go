package heuristic

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/cognition"
	"AgentMarket/internal/sentiment"
)

// 内置的策略标签。
const (
	StrategyMomentum    = "momentum"
	StrategyContrarian  = "contrarian"
	StrategyMarketMaker = "market_maker"
	StrategyOracle      = "oracle"
)

// Planner 是不依赖大模型的确定性规划器，按策略标签选择动作。
type Planner struct {
	maxOpenMarkets int
	stakeFraction  decimal.Decimal
	marketDuration time.Duration
}

// Option 定义规划器的可选配置。
type Option func(*Planner)

// WithMaxOpenMarkets 设置 oracle 策略维持的开放市场数量。
func WithMaxOpenMarkets(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.maxOpenMarkets = n
		}
	}
}

// WithMarketDuration 设置新市场的时长。
func WithMarketDuration(d time.Duration) Option {
	return func(p *Planner) {
		if d > 0 {
			p.marketDuration = d
		}
	}
}

// New 创建启发式规划器。
func New(opts ...Option) *Planner {
	p := &Planner{
		maxOpenMarkets: 3,
		stakeFraction:  decimal.RequireFromString("0.05"),
		marketDuration: time.Hour,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// GenerateGoal 按策略给出固定的目标描述。
func (p *Planner) GenerateGoal(_ context.Context, req cognition.GoalRequest) (cognition.GoalProposal, error) {
	var desc string
	switch req.Agent.Strategy {
	case StrategyMomentum:
		desc = "跟随奖池最大的结果押注"
	case StrategyContrarian:
		desc = "押注被低估的结果"
	case StrategyMarketMaker:
		desc = "为订单最少的市场提供报价"
	case StrategyOracle:
		desc = "维持开放市场数量并裁决自己到期的市场"
	default:
		desc = "观察市场"
	}
	if req.LastFailure != nil {
		desc += "（上次失败后降低仓位）"
	}
	return cognition.GoalProposal{Description: desc}, nil
}

// DecideAction 根据策略与市场摘要选择动作。
func (p *Planner) DecideAction(_ context.Context, req cognition.ActionRequest) (cognition.PlannedAction, error) {
	tradable := make([]cognition.MarketSummary, 0, len(req.Markets))
	for _, m := range req.Markets {
		if m.Tradable() {
			tradable = append(tradable, m)
		}
	}

	switch req.Agent.Strategy {
	case StrategyOracle:
		return p.oracle(req, tradable), nil
	case StrategyMomentum:
		return p.bet(req, tradable, true), nil
	case StrategyContrarian:
		return p.bet(req, tradable, false), nil
	case StrategyMarketMaker:
		return p.quote(req, tradable), nil
	}
	return cognition.Wait("未知策略"), nil
}

func (p *Planner) oracle(req cognition.ActionRequest, tradable []cognition.MarketSummary) cognition.PlannedAction {
	for _, m := range req.Markets {
		if m.Creator == req.Agent.ID && m.Status == "OPEN" && m.Expired && !m.Attested {
			return cognition.PlannedAction{
				Kind:    cognition.ActionResolveMarket,
				Reason:  "自己创建的市场已到期",
				Resolve: &cognition.ResolveMarketParams{MarketID: m.ID, Outcome: m.Outcomes[leader(m, true)]},
			}
		}
	}
	if len(tradable) < p.maxOpenMarkets {
		return p.create(req)
	}
	return cognition.Wait("开放市场已足够")
}

func (p *Planner) create(req cognition.ActionRequest) cognition.PlannedAction {
	topic := "the next scheduled event"
	if len(req.Sentiment) > 0 && req.Sentiment[0].Topic != "" {
		topic = req.Sentiment[0].Topic
	}
	question := fmt.Sprintf("Will %s resolve YES by %s?", topic, req.Now.Add(p.marketDuration).UTC().Format(time.RFC3339))
	return cognition.PlannedAction{
		Kind:   cognition.ActionCreateMarket,
		Reason: "补充开放市场",
		Create: &cognition.CreateMarketParams{
			Question: question,
			Outcomes: []string{"YES", "NO"},
			Duration: p.marketDuration,
		},
	}
}

func (p *Planner) bet(req cognition.ActionRequest, tradable []cognition.MarketSummary, follow bool) cognition.PlannedAction {
	if len(tradable) == 0 {
		return cognition.Wait("没有可交易的市场")
	}
	target := tradable[0]
	for _, m := range tradable[1:] {
		if follow && m.Pool.GreaterThan(target.Pool) || !follow && m.Pool.LessThan(target.Pool) {
			target = m
		}
	}

	idx := leader(target, follow)
	if mood := sentiment.Average(req.Sentiment); follow && len(target.Outcomes) == 2 && target.Pool.IsZero() {
		if mood < 0 {
			idx = 1
		}
	}

	stake := p.stake(req)
	if !stake.IsPositive() {
		return cognition.Wait("资金不足")
	}
	return cognition.PlannedAction{
		Kind:   cognition.ActionPlaceBet,
		Reason: fmt.Sprintf("按 %s 策略押注", req.Agent.Strategy),
		Bet:    &cognition.PlaceBetParams{MarketID: target.ID, Outcome: target.Outcomes[idx], Stake: stake},
	}
}

func (p *Planner) quote(req cognition.ActionRequest, tradable []cognition.MarketSummary) cognition.PlannedAction {
	if len(tradable) == 0 {
		return cognition.Wait("没有可报价的市场")
	}
	target := tradable[0]
	for _, m := range tradable[1:] {
		if m.OrderCount < target.OrderCount {
			target = m
		}
	}
	price := decimal.RequireFromString("0.5").
		Add(decimal.NewFromFloat(sentiment.Average(req.Sentiment) * 0.1)).
		Round(2)
	return cognition.PlannedAction{
		Kind:   cognition.ActionPublishOrder,
		Reason: "为市场提供流动性",
		Order: &cognition.PublishOrderParams{
			MarketID: target.ID,
			Outcome:  target.Outcomes[0],
			Side:     "BUY",
			Price:    price,
			Size:     p.stake(req).Mul(decimal.NewFromInt(2)),
		},
	}
}

func (p *Planner) stake(req cognition.ActionRequest) decimal.Decimal {
	stake := req.Agent.Bankroll.Mul(p.stakeFraction)
	if req.LastFailure != nil {
		stake = stake.Div(decimal.NewFromInt(2))
	}
	return stake.Round(2)
}

// leader 返回押注最多（most=true）或最少的结果下标，相同时取靠前的结果。
func leader(m cognition.MarketSummary, most bool) int {
	best := 0
	for i := 1; i < len(m.OutcomeStakes) && i < len(m.Outcomes); i++ {
		if most && m.OutcomeStakes[i].GreaterThan(m.OutcomeStakes[best]) ||
			!most && m.OutcomeStakes[i].LessThan(m.OutcomeStakes[best]) {
			best = i
		}
	}
	return best
}

var _ cognition.Client = (*Planner)(nil)
