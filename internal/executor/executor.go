package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"AgentMarket/internal/agent"
	"AgentMarket/internal/cognition"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/events"
	"AgentMarket/internal/market"
	"AgentMarket/internal/reputation"
	"AgentMarket/internal/wallet"
	"AgentMarket/pkg/logger"
)

// Result 汇总一次动作执行的结果。
type Result struct {
	Action   cognition.PlannedAction
	MarketID string
	Skipped  bool
	Detail   events.Payload
}

// Executor 执行已校验的动作。
type Executor struct {
	markets    market.Primitive
	wallets    *wallet.Registry
	roster     *agent.Roster
	reputation *reputation.Service
	events     events.Publisher
	limits     Limits
	now        func() time.Time
	log        *slog.Logger

	mu           sync.Mutex
	participated map[string]bool
	quoted       map[string]bool
}

// Option 定义 Executor 的可选配置。
type Option func(*Executor)

// WithLimits 覆盖默认参数范围。
func WithLimits(limits Limits) Option {
	return func(x *Executor) {
		x.limits = limits
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(x *Executor) {
		if now != nil {
			x.now = now
		}
	}
}

// New 创建动作执行器。
func New(markets market.Primitive, wallets *wallet.Registry, roster *agent.Roster, rep *reputation.Service, pub events.Publisher, opts ...Option) *Executor {
	x := &Executor{
		markets:      markets,
		wallets:      wallets,
		roster:       roster,
		reputation:   rep,
		events:       pub,
		limits:       DefaultLimits(),
		now:          time.Now,
		log:          logger.Named("executor"),
		participated: make(map[string]bool),
		quoted:       make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(x)
		}
	}
	return x
}

// Execute 为智能体执行一个动作。WAIT 不产生任何副作用。
func (x *Executor) Execute(ctx context.Context, agentID string, action cognition.PlannedAction) (Result, error) {
	if err := action.Validate(); err != nil {
		return Result{}, err
	}
	if action.Kind == cognition.ActionWait {
		return Result{Action: action, Skipped: true}, nil
	}
	ag, ok := x.roster.Get(agentID)
	if !ok {
		return Result{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 不存在", agentID))
	}

	var (
		result Result
		err    error
	)
	switch action.Kind {
	case cognition.ActionCreateMarket:
		result, err = x.createMarket(ctx, ag, *action.Create)
	case cognition.ActionPlaceBet:
		result, err = x.placeBet(ctx, ag, *action.Bet)
	case cognition.ActionPublishOrder:
		result, err = x.publishOrder(ctx, ag, *action.Order)
	case cognition.ActionResolveMarket:
		result, err = x.resolveMarket(ctx, ag, *action.Resolve)
	}
	if err != nil {
		return Result{}, err
	}
	result.Action = action

	detail := events.Payload{
		"agent_id": ag.ID,
		"action":   string(action.Kind),
		"reason":   action.Reason,
	}
	for k, v := range result.Detail {
		detail[k] = v
	}
	x.publish(ctx, events.AgentAction, detail)
	return result, nil
}

func (x *Executor) createMarket(ctx context.Context, ag agent.Agent, p cognition.CreateMarketParams) (Result, error) {
	duration := clampDuration(p.Duration, x.limits.MinMarketDuration, x.limits.MaxMarketDuration)
	outcomes := make([]string, 0, len(p.Outcomes))
	for _, o := range p.Outcomes {
		outcomes = append(outcomes, strings.TrimSpace(o))
	}

	escrow, err := x.wallets.Provision(ctx, wallet.Wallet{
		OwnerID: "escrow-" + uuid.NewString(),
		Kind:    wallet.KindEscrow,
		Name:    p.Question,
	}, x.limits.EscrowFunding)
	if err != nil && escrow.AccountID == "" {
		return Result{}, err
	}
	if err != nil {
		x.log.Warn("托管钱包持久化失败", slog.String("account", escrow.AccountID), slog.Any("error", err))
	}

	m, err := x.markets.CreateMarket(ctx, market.CreateRequest{
		Question:  p.Question,
		Creator:   ag.ID,
		Escrow:    escrow.AccountID,
		Outcomes:  outcomes,
		CloseTime: x.now().Add(duration),
	})
	if err != nil {
		return Result{}, err
	}

	detail := events.Payload{
		"market_id":  m.ID,
		"question":   m.Question,
		"creator":    m.Creator,
		"escrow":     m.Escrow,
		"outcomes":   m.Outcomes,
		"close_time": m.CloseTime,
	}
	x.publish(ctx, events.MarketCreated, detail)
	return Result{MarketID: m.ID, Detail: detail}, nil
}

func (x *Executor) placeBet(ctx context.Context, ag agent.Agent, p cognition.PlaceBetParams) (Result, error) {
	stake := clampDecimal(p.Stake, x.limits.MinStake, x.limits.MaxStake)
	bet, err := x.stake(ctx, ag, p.MarketID, p.Outcome, stake)
	if err != nil {
		return Result{}, err
	}
	return Result{MarketID: p.MarketID, Detail: betDetail(bet, p.MarketID)}, nil
}

// stake 完成一次押注：校验资金、转账、扣减本地资金，并在首次参与该市场时发放参与奖励。
func (x *Executor) stake(ctx context.Context, ag agent.Agent, marketID, outcome string, amount decimal.Decimal) (market.Bet, error) {
	current, ok := x.roster.Get(ag.ID)
	if !ok {
		return market.Bet{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 不存在", ag.ID))
	}
	if current.Bankroll.LessThan(amount) {
		return market.Bet{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("智能体 %s 资金不足", ag.ID),
			xerrors.WithMetadata("bankroll", current.Bankroll.String()),
			xerrors.WithMetadata("stake", amount.String()))
	}
	w, ok := x.wallets.Get(ag.ID)
	if !ok {
		return market.Bet{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 没有钱包", ag.ID))
	}

	bet, err := x.markets.PlaceBet(ctx, market.BetRequest{
		MarketID: marketID,
		Bettor:   ag.ID,
		Account:  w.Account(),
		Outcome:  outcome,
		Stake:    amount,
	})
	if err != nil {
		return market.Bet{}, err
	}
	if err := x.roster.Debit(ag.ID, amount); err != nil {
		x.log.Error("押注已成交但本地资金扣减失败", slog.String("agent_id", ag.ID), slog.Any("error", err))
	}

	x.publish(ctx, events.MarketBetPlaced, betDetail(bet, marketID))
	x.rewardParticipation(ctx, ag.ID, marketID)
	return bet, nil
}

func (x *Executor) rewardParticipation(ctx context.Context, agentID, marketID string) {
	if x.limits.ParticipationReward == 0 || x.reputation == nil {
		return
	}
	key := marketID + "|" + agentID
	x.mu.Lock()
	if x.participated[key] {
		x.mu.Unlock()
		return
	}
	x.participated[key] = true
	x.mu.Unlock()

	_, err := x.reputation.Record(ctx, reputation.Attestation{
		Subject:    agentID,
		Attester:   "system",
		Delta:      x.limits.ParticipationReward,
		Confidence: 1,
		Reason:     "首次参与市场",
		Tags:       []string{reputation.TagParticipation},
		MarketID:   marketID,
	})
	if err != nil {
		x.log.Warn("记录参与奖励失败", slog.String("agent_id", agentID), slog.Any("error", err))
		return
	}
	score := x.reputation.Score(agentID)
	_ = x.roster.SetReputation(agentID, score)
	x.publish(ctx, events.AgentReputation, events.Payload{
		"agent_id":  agentID,
		"market_id": marketID,
		"delta":     x.limits.ParticipationReward,
		"score":     score,
		"reason":    reputation.TagParticipation,
	})
}

func (x *Executor) publishOrder(ctx context.Context, ag agent.Agent, p cognition.PublishOrderParams) (Result, error) {
	price := clampDecimal(p.Price, x.limits.MinPrice, x.limits.MaxPrice)
	size := clampDecimal(p.Size, x.limits.MinOrderSize, x.limits.MaxOrderSize)

	order, err := x.markets.PublishOrder(ctx, market.OrderRequest{
		MarketID: p.MarketID,
		Maker:    ag.ID,
		Account:  ag.Account,
		Outcome:  p.Outcome,
		Side:     market.Side(strings.ToUpper(p.Side)),
		Price:    price,
		Size:     size,
	})
	if err != nil {
		return Result{}, err
	}
	detail := events.Payload{
		"market_id": p.MarketID,
		"order_id":  order.ID,
		"maker":     ag.ID,
		"outcome":   order.Outcome,
		"side":      string(order.Side),
		"price":     order.Price,
		"size":      order.Size,
	}
	x.publish(ctx, events.MarketOrderPlaced, detail)

	key := p.MarketID + "|" + ag.ID
	x.mu.Lock()
	first := !x.quoted[key]
	x.quoted[key] = true
	x.mu.Unlock()

	if first && x.limits.BootstrapStake.IsPositive() {
		bet, err := x.stake(ctx, ag, p.MarketID, p.Outcome, x.limits.BootstrapStake)
		if err != nil {
			x.log.Warn("首单配套押注失败", slog.String("agent_id", ag.ID),
				slog.String("market_id", p.MarketID), slog.Any("error", err))
		} else {
			detail["bootstrap_bet_id"] = bet.ID
			detail["bootstrap_stake"] = bet.Stake
		}
	}
	return Result{MarketID: p.MarketID, Detail: detail}, nil
}

func (x *Executor) resolveMarket(ctx context.Context, ag agent.Agent, p cognition.ResolveMarketParams) (Result, error) {
	m, err := x.markets.ResolveMarket(ctx, p.MarketID, ag.ID, p.Outcome)
	if err != nil {
		return Result{}, err
	}
	detail := events.Payload{
		"market_id": m.ID,
		"outcome":   m.ResolvedOutcome,
		"resolver":  ag.ID,
	}
	if m.Resolution != nil {
		detail["method"] = string(m.Resolution.Method)
	}
	logger.Audit().Info("市场已裁决",
		slog.String("market_id", m.ID),
		slog.String("resolver", ag.ID),
		slog.String("outcome", m.ResolvedOutcome))
	x.publish(ctx, events.MarketResolved, detail)
	return Result{MarketID: m.ID, Detail: detail}, nil
}

func (x *Executor) publish(ctx context.Context, name string, payload events.Payload) {
	if x.events == nil {
		return
	}
	x.events.Publish(ctx, name, payload)
}

func betDetail(bet market.Bet, marketID string) events.Payload {
	return events.Payload{
		"market_id": marketID,
		"bet_id":    bet.ID,
		"bettor":    bet.Bettor,
		"account":   bet.Account,
		"outcome":   bet.Outcome,
		"stake":     bet.Stake,
	}
}
