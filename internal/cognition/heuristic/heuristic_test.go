package heuristic

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentMarket/internal/cognition"
)

func market(id string, pool int64, stakes ...int64) cognition.MarketSummary {
	m := cognition.MarketSummary{ID: id, Question: "q", Outcomes: []string{"YES", "NO"}, Status: "OPEN", Pool: decimal.NewFromInt(pool)}
	for _, s := range stakes {
		m.OutcomeStakes = append(m.OutcomeStakes, decimal.NewFromInt(s))
	}
	return m
}

func request(strategy string, markets ...cognition.MarketSummary) cognition.ActionRequest {
	return cognition.ActionRequest{GoalRequest: cognition.GoalRequest{
		Agent:   cognition.AgentContext{ID: "a1", Strategy: strategy, Bankroll: decimal.NewFromInt(100)},
		Markets: markets,
		Now:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}}
}

func TestMomentumFollowsLargestPool(t *testing.T) {
	p := New()
	action, err := p.DecideAction(context.Background(), request(StrategyMomentum, market("m1", 10, 4, 6), market("m2", 30, 20, 10)))
	require.NoError(t, err)
	require.NoError(t, action.Validate())
	assert.Equal(t, cognition.ActionPlaceBet, action.Kind)
	assert.Equal(t, "m2", action.Bet.MarketID)
	assert.Equal(t, "YES", action.Bet.Outcome)
	assert.True(t, action.Bet.Stake.Equal(decimal.NewFromInt(5)))
}

func TestContrarianBetsUnderdog(t *testing.T) {
	p := New()
	action, err := p.DecideAction(context.Background(), request(StrategyContrarian, market("m1", 10, 8, 2), market("m2", 30, 20, 10)))
	require.NoError(t, err)
	assert.Equal(t, "m1", action.Bet.MarketID)
	assert.Equal(t, "NO", action.Bet.Outcome)
}

func TestOracleResolvesOwnExpiredMarket(t *testing.T) {
	p := New()
	expired := market("m1", 10, 3, 7)
	expired.Creator = "a1"
	expired.Expired = true

	action, err := p.DecideAction(context.Background(), request(StrategyOracle, expired))
	require.NoError(t, err)
	assert.Equal(t, cognition.ActionResolveMarket, action.Kind)
	assert.Equal(t, "NO", action.Resolve.Outcome)
}

func TestOracleCreatesWhenFewMarkets(t *testing.T) {
	p := New(WithMaxOpenMarkets(2), WithMarketDuration(30*time.Minute))
	action, err := p.DecideAction(context.Background(), request(StrategyOracle, market("m1", 0, 0, 0)))
	require.NoError(t, err)
	require.NoError(t, action.Validate())
	assert.Equal(t, cognition.ActionCreateMarket, action.Kind)
	assert.Equal(t, 30*time.Minute, action.Create.Duration)

	action, err = p.DecideAction(context.Background(), request(StrategyOracle, market("m1", 0), market("m2", 0)))
	require.NoError(t, err)
	assert.Equal(t, cognition.ActionWait, action.Kind)
}

func TestMarketMakerQuotesLeastQuotedMarket(t *testing.T) {
	p := New()
	m1 := market("m1", 0, 0, 0)
	m1.OrderCount = 3
	m2 := market("m2", 0, 0, 0)
	action, err := p.DecideAction(context.Background(), request(StrategyMarketMaker, m1, m2))
	require.NoError(t, err)
	require.NoError(t, action.Validate())
	assert.Equal(t, "m2", action.Order.MarketID)
	assert.True(t, action.Order.Price.Equal(decimal.RequireFromString("0.5")))
}

func TestNoTradableMarketsWaits(t *testing.T) {
	p := New()
	closed := market("m1", 10, 5, 5)
	closed.Expired = true
	action, err := p.DecideAction(context.Background(), request(StrategyMomentum, closed))
	require.NoError(t, err)
	assert.Equal(t, cognition.ActionWait, action.Kind)
}

func TestGoalMentionsFailure(t *testing.T) {
	p := New()
	goal, err := p.GenerateGoal(context.Background(), cognition.GoalRequest{
		Agent:       cognition.AgentContext{Strategy: StrategyMomentum},
		LastFailure: &cognition.Failure{Goal: "x", Error: "boom"},
	})
	require.NoError(t, err)
	assert.Contains(t, goal.Description, "上次失败")
}
