package cognition

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejectsMismatchedUnion(t *testing.T) {
	cases := map[string]PlannedAction{
		"wait-with-params":   {Kind: ActionWait, Bet: &PlaceBetParams{MarketID: "m", Outcome: "YES"}},
		"bet-without":        {Kind: ActionPlaceBet},
		"bet-two-params":     {Kind: ActionPlaceBet, Bet: &PlaceBetParams{MarketID: "m", Outcome: "YES"}, Resolve: &ResolveMarketParams{MarketID: "m", Outcome: "YES"}},
		"create-one-outcome": {Kind: ActionCreateMarket, Create: &CreateMarketParams{Question: "q", Outcomes: []string{"YES"}}},
		"create-duplicate":   {Kind: ActionCreateMarket, Create: &CreateMarketParams{Question: "q", Outcomes: []string{"YES", " YES"}}},
		"create-blank":       {Kind: ActionCreateMarket, Create: &CreateMarketParams{Question: "q", Outcomes: []string{"YES", "  "}}},
		"order-bad-side":     {Kind: ActionPublishOrder, Order: &PublishOrderParams{MarketID: "m", Outcome: "YES", Side: "HOLD"}},
		"unknown":            {Kind: "FLY"},
	}
	for name, action := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, action.Validate())
		})
	}
	assert.NoError(t, Wait("idle").Validate())
}

func TestParseActionFromFencedJSON(t *testing.T) {
	action, err := ParseAction("```json\n{\"action\":\"publish_order\",\"market_id\":\"m1\",\"outcome\":\"YES\",\"side\":\"sell\",\"price\":0.4,\"size\":\"3\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, ActionPublishOrder, action.Kind)
	assert.Equal(t, "SELL", action.Order.Side)
	assert.True(t, action.Order.Price.Equal(decimal.RequireFromString("0.4")))
	assert.Equal(t, "m1", action.MarketID())
}

func TestParseActionCreateMarket(t *testing.T) {
	action, err := ParseAction(`{"action":"CREATE_MARKET","question":"Rain?","outcomes":["YES","NO"],"duration_minutes":90}`)
	require.NoError(t, err)
	assert.Equal(t, 90, int(action.Create.Duration.Minutes()))
	assert.Equal(t, "", action.MarketID())
}

func TestParseGoal(t *testing.T) {
	goal, err := ParseGoal(`{"goal":"hedge weather markets"}`)
	require.NoError(t, err)
	assert.Equal(t, "hedge weather markets", goal.Description)

	_, err = ParseGoal("   ")
	assert.Error(t, err)
}
