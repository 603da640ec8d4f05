package cognition

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/sentiment"
)

// Client 是认知服务的统一接口：先提出目标，再为目标决定一个动作。
type Client interface {
	GenerateGoal(ctx context.Context, req GoalRequest) (GoalProposal, error)
	DecideAction(ctx context.Context, req ActionRequest) (PlannedAction, error)
}

// AgentContext 是规划时看到的智能体信息。
type AgentContext struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Strategy   string          `json:"strategy"`
	Bankroll   decimal.Decimal `json:"bankroll"`
	Reputation float64         `json:"reputation"`
}

// MarketSummary 是规划时看到的市场摘要，OutcomeStakes 与 Outcomes 按下标对齐。
type MarketSummary struct {
	ID            string            `json:"id"`
	Question      string            `json:"question"`
	Creator       string            `json:"creator"`
	Outcomes      []string          `json:"outcomes"`
	Status        string            `json:"status"`
	CloseTime     time.Time         `json:"close_time"`
	Expired       bool              `json:"expired"`
	Attested      bool              `json:"attested"`
	Pool          decimal.Decimal   `json:"pool"`
	OutcomeStakes []decimal.Decimal `json:"outcome_stakes"`
	OrderCount    int               `json:"order_count"`
	MyStake       decimal.Decimal   `json:"my_stake"`
}

// Tradable 判断市场是否仍可押注或挂单。
func (m MarketSummary) Tradable() bool {
	return m.Status == "OPEN" && !m.Expired
}

// Failure 描述智能体上一次失败的目标，供下一次规划参考。
type Failure struct {
	Goal  string `json:"goal"`
	Error string `json:"error"`
}

// GoalRequest 是提出目标时的上下文。
type GoalRequest struct {
	Agent       AgentContext     `json:"agent"`
	Markets     []MarketSummary  `json:"markets"`
	Sentiment   []sentiment.Hint `json:"sentiment"`
	LastFailure *Failure         `json:"last_failure,omitempty"`
	Messages    []string         `json:"messages,omitempty"`
	Now         time.Time        `json:"now"`
}

// ActionRequest 在目标上下文之外附带当前目标。
type ActionRequest struct {
	GoalRequest
	Goal string `json:"goal"`
}

// GoalProposal 是认知服务提出的目标。
type GoalProposal struct {
	Description string `json:"description"`
}
