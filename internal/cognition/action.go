package cognition

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
)

// ActionKind 是动作的种类。
type ActionKind string

const (
	ActionCreateMarket  ActionKind = "CREATE_MARKET"
	ActionPublishOrder  ActionKind = "PUBLISH_ORDER"
	ActionPlaceBet      ActionKind = "PLACE_BET"
	ActionResolveMarket ActionKind = "RESOLVE_MARKET"
	ActionWait          ActionKind = "WAIT"
)

// CreateMarketParams 是开设市场的参数。
type CreateMarketParams struct {
	Question string
	Outcomes []string
	Duration time.Duration
}

// PublishOrderParams 是挂单参数。
type PublishOrderParams struct {
	MarketID string
	Outcome  string
	Side     string
	Price    decimal.Decimal
	Size     decimal.Decimal
}

// PlaceBetParams 是押注参数。
type PlaceBetParams struct {
	MarketID string
	Outcome  string
	Stake    decimal.Decimal
}

// ResolveMarketParams 是裁决参数。
type ResolveMarketParams struct {
	MarketID string
	Outcome  string
}

// PlannedAction 是带标签的联合体：Kind 决定哪一个参数字段有效。
type PlannedAction struct {
	Kind    ActionKind
	Reason  string
	Create  *CreateMarketParams
	Order   *PublishOrderParams
	Bet     *PlaceBetParams
	Resolve *ResolveMarketParams
}

// Wait 返回一个等待动作。
func Wait(reason string) PlannedAction {
	return PlannedAction{Kind: ActionWait, Reason: reason}
}

// Validate 检查 Kind 与参数字段是否匹配，以及必填字段是否齐全。数值范围由执行器裁剪。
func (a PlannedAction) Validate() error {
	set := 0
	for _, present := range []bool{a.Create != nil, a.Order != nil, a.Bet != nil, a.Resolve != nil} {
		if present {
			set++
		}
	}
	bad := func(format string, args ...any) error {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf(format, args...),
			xerrors.WithMetadata("action", string(a.Kind)))
	}

	switch a.Kind {
	case ActionWait:
		if set != 0 {
			return bad("WAIT 不应携带参数")
		}
		return nil
	case ActionCreateMarket:
		if a.Create == nil || set != 1 {
			return bad("CREATE_MARKET 参数不匹配")
		}
		if strings.TrimSpace(a.Create.Question) == "" {
			return bad("市场问题不能为空")
		}
		if len(a.Create.Outcomes) < 2 {
			return bad("市场至少需要两个结果")
		}
		seen := make(map[string]bool, len(a.Create.Outcomes))
		for _, o := range a.Create.Outcomes {
			o = strings.TrimSpace(o)
			if o == "" || seen[o] {
				return bad("市场结果不能为空且不能重复")
			}
			seen[o] = true
		}
	case ActionPublishOrder:
		if a.Order == nil || set != 1 {
			return bad("PUBLISH_ORDER 参数不匹配")
		}
		if a.Order.MarketID == "" || a.Order.Outcome == "" {
			return bad("挂单缺少市场或结果")
		}
		side := strings.ToUpper(a.Order.Side)
		if side != "BUY" && side != "SELL" {
			return bad("未知的挂单方向 %q", a.Order.Side)
		}
	case ActionPlaceBet:
		if a.Bet == nil || set != 1 {
			return bad("PLACE_BET 参数不匹配")
		}
		if a.Bet.MarketID == "" || a.Bet.Outcome == "" {
			return bad("押注缺少市场或结果")
		}
	case ActionResolveMarket:
		if a.Resolve == nil || set != 1 {
			return bad("RESOLVE_MARKET 参数不匹配")
		}
		if a.Resolve.MarketID == "" || a.Resolve.Outcome == "" {
			return bad("裁决缺少市场或结果")
		}
	default:
		return bad("未知的动作类型 %q", a.Kind)
	}
	return nil
}

// MarketID 返回动作涉及的市场，没有时为空。
func (a PlannedAction) MarketID() string {
	switch {
	case a.Order != nil:
		return a.Order.MarketID
	case a.Bet != nil:
		return a.Bet.MarketID
	case a.Resolve != nil:
		return a.Resolve.MarketID
	}
	return ""
}
