package cognition

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
)

// WireAction 是大模型与外部脚本返回动作时使用的 JSON 结构。
type WireAction struct {
	Action          string           `json:"action"`
	Reason          string           `json:"reason,omitempty"`
	MarketID        string           `json:"market_id,omitempty"`
	Outcome         string           `json:"outcome,omitempty"`
	Stake           *decimal.Decimal `json:"stake,omitempty"`
	Question        string           `json:"question,omitempty"`
	Outcomes        []string         `json:"outcomes,omitempty"`
	DurationMinutes int              `json:"duration_minutes,omitempty"`
	Side            string           `json:"side,omitempty"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	Size            *decimal.Decimal `json:"size,omitempty"`
}

// WireGoal 是提出目标时的 JSON 结构。
type WireGoal struct {
	Goal string `json:"goal"`
}

// ParseGoal 解析目标输出；内容不是 JSON 时整体作为目标描述。
func ParseGoal(content string) (GoalProposal, error) {
	content = strings.TrimSpace(stripFence(content))
	if content == "" {
		return GoalProposal{}, xerrors.New(xerrors.CodeCognitionFailure, "目标输出为空")
	}
	var wire WireGoal
	if err := json.Unmarshal([]byte(content), &wire); err != nil || strings.TrimSpace(wire.Goal) == "" {
		return GoalProposal{Description: content}, nil
	}
	return GoalProposal{Description: strings.TrimSpace(wire.Goal)}, nil
}

// ParseAction 把 JSON 输出转换为 PlannedAction 并校验。
func ParseAction(content string) (PlannedAction, error) {
	content = strings.TrimSpace(stripFence(content))
	var wire WireAction
	if err := json.Unmarshal([]byte(content), &wire); err != nil {
		return PlannedAction{}, xerrors.Wrap(xerrors.CodeCognitionFailure, err, "解析动作输出失败")
	}
	action := wire.ToAction()
	if err := action.Validate(); err != nil {
		return PlannedAction{}, err
	}
	return action, nil
}

// ToAction 转换为带标签的联合体，不做校验。
func (w WireAction) ToAction() PlannedAction {
	kind := ActionKind(strings.ToUpper(strings.TrimSpace(w.Action)))
	action := PlannedAction{Kind: kind, Reason: w.Reason}
	switch kind {
	case ActionCreateMarket:
		action.Create = &CreateMarketParams{
			Question: w.Question,
			Outcomes: w.Outcomes,
			Duration: time.Duration(w.DurationMinutes) * time.Minute,
		}
	case ActionPublishOrder:
		action.Order = &PublishOrderParams{
			MarketID: w.MarketID,
			Outcome:  w.Outcome,
			Side:     strings.ToUpper(w.Side),
			Price:    deref(w.Price),
			Size:     deref(w.Size),
		}
	case ActionPlaceBet:
		action.Bet = &PlaceBetParams{MarketID: w.MarketID, Outcome: w.Outcome, Stake: deref(w.Stake)}
	case ActionResolveMarket:
		action.Resolve = &ResolveMarketParams{MarketID: w.MarketID, Outcome: w.Outcome}
	}
	return action
}

func deref(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

func stripFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	return strings.TrimSuffix(strings.TrimSpace(content), "```")
}

// BuildGoalPrompt 生成提出目标时的用户提示词。
func BuildGoalPrompt(req GoalRequest) string {
	var builder strings.Builder
	writeContext(&builder, req)
	builder.WriteString("\n请为该智能体提出下一个交易目标，返回 {\"goal\": string}。")
	return builder.String()
}

// BuildActionPrompt 生成决定动作时的用户提示词。
func BuildActionPrompt(req ActionRequest) string {
	var builder strings.Builder
	writeContext(&builder, req.GoalRequest)
	builder.WriteString(fmt.Sprintf("\n## 当前目标\n%s\n", strings.TrimSpace(req.Goal)))
	builder.WriteString("\n请选择一个动作：CREATE_MARKET、PUBLISH_ORDER、PLACE_BET、RESOLVE_MARKET 或 WAIT。")
	return builder.String()
}

func writeContext(builder *strings.Builder, req GoalRequest) {
	a := req.Agent
	builder.WriteString("## 智能体\n")
	builder.WriteString(fmt.Sprintf("名称: %s | 策略: %s | 资金: %s | 信誉: %.1f\n",
		a.Name, a.Strategy, a.Bankroll.StringFixed(2), a.Reputation))

	if len(req.Markets) > 0 {
		builder.WriteString("\n## 市场\n")
		for idx, m := range req.Markets {
			builder.WriteString(fmt.Sprintf("[%s] %s | 状态:%s | 结果:%s | 奖池:%s | 我的押注:%s\n",
				m.ID, truncate(m.Question), m.Status, strings.Join(m.Outcomes, "/"),
				m.Pool.StringFixed(2), m.MyStake.StringFixed(2)))
			if idx >= 9 {
				break
			}
		}
	}
	if len(req.Sentiment) > 0 {
		builder.WriteString("\n## 情绪\n")
		for _, h := range req.Sentiment {
			builder.WriteString(fmt.Sprintf("%s: %s (%.2f)\n", h.Topic, truncate(h.Summary), h.Score))
		}
	}
	if len(req.Messages) > 0 {
		builder.WriteString("\n## 运营消息\n")
		for _, msg := range req.Messages {
			builder.WriteString("- " + truncate(msg) + "\n")
		}
	}
	if req.LastFailure != nil {
		builder.WriteString(fmt.Sprintf("\n## 上次失败\n目标:%s | 错误:%s\n",
			truncate(req.LastFailure.Goal), truncate(req.LastFailure.Error)))
	}
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 80 {
		return string([]rune(text)[:80]) + "..."
	}
	return text
}

// SystemPrompt 约束大模型的输出格式。
const SystemPrompt = "" +
	"You are the planning engine of an autonomous prediction-market trader. " +
	"Always respond with a single compact JSON object and nothing else. " +
	"Action objects use the fields: action, reason, market_id, outcome, stake, " +
	"question, outcomes, duration_minutes, side, price, size."
