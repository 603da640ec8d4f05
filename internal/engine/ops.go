package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"AgentMarket/internal/agent"
	"AgentMarket/internal/cognition"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/events"
	"AgentMarket/internal/executor"
	"AgentMarket/internal/goal"
	"AgentMarket/internal/hosted"
	"AgentMarket/internal/market"
)

// JoinRequest 描述运营方手动加入的智能体。
type JoinRequest struct {
	Name     string
	Strategy string
	Hosted   bool
	Owner    string
}

// Join 加入一个新的智能体。托管智能体同时登记并返回首个凭证，登记后需 StartHosted 才会动作。
func (e *Engine) Join(ctx context.Context, req JoinRequest) (agent.Agent, *hosted.Credentials, error) {
	mode := agent.ModeAutonomous
	if req.Hosted {
		mode = agent.ModeHosted
	}
	a, err := e.spawn(ctx, strings.TrimSpace(req.Name), strings.TrimSpace(req.Strategy), mode)
	if err != nil && a.ID == "" {
		return agent.Agent{}, nil, err
	}
	if !req.Hosted {
		return a, nil, nil
	}
	creds, err := e.c.Hosted.Register(a.ID, req.Owner)
	if err != nil {
		return agent.Agent{}, nil, err
	}
	e.hostedChanged(ctx, a.ID, "registered")
	return a, &creds, nil
}

// Message 把运营方消息投递到智能体收件箱，下一次规划时附带给认知服务。
func (e *Engine) Message(ctx context.Context, agentID, from, body string) error {
	body = strings.TrimSpace(body)
	if body == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "消息内容不能为空")
	}
	if from == "" {
		from = "operator"
	}
	if err := e.c.Roster.Deliver(agentID, agent.Message{From: from, Body: body, At: e.now().UTC()}); err != nil {
		return err
	}
	e.publish(ctx, events.AgentMessage, events.Payload{
		"agent_id": agentID,
		"from":     from,
		"body":     body,
	})
	return nil
}

// AssignGoal 为智能体指定目标，替换当前目标。
func (e *Engine) AssignGoal(agentID, description string) (goal.Goal, error) {
	if _, err := e.lookup(agentID); err != nil {
		return goal.Goal{}, err
	}
	return e.c.Goals.Assign(agentID, description)
}

// CreateMarketAsAgent 以智能体身份开设市场。
func (e *Engine) CreateMarketAsAgent(ctx context.Context, agentID string, p cognition.CreateMarketParams) (executor.Result, error) {
	return e.actAs(ctx, agentID, cognition.PlannedAction{Kind: cognition.ActionCreateMarket, Reason: "manual", Create: &p})
}

// PlaceBetAsAgent 以智能体身份押注。
func (e *Engine) PlaceBetAsAgent(ctx context.Context, agentID string, p cognition.PlaceBetParams) (executor.Result, error) {
	return e.actAs(ctx, agentID, cognition.PlannedAction{Kind: cognition.ActionPlaceBet, Reason: "manual", Bet: &p})
}

// PlaceOrderAsAgent 以智能体身份挂单。
func (e *Engine) PlaceOrderAsAgent(ctx context.Context, agentID string, p cognition.PublishOrderParams) (executor.Result, error) {
	return e.actAs(ctx, agentID, cognition.PlannedAction{Kind: cognition.ActionPublishOrder, Reason: "manual", Order: &p})
}

// ResolveAsAgent 以创建者身份裁决市场。
func (e *Engine) ResolveAsAgent(ctx context.Context, agentID string, p cognition.ResolveMarketParams) (executor.Result, error) {
	return e.actAs(ctx, agentID, cognition.PlannedAction{Kind: cognition.ActionResolveMarket, Reason: "manual", Resolve: &p})
}

// ChallengeAsAgent 以智能体身份挑战结果声明，随后广播给其他智能体投票。
func (e *Engine) ChallengeAsAgent(ctx context.Context, agentID, marketID, outcome, reason string) (market.Market, error) {
	if err := e.gate(agentID); err != nil {
		return market.Market{}, err
	}
	m, err := e.c.Markets.Challenge(ctx, marketID, market.Challenge{
		Challenger: agentID,
		Outcome:    outcome,
		Reason:     reason,
		At:         e.now().UTC(),
	})
	if err != nil {
		return market.Market{}, err
	}
	e.c.Hosted.RecordAction(agentID)
	e.publish(ctx, events.MarketChallenged, events.Payload{
		"market_id":  marketID,
		"challenger": agentID,
		"outcome":    outcome,
		"reason":     reason,
		"origin":     "agent",
	})
	return m, nil
}

func (e *Engine) actAs(ctx context.Context, agentID string, action cognition.PlannedAction) (executor.Result, error) {
	if err := e.gate(agentID); err != nil {
		return executor.Result{}, err
	}
	result, err := e.c.Executor.Execute(ctx, agentID, action)
	if err != nil {
		return executor.Result{}, err
	}
	if !result.Skipped {
		e.c.Hosted.RecordAction(agentID)
	}
	return result, nil
}

// gate 检查智能体存在且此刻允许动作。
func (e *Engine) gate(agentID string) error {
	if _, err := e.lookup(agentID); err != nil {
		return err
	}
	if !e.c.Hosted.Eligible(agentID) {
		return xerrors.New(xerrors.CodeConflict, "托管智能体未启动或已暂停",
			xerrors.WithMetadata("agent_id", agentID))
	}
	if !e.c.Hosted.CanAct(agentID) {
		return xerrors.New(xerrors.CodeRateLimited, "",
			xerrors.WithMetadata("agent_id", agentID))
	}
	return nil
}

func (e *Engine) lookup(agentID string) (agent.Agent, error) {
	a, ok := e.c.Roster.Get(agentID)
	if !ok {
		return agent.Agent{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体 %s 不存在", agentID))
	}
	return a, nil
}

// RegisterHosted 把已有智能体转为托管模式。
func (e *Engine) RegisterHosted(ctx context.Context, agentID, owner string) (hosted.Credentials, error) {
	if _, err := e.lookup(agentID); err != nil {
		return hosted.Credentials{}, err
	}
	creds, err := e.c.Hosted.Register(agentID, owner)
	if err != nil {
		return hosted.Credentials{}, err
	}
	if err := e.c.Roster.SetMode(agentID, agent.ModeHosted); err != nil {
		return hosted.Credentials{}, err
	}
	e.hostedChanged(ctx, agentID, "registered")
	return creds, nil
}

// StartHosted 启动托管智能体。
func (e *Engine) StartHosted(ctx context.Context, agentID string) error {
	return e.hostedOp(ctx, agentID, "started", e.c.Hosted.Start)
}

// StopHosted 停止托管智能体。
func (e *Engine) StopHosted(ctx context.Context, agentID string) error {
	return e.hostedOp(ctx, agentID, "stopped", e.c.Hosted.Stop)
}

// SuspendHosted 暂停托管智能体。
func (e *Engine) SuspendHosted(ctx context.Context, agentID, reason string) error {
	return e.hostedOp(ctx, agentID, "suspended", func(id string) error {
		return e.c.Hosted.Suspend(id, reason)
	})
}

// ResumeHosted 解除暂停。
func (e *Engine) ResumeHosted(ctx context.Context, agentID string) error {
	return e.hostedOp(ctx, agentID, "resumed", e.c.Hosted.Resume)
}

// RotateCredentials 为托管智能体签发新凭证。
func (e *Engine) RotateCredentials(ctx context.Context, agentID string) (hosted.Credentials, error) {
	creds, err := e.c.Hosted.RotateCredentials(agentID)
	if err != nil {
		return hosted.Credentials{}, err
	}
	e.hostedChanged(ctx, agentID, "rotated")
	return creds, nil
}

// Authenticate 校验托管凭证。
func (e *Engine) Authenticate(creds hosted.Credentials) error {
	return e.c.Hosted.Authenticate(creds)
}

func (e *Engine) hostedOp(ctx context.Context, agentID, change string, op func(string) error) error {
	if err := op(agentID); err != nil {
		return err
	}
	e.hostedChanged(ctx, agentID, change)
	return nil
}

func (e *Engine) hostedChanged(ctx context.Context, agentID, change string) {
	e.log.Info("托管状态变更", slog.String("agent_id", agentID), slog.String("change", change))
	e.publish(ctx, events.HostedChanged, events.Payload{
		"agent_id": agentID,
		"change":   change,
	})
}

// HandleEvent 处理外部事件，目前只转发挑战事件给裁决引擎。
func (e *Engine) HandleEvent(ctx context.Context, event events.Event) {
	e.c.Dispute.HandleEvent(ctx, event)
}
