package engine

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	"AgentMarket/internal/agent"
	"AgentMarket/internal/events"
	"AgentMarket/internal/wallet"
)

// ensurePopulation 把自主智能体补足到目标数量，策略按加入顺序轮换。
// 上一次钱包持久化失败时先补写。持久化失败不阻止智能体入册。
func (e *Engine) ensurePopulation(ctx context.Context) error {
	var errs []error
	if e.walletsPending.Load() {
		if err := e.c.Wallets.Persist(ctx); err != nil {
			errs = append(errs, err)
		} else {
			e.walletsPending.Store(false)
			e.log.Info("钱包补写成功")
		}
	}

	missing := e.cfg.TargetPopulation - e.c.Roster.CountByMode()[agent.ModeAutonomous]
	for i := 0; i < missing; i++ {
		a, err := e.spawn(ctx, "", "", agent.ModeAutonomous)
		if err == nil {
			continue
		}
		errs = append(errs, err)
		if a.ID == "" {
			break
		}
	}
	return stdErrors.Join(errs...)
}

// spawn 为新智能体开户并加入名册。name 与 strategy 为空时按序号生成。
// 账户已开设但钱包未能持久化时，智能体照常入册并返回持久化错误。
func (e *Engine) spawn(ctx context.Context, name, strategy string, mode agent.Mode) (agent.Agent, error) {
	e.mu.Lock()
	var id string
	for {
		e.joined++
		id = fmt.Sprintf("%s-%03d", e.cfg.NamePrefix, e.joined)
		if _, exists := e.c.Roster.Get(id); !exists {
			break
		}
	}
	seq := e.joined
	e.mu.Unlock()

	if name == "" {
		name = id
	}
	if strategy == "" {
		strategy = e.cfg.Strategies[(seq-1)%len(e.cfg.Strategies)]
	}

	w, err := e.c.Wallets.Provision(ctx, wallet.Wallet{
		OwnerID:  id,
		Kind:     wallet.KindAgent,
		Name:     name,
		Strategy: strategy,
	}, e.cfg.InitialBankroll)
	if err != nil && w.AccountID == "" {
		return agent.Agent{}, err
	}
	persistErr := err
	if persistErr != nil {
		e.walletsPending.Store(true)
		e.log.Warn("钱包持久化失败，下个 tick 补写", slog.String("agent_id", id),
			slog.String("account", w.AccountID), slog.Any("error", persistErr))
	}
	a := agent.Agent{
		ID:         id,
		Name:       name,
		Account:    w.AccountID,
		Strategy:   strategy,
		Bankroll:   e.cfg.InitialBankroll,
		Reputation: e.c.Reputation.Score(id),
		Mode:       mode,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.c.Roster.Add(a); err != nil {
		return agent.Agent{}, err
	}

	e.log.Info("智能体加入", slog.String("agent_id", id), slog.String("strategy", strategy), slog.String("mode", string(mode)))
	e.publish(ctx, events.AgentJoined, events.Payload{
		"agent_id": id,
		"name":     name,
		"strategy": strategy,
		"mode":     string(mode),
		"account":  w.AccountID,
	})
	return a, persistErr
}
