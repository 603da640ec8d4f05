package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/events"
	"AgentMarket/internal/market"
	"AgentMarket/pkg/logger"
)

// SettleReport 汇总一次结算扫描。
type SettleReport struct {
	Claims  int
	Skipped int
	Failed  int
	PaidOut decimal.Decimal
}

// SettleResolvedMarkets 为已裁决市场的每个赢家账户领取奖金。每个 (市场, 账户) 成功领取后不再调用；
// 重复领取静默忽略，其他错误按账户汇总返回，不中断其余账户。账本类可重试错误在下次扫描时重试。
func (e *Engine) SettleResolvedMarkets(ctx context.Context) (SettleReport, error) {
	report := SettleReport{PaidOut: decimal.Zero}
	snapshot, err := e.markets.Snapshot(ctx)
	if err != nil {
		return report, fmt.Errorf("读取市场快照失败: %w", err)
	}

	var errs []error
	for _, m := range snapshot {
		if m.Status != market.StatusResolved {
			continue
		}
		if m.Resolution != nil && m.Resolution.Method == market.ResolvedByOracle {
			if err := e.applyFeedback(ctx, m); err != nil {
				errs = append(errs, err)
			}
		}
		if len(m.Bets) == 0 {
			continue
		}
		if !e.acquire(m.ID) {
			continue
		}
		errs = append(errs, e.settleMarket(ctx, m, &report)...)
		e.release(m.ID)
	}
	return report, errors.Join(errs...)
}

func (e *Engine) settleMarket(ctx context.Context, m market.Market, report *SettleReport) []error {
	accounts := winningAccounts(m)
	if len(accounts) == 0 {
		return nil
	}
	escrow, ok := e.wallets.ByAccount(m.Escrow)
	if !ok {
		return []error{xerrors.New(CodePayoutFailed, "找不到托管钱包",
			xerrors.WithMetadata("market_id", m.ID),
			xerrors.WithMetadata("escrow", m.Escrow))}
	}

	var errs []error
	for _, account := range accounts {
		key := m.ID + "|" + account
		e.mu.Lock()
		if e.claimed[key] {
			e.mu.Unlock()
			continue
		}
		e.claimed[key] = true
		e.mu.Unlock()

		amount, err := e.markets.ClaimWinnings(ctx, market.ClaimRequest{
			MarketID: m.ID,
			Account:  account,
			Escrow:   escrow.Account(),
		})
		if err != nil {
			if market.IsAlreadyClaimed(err) {
				report.Skipped++
				continue
			}
			// 可重试的失败释放标记，下次结算扫描重新领取。
			if xerrors.RetryableError(err) {
				e.mu.Lock()
				delete(e.claimed, key)
				e.mu.Unlock()
			}
			report.Failed++
			wrapped := xerrors.Wrap(CodePayoutFailed, err, "领取奖金失败",
				xerrors.WithMetadata("market_id", m.ID),
				xerrors.WithMetadata("account", account))
			errs = append(errs, wrapped)
			e.publish(ctx, events.MarketPayoutFailed, events.Payload{
				"market_id": m.ID,
				"account":   account,
				"error":     err.Error(),
			})
			continue
		}

		report.Claims++
		report.PaidOut = report.PaidOut.Add(amount)
		owner := ""
		if a, ok := e.roster.ByAccount(account); ok {
			owner = a.ID
			_ = e.roster.Credit(a.ID, amount)
		}
		logger.Audit().Info("奖金已派发",
			slog.String("market_id", m.ID),
			slog.String("account", account),
			slog.String("agent_id", owner),
			slog.String("amount", amount.String()))
		e.publish(ctx, events.MarketPayout, events.Payload{
			"market_id": m.ID,
			"account":   account,
			"agent_id":  owner,
			"amount":    amount,
			"outcome":   m.ResolvedOutcome,
		})
	}
	return errs
}

// winningAccounts 返回押中裁决结果的去重账户，按首次押注顺序排列。
func winningAccounts(m market.Market) []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range m.Bets {
		if b.Outcome != m.ResolvedOutcome || seen[b.Account] {
			continue
		}
		seen[b.Account] = true
		out = append(out, b.Account)
	}
	return out
}

// Claimed 判断 (市场, 账户) 是否已领取或不再重试。
func (e *Engine) Claimed(marketID, account string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.claimed[marketID+"|"+account]
}
