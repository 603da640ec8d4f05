package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"AgentMarket/internal/ledger"
)

// Primitive 是引擎所依赖的市场存储。每个方法都是一次原子变更，
// 调用方读取快照后按决策只调用一次，冲突通过错误返回。
type Primitive interface {
	CreateMarket(ctx context.Context, req CreateRequest) (Market, error)
	PlaceBet(ctx context.Context, req BetRequest) (Bet, error)
	PublishOrder(ctx context.Context, req OrderRequest) (Order, error)
	ResolveMarket(ctx context.Context, marketID, caller, outcome string) (Market, error)
	SelfAttest(ctx context.Context, marketID string, att SelfAttestation) (Market, error)
	Challenge(ctx context.Context, marketID string, ch Challenge) (Market, error)
	SubmitOracleVote(ctx context.Context, marketID string, vote OracleVote) (VoteReceipt, error)
	ClaimWinnings(ctx context.Context, req ClaimRequest) (decimal.Decimal, error)
	Get(ctx context.Context, marketID string) (Market, error)
	Snapshot(ctx context.Context) ([]Market, error)
}

// CreateRequest 描述开设市场所需的信息。
type CreateRequest struct {
	Question  string
	Creator   string
	Escrow    string
	Outcomes  []string
	CloseTime time.Time
}

// BetRequest 描述一次押注，Account 的签名材料用于把押注转入托管账户。
type BetRequest struct {
	MarketID string
	Bettor   string
	Account  ledger.Account
	Outcome  string
	Stake    decimal.Decimal
}

// OrderRequest 描述一次挂单。
type OrderRequest struct {
	MarketID string
	Maker    string
	Account  string
	Outcome  string
	Side     Side
	Price    decimal.Decimal
	Size     decimal.Decimal
}

// ClaimRequest 由托管账户签名，把赢家份额转给 Account。
type ClaimRequest struct {
	MarketID string
	Account  string
	Escrow   ledger.Account
}

// VoteReceipt 返回投票后的市场状态，Finalized 表示此票触发了法定人数裁决。
type VoteReceipt struct {
	Finalized bool
	Outcome   string
	Market    Market
}

// ReputationSource 为法定人数计票提供信誉分。
type ReputationSource interface {
	Score(agentID string) float64
}
