package wallet

import (
	"context"
	"time"

	"AgentMarket/internal/ledger"
)

// Kind 区分钱包用途。
type Kind string

const (
	KindAgent  Kind = "agent"
	KindEscrow Kind = "escrow"
)

// Wallet 绑定所有者（智能体或市场）与账本账户及签名材料。
type Wallet struct {
	OwnerID   string    `json:"owner_id"`
	Kind      Kind      `json:"kind"`
	Name      string    `json:"name,omitempty"`
	Strategy  string    `json:"strategy,omitempty"`
	AccountID string    `json:"account_id"`
	Key       string    `json:"key"`
	KeyType   string    `json:"key_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Account 返回账本账户描述。
func (w Wallet) Account() ledger.Account {
	return ledger.Account{ID: w.AccountID, Key: w.Key, KeyType: w.KeyType}
}

// Snapshot 是注册表持久化时的完整快照。
type Snapshot struct {
	Wallets   []Wallet  `json:"wallets"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store 抽象钱包快照的外部持久化。
type Store interface {
	Get(ctx context.Context) (Snapshot, error)
	Persist(ctx context.Context, snapshot Snapshot) error
	Close() error
}
