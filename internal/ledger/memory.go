package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
)

// KeyTypeMemory 标识内存账本生成的签名材料。
const KeyTypeMemory = "memory"

type memoryAccount struct {
	key     string
	balance decimal.Decimal
}

// MemoryLedger 是进程内的账本实现，适合开发和测试。
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[string]*memoryAccount
	txCount  uint64
}

// NewMemoryLedger 创建一个空的内存账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[string]*memoryAccount)}
}

// CreateAccount 开设新账户并写入初始余额。
func (l *MemoryLedger) CreateAccount(_ context.Context, initial decimal.Decimal) (Account, error) {
	if initial.IsNegative() {
		return Account{}, xerrors.New(xerrors.CodeInvalidArgument, "初始余额不能为负数")
	}
	id := "acct-" + uuid.NewString()
	key := uuid.NewString()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[id] = &memoryAccount{key: key, balance: initial}
	return Account{ID: id, Key: key, KeyType: KeyTypeMemory}, nil
}

// Balance 返回账户余额。
func (l *MemoryLedger) Balance(_ context.Context, accountID string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[accountID]
	if !ok {
		return decimal.Zero, xerrors.New(CodeUnknownAccount, fmt.Sprintf("账户 %s 不存在", accountID))
	}
	return acct.balance, nil
}

// Dial 校验签名材料并返回账户客户端。
func (l *MemoryLedger) Dial(_ context.Context, account Account) (Client, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[account.ID]
	if !ok || acct.key != account.Key {
		return nil, xerrors.New(CodeUnknownAccount, fmt.Sprintf("账户 %s 签名材料无效", account.ID))
	}
	return &memoryClient{ledger: l, account: account.ID}, nil
}

// Close 实现 Ledger 接口，内存账本无需释放资源。
func (l *MemoryLedger) Close() error { return nil }

// Total 返回账本上的资金总量，供测试校验资金守恒。
func (l *MemoryLedger) Total() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, acct := range l.accounts {
		total = total.Add(acct.balance)
	}
	return total
}

func (l *MemoryLedger) transfer(from, to string, amount decimal.Decimal) (string, error) {
	if !amount.IsPositive() {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.accounts[from]
	if !ok {
		return "", xerrors.New(CodeUnknownAccount, fmt.Sprintf("账户 %s 不存在", from))
	}
	dst, ok := l.accounts[to]
	if !ok {
		return "", xerrors.New(CodeUnknownAccount, fmt.Sprintf("账户 %s 不存在", to))
	}
	if src.balance.LessThan(amount) {
		return "", xerrors.New(CodeInsufficientFunds, fmt.Sprintf("账户 %s 余额不足", from),
			xerrors.WithMetadata("balance", src.balance.String()),
			xerrors.WithMetadata("amount", amount.String()))
	}
	src.balance = src.balance.Sub(amount)
	dst.balance = dst.balance.Add(amount)
	l.txCount++
	return fmt.Sprintf("mem-tx-%d", l.txCount), nil
}

type memoryClient struct {
	ledger  *MemoryLedger
	account string
}

func (c *memoryClient) AccountID() string { return c.account }

func (c *memoryClient) Transfer(_ context.Context, to string, amount decimal.Decimal) (string, error) {
	return c.ledger.transfer(c.account, to, amount)
}

func (c *memoryClient) Close() error { return nil }
