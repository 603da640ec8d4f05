package ledger

import (
	"context"

	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
)

// Account 描述账本上的一个账户及其签名材料。
type Account struct {
	ID      string
	Key     string
	KeyType string
}

// Ledger 抽象出引擎所需的最小账本能力：开户、查询余额，以及为账户建立签名客户端。
type Ledger interface {
	CreateAccount(ctx context.Context, initial decimal.Decimal) (Account, error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	Dial(ctx context.Context, account Account) (Client, error)
	Close() error
}

// Client 持有单个账户的签名材料，用于发起转账。
type Client interface {
	AccountID() string
	Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error)
	Close() error
}

const (
	// CodeInsufficientFunds 表示转出账户余额不足。
	CodeInsufficientFunds xerrors.Code = "LEDGER_INSUFFICIENT_FUNDS"
	// CodeUnknownAccount 表示账户不存在或签名材料不匹配。
	CodeUnknownAccount xerrors.Code = "LEDGER_UNKNOWN_ACCOUNT"
)

func init() {
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:  "insufficient funds",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassAgent,
	})
	xerrors.Register(CodeUnknownAccount, xerrors.Attributes{
		Message:  "unknown ledger account",
		Severity: xerrors.SeverityWarning,
		Class:    xerrors.ClassAgent,
	})
}
