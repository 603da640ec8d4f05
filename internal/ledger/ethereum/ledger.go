package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/ledger"
)

// KeyTypeSecp256k1 标识以太坊私钥。
const KeyTypeSecp256k1 = "secp256k1"

const transferGas = uint64(21_000)

// Backend 是账本依赖的最小以太坊接口，ethclient.Client 与模拟链客户端都满足。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// Config 描述如何构造以太坊账本。
type Config struct {
	Name        string
	RPCURL      string
	TreasuryKey string
	Decimals    int32
}

// Option 定义账本的可选配置。
type Option func(*Ledger)

// WithAfterSend 注册每笔交易广播后的回调，模拟链在测试中用它出块。
func WithAfterSend(fn func()) Option {
	return func(l *Ledger) {
		l.afterSend = fn
	}
}

// WithDecimals 覆盖金额换算使用的小数位。
func WithDecimals(decimals int32) Option {
	return func(l *Ledger) {
		if decimals > 0 {
			l.decimals = decimals
		}
	}
}

// Ledger 使用 EVM 链上的原生代币实现 ledger.Ledger。
type Ledger struct {
	name      string
	backend   Backend
	closer    func()
	chainID   *big.Int
	treasury  *ecdsa.PrivateKey
	decimals  int32
	afterSend func()

	// 同一发送方的 nonce 分配需要串行。
	sendMu sync.Mutex
}

// Dial 连接配置的 RPC 节点并返回账本。
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Ledger, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "未配置以太坊 RPC 地址")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "连接以太坊节点失败")
	}
	if cfg.Decimals > 0 {
		opts = append([]Option{WithDecimals(cfg.Decimals)}, opts...)
	}
	l, err := New(ctx, cfg.Name, client, cfg.TreasuryKey, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	l.closer = client.Close
	return l, nil
}

// New 基于已有后端构造账本，treasuryKey 为十六进制私钥，用于为新账户注资。
func New(ctx context.Context, name string, backend Backend, treasuryKey string, opts ...Option) (*Ledger, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "缺少以太坊后端")
	}
	treasuryKey = strings.TrimPrefix(strings.TrimSpace(treasuryKey), "0x")
	if treasuryKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "缺少金库私钥")
	}
	treasury, err := crypto.HexToECDSA(treasuryKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "金库私钥格式错误")
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "获取链 ID 失败")
	}

	l := &Ledger{
		name:     name,
		backend:  backend,
		chainID:  chainID,
		treasury: treasury,
		decimals: 18,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// TreasuryAddress 返回金库地址。
func (l *Ledger) TreasuryAddress() common.Address {
	return crypto.PubkeyToAddress(l.treasury.PublicKey)
}

// CreateAccount 生成新的私钥，并在 initial 为正时由金库注资。
func (l *Ledger) CreateAccount(ctx context.Context, initial decimal.Decimal) (ledger.Account, error) {
	if initial.IsNegative() {
		return ledger.Account{}, xerrors.New(xerrors.CodeInvalidArgument, "初始余额不能为负数")
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return ledger.Account{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "生成私钥失败")
	}
	address := crypto.PubkeyToAddress(key.PublicKey)

	if initial.IsPositive() {
		if _, err := l.send(ctx, l.treasury, address, initial); err != nil {
			return ledger.Account{}, err
		}
	}
	return ledger.Account{
		ID:      address.Hex(),
		Key:     hexutil.Encode(crypto.FromECDSA(key)),
		KeyType: KeyTypeSecp256k1,
	}, nil
}

// Balance 查询账户的最新余额。
func (l *Ledger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if !common.IsHexAddress(accountID) {
		return decimal.Zero, xerrors.New(ledger.CodeUnknownAccount, fmt.Sprintf("非法地址 %s", accountID))
	}
	wei, err := l.backend.BalanceAt(ctx, common.HexToAddress(accountID), nil)
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询余额失败")
	}
	return decimal.NewFromBigInt(wei, -l.decimals), nil
}

// Dial 解析账户私钥并校验其与地址一致。
func (l *Ledger) Dial(_ context.Context, account ledger.Account) (ledger.Client, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(account.Key, "0x"))
	if err != nil {
		return nil, xerrors.Wrap(ledger.CodeUnknownAccount, err, "账户私钥格式错误")
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	if !strings.EqualFold(address.Hex(), account.ID) {
		return nil, xerrors.New(ledger.CodeUnknownAccount, fmt.Sprintf("私钥与账户 %s 不匹配", account.ID))
	}
	return &client{ledger: l, key: key, address: address}, nil
}

// Close 释放与节点的连接。
func (l *Ledger) Close() error {
	if l.closer != nil {
		l.closer()
		l.closer = nil
	}
	return nil
}

func (l *Ledger) toWei(amount decimal.Decimal) *big.Int {
	return amount.Shift(l.decimals).BigInt()
}

func (l *Ledger) send(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, amount decimal.Decimal) (string, error) {
	value := l.toWei(amount)
	if value.Sign() <= 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须为正数")
	}
	from := crypto.PubkeyToAddress(key.PublicKey)

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	balance, err := l.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询余额失败")
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeLedgerFailure, err, "获取 gas 价格失败")
	}
	cost := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(transferGas))
	cost.Add(cost, value)
	if balance.Cmp(cost) < 0 {
		return "", xerrors.New(ledger.CodeInsufficientFunds, fmt.Sprintf("账户 %s 余额不足", from.Hex()),
			xerrors.WithMetadata("balance_wei", balance.String()),
			xerrors.WithMetadata("required_wei", cost.String()))
	}

	nonce, err := l.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeLedgerFailure, err, "查询交易计数失败")
	}
	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      transferGas,
		GasPrice: gasPrice,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(l.chainID), key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeLedgerFailure, err, "签名交易失败")
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return "", xerrors.Wrap(xerrors.CodeLedgerFailure, err, "发送交易失败")
	}
	if l.afterSend != nil {
		l.afterSend()
	}
	return signed.Hash().Hex(), nil
}

type client struct {
	ledger  *Ledger
	key     *ecdsa.PrivateKey
	address common.Address
}

func (c *client) AccountID() string { return c.address.Hex() }

func (c *client) Transfer(ctx context.Context, to string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(to) {
		return "", xerrors.New(ledger.CodeUnknownAccount, fmt.Sprintf("非法地址 %s", to))
	}
	return c.ledger.send(ctx, c.key, common.HexToAddress(to), amount)
}

func (c *client) Close() error { return nil }

// ErrNoChain 表示既没有链配置也没有 RPC 地址。
var ErrNoChain = errors.New("未配置任何链的 RPC 端点")

// Open 按链配置文件或直接给出的 RPC 地址构造账本。
func Open(ctx context.Context, chainConfig, defaultChain, rpcURL, treasuryKey string, decimals int32, opts ...Option) (*Ledger, error) {
	defs, err := LoadChainDefinitions(chainConfig)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "加载链配置失败")
	}
	cfg := Config{Name: "default", RPCURL: rpcURL, TreasuryKey: treasuryKey, Decimals: decimals}
	if len(defs.Chains) > 0 {
		name, chain, err := defs.Select(defaultChain)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "选择链失败")
		}
		cfg.Name = name
		cfg.RPCURL = chain.RPCURL
		if chain.Decimals > 0 {
			cfg.Decimals = chain.Decimals
		}
	}
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, ErrNoChain, "")
	}
	return Dial(ctx, cfg, opts...)
}
