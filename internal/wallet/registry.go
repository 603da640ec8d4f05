package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/ledger"
	"AgentMarket/pkg/logger"
)

// Registry 维护所有者到钱包的映射，并在变更后写回外部存储。
type Registry struct {
	ledger ledger.Ledger
	store  Store
	now    func() time.Time

	mu      sync.RWMutex
	wallets map[string]Wallet
	order   []string
}

// NewRegistry 创建钱包注册表。
func NewRegistry(l ledger.Ledger, store Store) *Registry {
	return &Registry{
		ledger:  l,
		store:   store,
		now:     time.Now,
		wallets: make(map[string]Wallet),
	}
}

// Restore 从外部存储载入快照，返回载入的钱包数量。
func (r *Registry) Restore(ctx context.Context) (int, error) {
	snapshot, err := r.store.Get(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取钱包快照失败")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, w := range snapshot.Wallets {
		if w.OwnerID == "" {
			continue
		}
		if _, ok := r.wallets[w.OwnerID]; !ok {
			r.order = append(r.order, w.OwnerID)
			loaded++
		}
		r.wallets[w.OwnerID] = w
	}
	return loaded, nil
}

// Provision 为所有者开设账本账户并登记钱包。所有者已有钱包时直接返回。
func (r *Registry) Provision(ctx context.Context, w Wallet, initial decimal.Decimal) (Wallet, error) {
	if w.OwnerID == "" {
		return Wallet{}, xerrors.New(xerrors.CodeInvalidArgument, "钱包所有者不能为空")
	}
	if existing, ok := r.Get(w.OwnerID); ok {
		return existing, nil
	}

	account, err := r.ledger.CreateAccount(ctx, initial)
	if err != nil {
		return Wallet{}, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "开设账本账户失败",
			xerrors.WithMetadata("owner_id", w.OwnerID))
	}
	w.AccountID = account.ID
	w.Key = account.Key
	w.KeyType = account.KeyType
	if w.CreatedAt.IsZero() {
		w.CreatedAt = r.now().UTC()
	}

	r.mu.Lock()
	r.wallets[w.OwnerID] = w
	r.order = append(r.order, w.OwnerID)
	r.mu.Unlock()

	logger.Audit().Info("钱包已开设",
		slog.String("owner_id", w.OwnerID),
		slog.String("kind", string(w.Kind)),
		slog.String("account", w.AccountID),
		slog.String("initial", initial.String()))

	if err := r.Persist(ctx); err != nil {
		return w, err
	}
	return w, nil
}

// Get 返回所有者的钱包。
func (r *Registry) Get(ownerID string) (Wallet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.wallets[ownerID]
	return w, ok
}

// ByAccount 按账本账户查找钱包。
func (r *Registry) ByAccount(accountID string) (Wallet, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.wallets {
		if w.AccountID == accountID {
			return w, true
		}
	}
	return Wallet{}, false
}

// List 按登记顺序返回指定类型的钱包。
func (r *Registry) List(kind Kind) []Wallet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Wallet, 0, len(r.order))
	for _, id := range r.order {
		if w := r.wallets[id]; w.Kind == kind {
			out = append(out, w)
		}
	}
	return out
}

// Len 返回指定类型的钱包数量。
func (r *Registry) Len(kind Kind) int {
	return len(r.List(kind))
}

// Persist 把当前全部钱包写回外部存储。
func (r *Registry) Persist(ctx context.Context) error {
	r.mu.RLock()
	snapshot := Snapshot{Wallets: make([]Wallet, 0, len(r.order)), UpdatedAt: r.now().UTC()}
	for _, id := range r.order {
		snapshot.Wallets = append(snapshot.Wallets, r.wallets[id])
	}
	r.mu.RUnlock()

	if err := r.store.Persist(ctx, snapshot); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err,
			fmt.Sprintf("持久化 %d 个钱包失败", len(snapshot.Wallets)))
	}
	return nil
}

// Close 关闭外部存储。
func (r *Registry) Close() error {
	return r.store.Close()
}
