package wallet

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

const upsertWalletSQL = `INSERT INTO agent_wallets
        (owner_id, kind, name, strategy, account_id, account_key, key_type, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE kind = VALUES(kind), name = VALUES(name), strategy = VALUES(strategy),
        account_id = VALUES(account_id), account_key = VALUES(account_key), key_type = VALUES(key_type)`

const selectWalletsSQL = `SELECT owner_id, kind, name, strategy, account_id, account_key, key_type, created_at
        FROM agent_wallets ORDER BY created_at, owner_id`

// MySQLStore 把钱包保存在 MySQL 的 agent_wallets 表中，每个所有者一行。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 连接数据库并执行尚未应用的迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := NewMySQLStoreWithDB(db)
	if err := store.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewMySQLStoreWithDB 使用已有连接构造存储。
func NewMySQLStoreWithDB(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	return db, nil
}

// EnsureSchema 执行 deploy/migrations 中尚未应用的迁移，并确认钱包表可读。
func (s *MySQLStore) EnsureSchema(ctx context.Context) error {
	_, err := s.migrateWallets(ctx)
	return err
}

// Get 读取全部钱包。
func (s *MySQLStore) Get(ctx context.Context) (Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, selectWalletsSQL)
	if err != nil {
		return Snapshot{}, fmt.Errorf("查询钱包失败: %w", err)
	}
	defer rows.Close()

	var snapshot Snapshot
	for rows.Next() {
		var (
			w       Wallet
			kind    string
			created int64
		)
		if err := rows.Scan(&w.OwnerID, &kind, &w.Name, &w.Strategy, &w.AccountID, &w.Key, &w.KeyType, &created); err != nil {
			return Snapshot{}, fmt.Errorf("解析钱包失败: %w", err)
		}
		w.Kind = Kind(kind)
		w.CreatedAt = time.UnixMilli(created).UTC()
		snapshot.Wallets = append(snapshot.Wallets, w)
		if w.CreatedAt.After(snapshot.UpdatedAt) {
			snapshot.UpdatedAt = w.CreatedAt
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("遍历钱包失败: %w", err)
	}
	return snapshot, nil
}

// Persist 在一个事务内写入快照中的全部钱包。
func (s *MySQLStore) Persist(ctx context.Context, snapshot Snapshot) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, w := range snapshot.Wallets {
		if _, err = tx.ExecContext(ctx, upsertWalletSQL,
			w.OwnerID, string(w.Kind), w.Name, w.Strategy, w.AccountID, w.Key, w.KeyType, w.CreatedAt.UnixMilli()); err != nil {
			return fmt.Errorf("写入钱包 %s 失败: %w", w.OwnerID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交钱包事务失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
