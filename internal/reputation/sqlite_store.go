package reputation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS reputation_attestations (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    subject TEXT NOT NULL,
    attester TEXT NOT NULL,
    delta REAL NOT NULL,
    confidence REAL NOT NULL,
    reason TEXT NOT NULL,
    tags TEXT NOT NULL,
    market_id TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reputation_subject ON reputation_attestations(subject);
`

// SQLiteStore 把证明追加写入 SQLite 文件。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开（必要时创建）SQLite 数据库并初始化表结构。
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("创建信誉数据目录失败: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开 SQLite 失败: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化信誉表失败: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append 插入一条证明。
func (s *SQLiteStore) Append(ctx context.Context, att Attestation) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO reputation_attestations
        (id, subject, attester, delta, confidence, reason, tags, market_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ID, att.Subject, att.Attester, att.Delta, att.Confidence, att.Reason,
		strings.Join(att.Tags, ","), att.MarketID, att.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("写入信誉证明失败: %w", err)
	}
	return nil
}

// List 按写入顺序返回全部证明。
func (s *SQLiteStore) List(ctx context.Context) ([]Attestation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, subject, attester, delta, confidence, reason, tags, market_id, created_at
        FROM reputation_attestations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("查询信誉证明失败: %w", err)
	}
	defer rows.Close()

	var out []Attestation
	for rows.Next() {
		var (
			att     Attestation
			tags    string
			created int64
		)
		if err := rows.Scan(&att.ID, &att.Subject, &att.Attester, &att.Delta, &att.Confidence,
			&att.Reason, &tags, &att.MarketID, &created); err != nil {
			return nil, fmt.Errorf("解析信誉证明失败: %w", err)
		}
		if tags != "" {
			att.Tags = strings.Split(tags, ",")
		}
		att.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, att)
	}
	return out, rows.Err()
}

// Close 关闭数据库。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
