package wallet

import (
	"context"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"AgentMarket/deploy/migrations"
	xerrors "AgentMarket/internal/errors"
	"AgentMarket/pkg/logger"
)

var embeddedMigrations fs.FS = migrations.Files

const (
	walletMigrationsTable = "agent_wallet_migrations"

	walletMigrationsDDL = `CREATE TABLE IF NOT EXISTS agent_wallet_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(128) NOT NULL,
        applied_at BIGINT NOT NULL
)`

	countWalletsSQL = `SELECT COUNT(*) FROM agent_wallets`
)

type migrationFile struct {
	version    string
	name       string
	statements []string
}

// schemaPlan 是一次迁移检查的结果。
type schemaPlan struct {
	pending []migrationFile
	// unknown 是库中已记录、但当前二进制不认识的版本，说明库结构比程序新。
	unknown []string
}

func planMigrations(files []migrationFile, applied map[string]bool) schemaPlan {
	var plan schemaPlan
	known := make(map[string]bool, len(files))
	for _, f := range files {
		known[f.version] = true
		if !applied[f.version] {
			plan.pending = append(plan.pending, f)
		}
	}
	for v := range applied {
		if !known[v] {
			plan.unknown = append(plan.unknown, v)
		}
	}
	sort.Strings(plan.unknown)
	return plan
}

// migrateWallets 应用钱包表的待执行迁移，并确认 agent_wallets 可读。返回表中已有的钱包数。
func (s *MySQLStore) migrateWallets(ctx context.Context) (int, error) {
	log := logger.Named("wallet")
	if _, err := s.db.ExecContext(ctx, walletMigrationsDDL); err != nil {
		return 0, storageErr(err, "创建钱包迁移记录表失败")
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return 0, err
	}
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		return 0, err
	}

	plan := planMigrations(files, applied)
	if len(plan.unknown) > 0 {
		log.Warn("钱包表存在未知迁移版本，数据库可能由更新的版本写入", slog.Any("versions", plan.unknown))
	}
	for _, m := range plan.pending {
		if err := s.applyMigration(ctx, m); err != nil {
			return 0, err
		}
		logger.Audit().Info("钱包表迁移已应用", slog.String("version", m.version), slog.String("name", m.name))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, countWalletsSQL).Scan(&count); err != nil {
		return 0, storageErr(err, "钱包表不可用")
	}
	log.Info("钱包表就绪", slog.Int("wallets", count), slog.Int("applied", len(plan.pending)))
	return count, nil
}

func (s *MySQLStore) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM `+walletMigrationsTable)
	if err != nil {
		return nil, storageErr(err, "查询钱包迁移记录失败")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, storageErr(err, "解析钱包迁移记录失败")
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err, "遍历钱包迁移记录失败")
	}
	return applied, nil
}

// applyMigration 在单个事务中执行迁移并登记版本。
func (s *MySQLStore) applyMigration(ctx context.Context, m migrationFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "开启迁移事务失败")
	}
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return storageErr(err, "执行迁移失败", xerrors.WithMetadata("migration", m.name))
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+walletMigrationsTable+` (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UTC().Unix()); err != nil {
		_ = tx.Rollback()
		return storageErr(err, "登记迁移版本失败", xerrors.WithMetadata("migration", m.name))
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err, "提交迁移事务失败", xerrors.WithMetadata("migration", m.name))
	}
	return nil
}

func storageErr(err error, msg string, opts ...xerrors.Option) error {
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, msg, opts...)
}

// loadMigrationFiles 读取 .sql 迁移，按文件名前缀版本排序。-- 开头的注释行被忽略。
func loadMigrationFiles(fsys fs.FS) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, storageErr(err, "读取迁移目录失败")
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, storageErr(err, "读取迁移文件失败", xerrors.WithMetadata("migration", entry.Name()))
		}
		if stmts := splitStatements(string(content)); len(stmts) > 0 {
			files = append(files, migrationFile{
				version:    versionOf(entry.Name()),
				name:       entry.Name(),
				statements: stmts,
			})
		}
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

func splitStatements(content string) []string {
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(body.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// versionOf 取文件名中第一个下划线或点之前的部分。
func versionOf(name string) string {
	if idx := strings.IndexAny(name, "_."); idx > 0 {
		return name[:idx]
	}
	return name
}
