package migrations

import "embed"

// Files 暴露钱包存储使用的全部 SQL 迁移文件，按文件名前缀的版本号顺序执行。
//
//go:embed *.sql
var Files embed.FS
