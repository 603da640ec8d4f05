package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MemoryStore 在内存中保存快照；配置了数据目录时同时写入 wallets.json，重启后可以恢复。
type MemoryStore struct {
	mu       sync.RWMutex
	dataFile string
	snapshot Snapshot
}

// NewMemoryStore 创建钱包存储，dataDir 为空时只保存在内存中。
func NewMemoryStore(dataDir string) (*MemoryStore, error) {
	s := &MemoryStore{}
	if dataDir == "" {
		return s, nil
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("创建钱包数据目录失败: %w", err)
	}
	s.dataFile = filepath.Join(dataDir, "wallets.json")
	if err := s.loadFromDisk(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryStore) loadFromDisk() error {
	content, err := os.ReadFile(s.dataFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("读取钱包文件失败: %w", err)
	}
	if len(content) == 0 {
		return nil
	}
	if err := json.Unmarshal(content, &s.snapshot); err != nil {
		return fmt.Errorf("解析钱包文件失败: %w", err)
	}
	return nil
}

// Get 返回最近一次持久化的快照。
func (s *MemoryStore) Get(_ context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snapshot
	out.Wallets = append([]Wallet(nil), s.snapshot.Wallets...)
	return out, nil
}

// Persist 覆盖保存快照，写文件时先写临时文件再原子替换。
func (s *MemoryStore) Persist(_ context.Context, snapshot Snapshot) error {
	snapshot.Wallets = append([]Wallet(nil), snapshot.Wallets...)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dataFile != "" {
		encoded, err := json.MarshalIndent(snapshot, "", "  ")
		if err != nil {
			return fmt.Errorf("序列化钱包快照失败: %w", err)
		}
		tmp := s.dataFile + ".tmp"
		if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
			return fmt.Errorf("写入钱包文件失败: %w", err)
		}
		if err := os.Rename(tmp, s.dataFile); err != nil {
			return fmt.Errorf("替换钱包文件失败: %w", err)
		}
	}
	s.snapshot = snapshot
	return nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
