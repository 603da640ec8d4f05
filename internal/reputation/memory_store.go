package reputation

import (
	"context"
	"sync"
)

// MemoryStore 把证明保存在内存中。
type MemoryStore struct {
	mu   sync.RWMutex
	atts []Attestation
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append 追加证明。
func (s *MemoryStore) Append(_ context.Context, att Attestation) error {
	att.Tags = append([]string(nil), att.Tags...)
	s.mu.Lock()
	s.atts = append(s.atts, att)
	s.mu.Unlock()
	return nil
}

// List 返回证明副本。
func (s *MemoryStore) List(_ context.Context) ([]Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Attestation, len(s.atts))
	copy(out, s.atts)
	return out, nil
}

// Close 实现 Store 接口。
func (s *MemoryStore) Close() error { return nil }
