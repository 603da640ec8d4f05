package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 钱包存储。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisStore 把整个快照序列化后保存在一个键中。
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore 创建 Redis 钱包存储。
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis 地址不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "agentmarket:wallets"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client, key: key}, nil
}

// Ping 检查连接可用性。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get 读取快照，键不存在时返回空快照。
func (s *RedisStore) Get(ctx context.Context) (Snapshot, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("读取 Redis 钱包快照失败: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("解析 Redis 钱包快照失败: %w", err)
	}
	return snapshot, nil
}

// Persist 覆盖写入快照。
func (s *RedisStore) Persist(ctx context.Context, snapshot Snapshot) error {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("序列化钱包快照失败: %w", err)
	}
	if err := s.client.Set(ctx, s.key, encoded, 0).Err(); err != nil {
		return fmt.Errorf("写入 Redis 钱包快照失败: %w", err)
	}
	return nil
}

// Close 关闭连接。
func (s *RedisStore) Close() error {
	return s.client.Close()
}
