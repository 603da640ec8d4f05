package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"AgentMarket/pkg/logger"
)

// RedisConfig 描述 Redis Pub/Sub 传输的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Channel  string
}

// RedisTransport 通过 Redis PUBLISH/SUBSCRIBE 投递事件。
type RedisTransport struct {
	client  redis.UniversalClient
	channel string
}

// NewRedisTransport 创建 Redis 传输并检查连通性。
func NewRedisTransport(ctx context.Context, cfg RedisConfig) (*RedisTransport, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisTransportWithClient(client, cfg.Channel), nil
}

// NewRedisTransportWithClient 使用已有客户端创建传输。
func NewRedisTransportWithClient(client redis.UniversalClient, channel string) *RedisTransport {
	if channel == "" {
		channel = "agentmarket.events"
	}
	return &RedisTransport{client: client, channel: channel}
}

// Name 返回传输名称。
func (t *RedisTransport) Name() string { return "redis" }

// Send 将事件序列化后发布到频道。
func (t *RedisTransport) Send(ctx context.Context, event Event) error {
	if t == nil || t.client == nil {
		return errors.New("Redis 传输未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	return t.client.Publish(ctx, t.channel, body).Err()
}

// Subscribe 订阅频道并把事件交给 handler，直到 ctx 结束。
func (t *RedisTransport) Subscribe(ctx context.Context, handler Handler) error {
	if t == nil || t.client == nil {
		return errors.New("Redis 传输未初始化")
	}
	sub := t.client.Subscribe(ctx, t.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("订阅 Redis 频道失败: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.L().Warn("忽略无法解析的 Redis 事件", slog.Any("error", err))
				continue
			}
			handler(ctx, event)
		}
	}
}

// Close 关闭 Redis 客户端。
func (t *RedisTransport) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}

var (
	_ Transport  = (*RedisTransport)(nil)
	_ Subscriber = (*RedisTransport)(nil)
)
