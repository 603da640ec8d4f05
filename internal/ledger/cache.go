package ledger

import (
	"context"
	"errors"
	"sync"
)

// ClientCache 按 (账户, 签名材料) 缓存账本客户端，关闭时统一释放。
type ClientCache struct {
	ledger Ledger

	mu      sync.Mutex
	clients map[string]Client
	closed  bool
}

// NewClientCache 创建客户端缓存。
func NewClientCache(l Ledger) *ClientCache {
	return &ClientCache{ledger: l, clients: make(map[string]Client)}
}

// ErrCacheClosed 表示缓存已经关闭。
var ErrCacheClosed = errors.New("ledger client cache closed")

// Client 返回账户对应的客户端，不存在时通过账本建立。
func (c *ClientCache) Client(ctx context.Context, account Account) (Client, error) {
	key := account.ID + "|" + account.Key

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	if client, ok := c.clients[key]; ok {
		return client, nil
	}
	client, err := c.ledger.Dial(ctx, account)
	if err != nil {
		return nil, err
	}
	c.clients[key] = client
	return client, nil
}

// Len 返回当前缓存的客户端数量。
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Close 关闭所有缓存的客户端，之后的 Client 调用返回 ErrCacheClosed。
func (c *ClientCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for key, client := range c.clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.clients, key)
	}
	return errors.Join(errs...)
}
