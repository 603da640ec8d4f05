package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"AgentMarket/pkg/logger"
)

// 事件名称。
const (
	AgentJoined         = "agent.joined"
	AgentMessage        = "agent.message"
	AgentAction         = "agent.action"
	AgentActionFailed   = "agent.action_failed"
	AgentReputation     = "agent.reputation"
	MarketCreated       = "market.created"
	MarketBetPlaced     = "market.bet_placed"
	MarketOrderPlaced   = "market.order_published"
	MarketResolved      = "market.resolved"
	MarketSelfAttested  = "market.self_attested"
	MarketChallenged    = "market.challenged"
	MarketVoteSubmitted = "market.vote_submitted"
	MarketFinalized     = "market.finalized"
	MarketPayout        = "market.payout"
	MarketPayoutFailed  = "market.payout_failed"
	HostedChanged       = "hosted.changed"
	EngineTickCompleted = "engine.tick_completed"
	EngineTickFailed    = "engine.tick_failed"
)

// Payload 是事件的详细内容。
type Payload map[string]any

// Event 是总线上传递的一条事件。Source 标识发布该事件的总线实例。
type Event struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Source     string    `json:"source"`
	Payload    Payload   `json:"payload,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// String 返回 payload 中的字符串字段。
func (e Event) String(key string) string {
	if e.Payload == nil {
		return ""
	}
	switch v := e.Payload[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Handler 处理一条事件。
type Handler func(ctx context.Context, event Event)

// Publisher 发布事件，不返回错误。
type Publisher interface {
	Publish(ctx context.Context, name string, payload Payload)
}

// Subscriber 在 ctx 结束前持续把事件交给 handler。
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) error
}

// Transport 是事件的外部投递通道。
type Transport interface {
	Name() string
	Send(ctx context.Context, event Event) error
	Close() error
}

// Bus 将事件广播到本地订阅者与所有外部传输。
type Bus struct {
	id         string
	transports []Transport
	now        func() time.Time

	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// BusOption 定义 Bus 的可选配置。
type BusOption func(*Bus)

// WithTransports 追加外部传输。
func WithTransports(transports ...Transport) BusOption {
	return func(b *Bus) {
		for _, t := range transports {
			if t != nil {
				b.transports = append(b.transports, t)
			}
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus 创建事件总线。
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		id:   uuid.NewString(),
		now:  time.Now,
		subs: make(map[int]chan Event),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// ID 返回总线实例标识，外部订阅者据此忽略本进程发出的事件。
func (b *Bus) ID() string { return b.id }

// Publish 构造事件并广播。外部传输失败只记录日志。
func (b *Bus) Publish(ctx context.Context, name string, payload Payload) {
	if b == nil {
		return
	}
	event := Event{
		ID:         uuid.NewString(),
		Name:       name,
		Source:     b.id,
		Payload:    payload,
		OccurredAt: b.now(),
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			logger.L().Warn("本地订阅者积压，丢弃事件", slog.String("event", name))
		}
	}
	b.mu.RUnlock()

	if err := b.fanout(ctx, event); err != nil {
		logger.L().Warn("事件投递失败", slog.String("event", name), slog.Any("error", err))
	}
}

func (b *Bus) fanout(ctx context.Context, event Event) error {
	var errs []error
	for _, t := range b.transports {
		if err := t.Send(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("transport %s: %w", t.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Subscribe 注册本地订阅者，阻塞直到 ctx 结束或总线关闭。
func (b *Bus) Subscribe(ctx context.Context, handler Handler) error {
	ch := make(chan Event, 64)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			handler(ctx, event)
		}
	}
}

// Close 关闭所有本地订阅与外部传输。
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()

	var errs []error
	for _, t := range b.transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport %s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

var (
	_ Publisher  = (*Bus)(nil)
	_ Subscriber = (*Bus)(nil)
)
