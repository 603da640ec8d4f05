package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"AgentMarket/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 传输的连接参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Durable  bool
}

// RabbitMQTransport 通过 fanout exchange 广播事件。
type RabbitMQTransport struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbitMQTransport 创建 RabbitMQ 传输并声明 exchange。
func NewRabbitMQTransport(cfg RabbitMQConfig) (*RabbitMQTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agentmarket.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	return &RabbitMQTransport{conn: conn, ch: ch, exchange: exchange}, nil
}

// Name 返回传输名称。
func (t *RabbitMQTransport) Name() string { return "rabbitmq" }

// Send 将事件发布到 exchange。
func (t *RabbitMQTransport) Send(ctx context.Context, event Event) error {
	if t == nil || t.ch == nil {
		return errors.New("RabbitMQ 传输未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	return t.ch.PublishWithContext(ctx, t.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   event.ID,
		Type:        event.Name,
		Timestamp:   event.OccurredAt,
		Body:        body,
	})
}

// Subscribe 声明一个独占的临时队列绑定到 exchange，并持续消费。
func (t *RabbitMQTransport) Subscribe(ctx context.Context, handler Handler) error {
	if t == nil || t.conn == nil {
		return errors.New("RabbitMQ 传输未初始化")
	}
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	defer ch.Close()

	queue, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	if err := ch.QueueBind(queue.Name, "", t.exchange, false, nil); err != nil {
		return fmt.Errorf("绑定 RabbitMQ 队列失败: %w", err)
	}
	msgs, err := ch.Consume(queue.Name, "", false, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("订阅 RabbitMQ 队列失败: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal(msg.Body, &event); err != nil {
				logger.L().Warn("忽略无法解析的 RabbitMQ 事件", slog.Any("error", err))
				_ = msg.Ack(false)
				continue
			}
			handler(ctx, event)
			_ = msg.Ack(false)
		}
	}
}

// Close 关闭 RabbitMQ 连接。
func (t *RabbitMQTransport) Close() error {
	if t == nil {
		return nil
	}
	if t.ch != nil {
		_ = t.ch.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}

var (
	_ Transport  = (*RabbitMQTransport)(nil)
	_ Subscriber = (*RabbitMQTransport)(nil)
)
