package notify

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"EgoMarket/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
)

// LogSink 把通知写入审计日志。
type LogSink struct{}

// Name 实现 Sink。
func (LogSink) Name() string { return "log" }

// Deliver 实现 Sink。
func (LogSink) Deliver(_ context.Context, n Notification) error {
	logger.Audit().Info("通知",
		slog.String("notification_id", n.ID),
		slog.String("recipient", n.Recipient),
		slog.String("kind", string(n.Kind)),
		slog.Any("payload", n.Payload))
	return nil
}

// MemorySink 在内存中保存通知，主要用于测试。
type MemorySink struct {
	mu    sync.Mutex
	items []Notification
}

// Name 实现 Sink。
func (m *MemorySink) Name() string { return "memory" }

// Deliver 实现 Sink。
func (m *MemorySink) Deliver(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, n)
	return nil
}

// Items 返回已投递的通知副本。
func (m *MemorySink) Items() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.items...)
}

// RedisConfig 描述 Redis 渠道参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisSink 把通知 LPUSH 到每个接收方的列表中，供前端拉取。
type RedisSink struct {
	client *redis.Client
	prefix string
}

// NewRedisSink 创建 Redis 渠道并检查连通性。
func NewRedisSink(ctx context.Context, cfg RedisConfig) (*RedisSink, error) {
	if cfg.Address == "" {
		return nil, stdErrors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewRedisSinkWithClient(client, cfg.Prefix), nil
}

// NewRedisSinkWithClient 复用已有连接。
func NewRedisSinkWithClient(client *redis.Client, prefix string) *RedisSink {
	if prefix == "" {
		prefix = "egomarket:notify:"
	}
	return &RedisSink{client: client, prefix: prefix}
}

// Name 实现 Sink。
func (s *RedisSink) Name() string { return "redis" }

// Deliver 实现 Sink。
func (s *RedisSink) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := s.client.LPush(ctx, s.prefix+n.Recipient, body).Err(); err != nil {
		return fmt.Errorf("Redis 写入通知失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// RabbitMQConfig 描述 RabbitMQ 渠道参数。
type RabbitMQConfig struct {
	URL      string
	Exchange string
	Queue    string
	Durable  bool
}

// RabbitMQSink 把通知发布到 RabbitMQ，由下游投递服务消费。
type RabbitMQSink struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	queue    string
	mu       sync.Mutex
}

// NewRabbitMQSink 连接 RabbitMQ 并声明队列。
func NewRabbitMQSink(cfg RabbitMQConfig) (*RabbitMQSink, error) {
	if cfg.URL == "" {
		return nil, stdErrors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "egomarket.notifications"
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
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitMQSink{conn: conn, ch: ch, exchange: cfg.Exchange, queue: queue}, nil
}

// Name 实现 Sink。
func (s *RabbitMQSink) Name() string { return "rabbitmq" }

// Deliver 实现 Sink。
func (s *RabbitMQSink) Deliver(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		return stdErrors.New("RabbitMQ 渠道未初始化")
	}
	routingKey := s.queue
	if s.exchange != "" {
		routingKey = string(n.Kind)
	}
	return s.ch.PublishWithContext(ctx, s.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Timestamp:    n.CreatedAt,
		Type:         string(n.Kind),
		Body:         body,
	})
}

// Close 关闭 channel 与连接。
func (s *RabbitMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
		s.ch = nil
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
	}
	return stdErrors.Join(errs...)
}

var (
	_ Sink = LogSink{}
	_ Sink = (*MemorySink)(nil)
	_ Sink = (*RedisSink)(nil)
	_ Sink = (*RabbitMQSink)(nil)
)
