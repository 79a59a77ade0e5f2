// Package notify delivers user-facing notifications (task funded, bid
// accepted, dispute opened, ...). Delivery is fire-and-forget: callers hand a
// notification to the Dispatcher and never wait for, or fail on, delivery.
package notify

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"EgoMarket/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// Kind 表示通知的业务类型。
type Kind string

const (
	KindTaskFunded           Kind = "task_funded"
	KindBidAccepted          Kind = "bid_accepted"
	KindDeliverableSubmitted Kind = "deliverable_submitted"
	KindRevisionRequested    Kind = "revision_requested"
	KindDisputeOpened        Kind = "dispute_opened"
	KindTaskCompleted        Kind = "task_completed"
	KindTaskRefunded         Kind = "task_refunded"
	KindTaskCancelled        Kind = "task_cancelled"
	KindAgentSuspended       Kind = "agent_suspended"
	KindOperatorAlert        Kind = "operator_alert"
)

// Notification 是投递给单个接收方的一条通知。
type Notification struct {
	ID        string         `json:"id"`
	Recipient string         `json:"recipient"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Notifier 是业务模块依赖的触发接口。
type Notifier interface {
	Notify(ctx context.Context, recipient string, kind Kind, payload map[string]any)
}

// Sink 负责把通知写入具体渠道。
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

// Dispatcher 异步地把通知广播给所有渠道。
type Dispatcher struct {
	sinks []Sink
	clock clock.Clock
	queue chan Notification
	log   *slog.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewDispatcher 创建 Dispatcher，buffer 为排队上限。
func NewDispatcher(clk clock.Clock, buffer int, sinks ...Sink) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if buffer <= 0 {
		buffer = 256
	}
	set := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			set = append(set, s)
		}
	}
	return &Dispatcher{
		sinks: set,
		clock: clk,
		queue: make(chan Notification, buffer),
		log:   logger.Named("notify"),
	}
}

// Notify 实现 Notifier。队列已满时丢弃并记录告警，从不阻塞调用方。
func (d *Dispatcher) Notify(_ context.Context, recipient string, kind Kind, payload map[string]any) {
	if d == nil || recipient == "" {
		return
	}
	n := Notification{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: d.clock.Now().UTC(),
	}
	select {
	case d.queue <- n:
	default:
		d.log.Warn("通知队列已满，丢弃通知", slog.String("recipient", recipient), slog.String("kind", string(kind)))
	}
}

// Run 消费队列直至 ctx 结束，随后尽力投递剩余通知。
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return stdErrors.New("dispatcher already running")
	}
	d.started = true
	d.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			d.drain()
			return ctx.Err()
		case n := <-d.queue:
			d.deliver(ctx, n)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case n := <-d.queue:
			d.deliver(ctx, n)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notification) {
	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
		}
	}
	if len(errs) > 0 {
		d.log.Warn("通知投递失败",
			slog.String("notification_id", n.ID),
			slog.String("recipient", n.Recipient),
			slog.String("kind", string(n.Kind)),
			slog.Any("error", stdErrors.Join(errs...)))
	}
}

// Noop 丢弃所有通知。
type Noop struct{}

// Notify 实现 Notifier。
func (Noop) Notify(context.Context, string, Kind, map[string]any) {}

var (
	_ Notifier = (*Dispatcher)(nil)
	_ Notifier = Noop{}
)
