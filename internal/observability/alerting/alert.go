package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "EgoMarket/internal/errors"
	"EgoMarket/internal/notify"
	"EgoMarket/pkg/logger"
)

// Channel 表示告警渠道。
type Channel string

// 支持的告警渠道
const (
	ChannelLog      Channel = "log"
	ChannelOperator Channel = "operator"
	ChannelRecorder Channel = "recorder"
)

// Event 描述一次需要运维关注的托管异常。
type Event struct {
	Code       xerrors.Code
	Message    string
	Severity   xerrors.Severity
	Channel    Channel
	TaskID     string
	Operation  string
	Stage      string
	TxID       string
	Metadata   map[string]string
	OccurredAt time.Time
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// FromError 依据错误码属性构造告警事件。
func FromError(op, stage, taskID string, err error) Event {
	code := xerrors.CodeOf(err)
	attrs := xerrors.AttributesOf(code)
	event := Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   xerrors.SeverityOf(err),
		TaskID:     taskID,
		Operation:  op,
		Stage:      stage,
		OccurredAt: time.Now(),
	}
	if err != nil {
		event.Message = err.Error()
	}
	if e, ok := xerrors.From(err); ok {
		event.Metadata = e.Metadata()
		if txID, ok := event.Metadata["tx_id"]; ok {
			event.TxID = txID
		}
	}
	return event
}

// LogNotifier 把告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("task_id", event.TaskID),
		slog.String("operation", event.Operation),
		slog.String("stage", event.Stage),
		slog.String("message", event.Message),
	}
	if event.TxID != "" {
		attrs = append(attrs, slog.String("tx_id", event.TxID))
	}
	keys := make([]string, 0, len(event.Metadata))
	for k := range event.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.String("meta_"+k, event.Metadata[k]))
	}
	if event.Severity == xerrors.SeverityCritical {
		logger.Audit().Error("托管告警", attrs...)
		return nil
	}
	logger.Audit().Warn("托管告警", attrs...)
	return nil
}

// OperatorNotifier 通过通知通道把告警推送给值班账号。
type OperatorNotifier struct {
	Notifier  notify.Notifier
	Recipient string
}

// Channel 返回值班渠道。
func (n *OperatorNotifier) Channel() Channel { return ChannelOperator }

// Notify 推送告警。
func (n *OperatorNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Notifier == nil || n.Recipient == "" {
		logger.L().Warn("OperatorNotifier 未正确配置，跳过发送", slog.String("task_id", event.TaskID))
		return nil
	}
	n.Notifier.Notify(ctx, n.Recipient, notify.KindOperatorAlert, map[string]any{
		"code":      string(event.Code),
		"severity":  string(event.Severity),
		"task_id":   event.TaskID,
		"operation": event.Operation,
		"stage":     event.Stage,
		"tx_id":     event.TxID,
		"message":   event.Message,
	})
	return nil
}

// Recorder 在内存中记录告警，供测试与状态查询使用。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Channel 返回记录渠道。
func (r *Recorder) Channel() Channel { return ChannelRecorder }

// Notify 记录事件。
func (r *Recorder) Notify(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events 返回已记录的事件副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
