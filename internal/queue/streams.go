package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// Stream 名称
const (
	// 事件接入流：接入层推送的原始事件，至少一次投递
	EventStream = "ALERT_EVENT_STREAM"
	// 告警信号流：builder 产出的 (alert_key, signal)，供动作创建与关联策略消费
	SignalStream = "ALERT_SIGNAL_STREAM"
	// 动作执行流：动作实例推送给通知执行端
	ActionStream = "ACTION_EXECUTE_STREAM"
)

// SignalMessage 告警信号消息
type SignalMessage struct {
	AlertKey string `json:"alert_key"`
	Signal   string `json:"signal"`
	Time     int64  `json:"time"`
}

// SignalBus 告警信号总线（Redis Streams）
type SignalBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewSignalBus 创建信号总线
func NewSignalBus(client *redis.Client, logger *zap.Logger) *SignalBus {
	return &SignalBus{client: client, logger: logger}
}

// Publish 发布一条告警信号
func (b *SignalBus) Publish(ctx context.Context, key models.AlertKey, signal string) error {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: SignalStream,
		Values: map[string]interface{}{
			"alert_key": key.String(),
			"signal":    signal,
			"time":      fmt.Sprintf("%d", time.Now().Unix()),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to publish alert signal: %w", err)
	}
	b.logger.Debug("alert signal published",
		zap.String("alert_key", key.String()),
		zap.String("signal", signal),
		zap.String("stream_id", id))
	return nil
}

// Read 以消费者组方式读取信号，最多阻塞 block 时长
func (b *SignalBus) Read(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]SignalMessage, []string, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{SignalStream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read alert signals: %w", err)
	}

	var messages []SignalMessage
	var ids []string
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			var m SignalMessage
			if v, ok := msg.Values["alert_key"].(string); ok {
				m.AlertKey = v
			}
			if v, ok := msg.Values["signal"].(string); ok {
				m.Signal = v
			}
			messages = append(messages, m)
			ids = append(ids, msg.ID)
		}
	}
	return messages, ids, nil
}

// Ack 确认已处理的消息
func (b *SignalBus) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, SignalStream, group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack alert signals: %w", err)
	}
	return nil
}

// EventBus 事件接入总线（Redis Streams）。消息在处理完成后确认，
// 消费失败的消息留在 pending 列表里等待重投。
type EventBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewEventBus 创建事件总线
func NewEventBus(client *redis.Client, logger *zap.Logger) *EventBus {
	return &EventBus{client: client, logger: logger}
}

// Publish 推送一批事件（接入层与测试使用）
func (b *EventBus) Publish(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := b.client.Pipeline()
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.EventID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: EventStream,
			Values: map[string]interface{}{"data": string(data)},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish events: %w", err)
	}
	return nil
}

// Read 以消费者组方式读取一批事件。无法解析的消息直接确认并丢弃，
// 避免毒丸消息阻塞消费。
func (b *EventBus) Read(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]*models.Event, []string, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{EventStream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read events: %w", err)
	}

	var events []*models.Event
	var ids []string
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["data"].(string)
			if !ok {
				b.logger.Warn("event message without data field dropped", zap.String("stream_id", msg.ID))
				_ = b.client.XAck(ctx, EventStream, group, msg.ID).Err()
				continue
			}
			var event models.Event
			if err := json.Unmarshal([]byte(raw), &event); err != nil {
				b.logger.Warn("undecodable event message dropped",
					zap.String("stream_id", msg.ID), zap.Error(err))
				_ = b.client.XAck(ctx, EventStream, group, msg.ID).Err()
				continue
			}
			events = append(events, &event)
			ids = append(ids, msg.ID)
		}
	}
	return events, ids, nil
}

// Ack 确认已处理的事件
func (b *EventBus) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.client.XAck(ctx, EventStream, group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack events: %w", err)
	}
	return nil
}

// ActionQueue 动作执行队列（Redis Streams）
type ActionQueue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewActionQueue 创建动作队列
func NewActionQueue(client *redis.Client, logger *zap.Logger) *ActionQueue {
	return &ActionQueue{client: client, logger: logger}
}

// Push 将动作实例推入执行队列
func (q *ActionQueue) Push(ctx context.Context, actions []*models.ActionInstance) error {
	if len(actions) == 0 {
		return nil
	}
	pipe := q.client.Pipeline()
	for _, action := range actions {
		data, err := json.Marshal(action)
		if err != nil {
			return fmt.Errorf("failed to marshal action %d: %w", action.ID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: ActionStream,
			Values: map[string]interface{}{
				"action_id":   fmt.Sprintf("%d", action.ID),
				"plugin_type": action.ActionPluginType,
				"data":        string(data),
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push actions to queue: %w", err)
	}
	q.logger.Info("actions pushed to execute queue", zap.Int("count", len(actions)))
	return nil
}

// EnsureGroup 创建消费者组，已存在时忽略
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}
