package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// QoSLimiter 滑动窗口流控：按 (strategy_id, signal, severity, alert_md5) 计数。
// 计数器原子性由 Redis 单命令保证，瞬时超计数可接受。
type QoSLimiter struct {
	client    *redis.Client
	logger    *zap.Logger
	prefix    string
	threshold int64
	window    time.Duration
}

// NewBuildQoS 新建告警流控
func NewBuildQoS(client *redis.Client, threshold, windowSeconds int64, logger *zap.Logger) *QoSLimiter {
	return newQoSLimiter(client, buildQoSPrefix, threshold, windowSeconds, logger)
}

// NewCompositeQoS 升级通知流控（独立命名空间）
func NewCompositeQoS(client *redis.Client, threshold, windowSeconds int64, logger *zap.Logger) *QoSLimiter {
	return newQoSLimiter(client, compositeQoSPrefix, threshold, windowSeconds, logger)
}

func newQoSLimiter(client *redis.Client, prefix string, threshold, windowSeconds int64, logger *zap.Logger) *QoSLimiter {
	return &QoSLimiter{
		client:    client,
		logger:    logger,
		prefix:    prefix,
		threshold: threshold,
		window:    time.Duration(windowSeconds) * time.Second,
	}
}

// Enabled 阈值为 0 表示流控关闭
func (q *QoSLimiter) Enabled() bool {
	return q.threshold > 0
}

// Check 流控判断。increment 为 true 时计数加一（仅在新告警创建时传入）。
// 返回（是否超限, 当前计数）。
func (q *QoSLimiter) Check(ctx context.Context, alert *models.Alert, signal string, increment bool) (bool, int64, error) {
	if !q.Enabled() {
		return false, 0, nil
	}

	// 第三方告警（无策略）以指纹区分来源
	alertMD5 := ""
	if alert.StrategyID == 0 {
		alertMD5 = alert.DedupeMD5
	}
	key := qosKey(q.prefix, alert.StrategyID, signal, alert.Severity, alertMD5)

	var count int64
	if increment {
		ok, err := q.client.SetNX(ctx, key, 1, q.window).Result()
		if err != nil {
			return false, 0, fmt.Errorf("failed to init qos counter: %w", err)
		}
		if ok {
			count = 1
		} else {
			count, err = q.client.Incr(ctx, key).Result()
			if err != nil {
				return false, 0, fmt.Errorf("failed to incr qos counter: %w", err)
			}
			// 键在 SETNX 与 INCR 之间过期时补上 TTL
			if ttl, err := q.client.TTL(ctx, key).Result(); err == nil && ttl < 0 {
				q.client.Expire(ctx, key, q.window)
			}
		}
	} else {
		val, err := q.client.Get(ctx, key).Int64()
		if err != nil && err != redis.Nil {
			return false, 0, fmt.Errorf("failed to read qos counter: %w", err)
		}
		count = val
	}

	blocked := count > q.threshold
	if blocked {
		q.logger.Info("alert blocked by qos",
			zap.Int64("strategy_id", alert.StrategyID),
			zap.String("signal", signal),
			zap.Int("severity", alert.Severity),
			zap.Int64("count", count))
	}
	return blocked, count, nil
}

// Describe 生成流控状态变化的日志描述
func (q *QoSLimiter) Describe(blocked bool, count int64) string {
	if blocked {
		return fmt.Sprintf("告警量突增触发流控，当前窗口计数 %d 超过阈值 %d，暂缓通知", count, q.threshold)
	}
	return fmt.Sprintf("告警量回落至阈值 %d 以内，流控解除", q.threshold)
}
