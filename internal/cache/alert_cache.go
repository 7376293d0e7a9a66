package cache

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

// DocumentStore 文档存储读取接口，由 repository 层实现。
// 快照缓存未命中时回源。
type DocumentStore interface {
	GetAlertsByIDs(ctx context.Context, ids []string) ([]*models.Alert, error)
}

// AlertCache 告警热缓存：去重缓存 + 快照缓存 + 延迟流转索引
type AlertCache struct {
	client      *redis.Client
	docs        DocumentStore
	logger      *zap.Logger
	dedupeTTL   time.Duration
	snapshotTTL time.Duration
}

// NewAlertCache 创建告警缓存，TTL 单位秒
func NewAlertCache(client *redis.Client, docs DocumentStore, dedupeTTL, snapshotTTL int64, logger *zap.Logger) *AlertCache {
	return &AlertCache{
		client:      client,
		docs:        docs,
		logger:      logger,
		dedupeTTL:   time.Duration(dedupeTTL) * time.Second,
		snapshotTTL: time.Duration(snapshotTTL) * time.Second,
	}
}

// GetByFingerprint 按指纹查找当前存活告警，未命中返回 (nil, nil)
func (c *AlertCache) GetByFingerprint(ctx context.Context, strategyID int64, dedupeMD5 string) (*models.Alert, error) {
	val, err := c.client.Get(ctx, dedupeKey(strategyID, dedupeMD5)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get dedupe cache: %w", err)
	}

	var alert models.Alert
	if err := json.Unmarshal([]byte(val), &alert); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert snapshot: %w", err)
	}
	return &alert, nil
}

// GetByID 按告警键查找：先查快照缓存，未命中回源文档存储
func (c *AlertCache) GetByID(ctx context.Context, key models.AlertKey) (*models.Alert, error) {
	val, err := c.client.Get(ctx, snapshotKey(key.StrategyID, key.ID)).Result()
	if err == nil {
		var alert models.Alert
		if uerr := json.Unmarshal([]byte(val), &alert); uerr == nil {
			return &alert, nil
		}
		c.logger.Warn("corrupt alert snapshot, falling back to document store",
			zap.String("alert_id", key.ID))
	} else if err != redis.Nil {
		c.logger.Warn("snapshot cache read failed, falling back to document store",
			zap.String("alert_id", key.ID), zap.Error(err))
	}

	alerts, err := c.docs.GetAlertsByIDs(ctx, []string{key.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to get alert from document store: %w", err)
	}
	if len(alerts) == 0 {
		return nil, nil
	}
	return alerts[0], nil
}

// MGetByIDs 批量查找告警：pipeline 查快照缓存，缺失的一次性回源文档存储。
// 结果按输入顺序返回，查不到的键被跳过。
func (c *AlertCache) MGetByIDs(ctx context.Context, keys []models.AlertKey) ([]*models.Alert, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	found := make(map[string]*models.Alert, len(keys))
	cmds := make([]*redis.StringCmd, len(keys))
	pipe := c.client.Pipeline()
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, snapshotKey(key.StrategyID, key.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		c.logger.Warn("snapshot cache mget failed, falling back to document store", zap.Error(err))
	}

	var missing []string
	for i, key := range keys {
		val, err := cmds[i].Result()
		if err != nil {
			missing = append(missing, key.ID)
			continue
		}
		var alert models.Alert
		if uerr := json.Unmarshal([]byte(val), &alert); uerr != nil {
			missing = append(missing, key.ID)
			continue
		}
		found[key.ID] = &alert
	}

	if len(missing) > 0 {
		alerts, err := c.docs.GetAlertsByIDs(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("failed to mget alerts from document store: %w", err)
		}
		for _, a := range alerts {
			found[a.ID] = a
		}
	}

	result := make([]*models.Alert, 0, len(keys))
	for _, key := range keys {
		if a, ok := found[key.ID]; ok {
			result = append(result, a)
		}
	}
	return result, nil
}

// SaveToCache 批量写入去重缓存并维护延迟流转索引。
// 同一指纹出现多个告警时 create_time 最大者胜出。
// 返回（存活更新数, 已结束数）。
func (c *AlertCache) SaveToCache(ctx context.Context, alerts []*models.Alert) (int, int, error) {
	if len(alerts) == 0 {
		return 0, 0, nil
	}

	// 同指纹竞争：保留 create_time 最大的
	winners := make(map[string]*models.Alert, len(alerts))
	for _, alert := range alerts {
		key := dedupeKey(alert.StrategyID, alert.DedupeMD5)
		if cur, ok := winners[key]; ok && cur.CreateTime >= alert.CreateTime {
			continue
		}
		winners[key] = alert
	}

	updated, finished := 0, 0
	pipe := c.client.Pipeline()
	for key, alert := range winners {
		data, err := json.Marshal(alert)
		if err != nil {
			return updated, finished, fmt.Errorf("failed to marshal alert %s: %w", alert.ID, err)
		}
		// 已结束的告警保留缓存条目：TTL 内的重复事件据此识别为旧告警并丢弃
		pipe.Set(ctx, key, data, c.dedupeTTL)
		if alert.EndTime > 0 {
			finished++
		} else {
			updated++
		}

		member := alert.Key().String()
		if alert.NextStatus != "" && !models.IsTerminalStatus(alert.Status) {
			pipe.ZAdd(ctx, nextStatusIndexKey, &redis.Z{
				Score:  float64(alert.NextStatusTime),
				Member: member,
			})
		} else {
			pipe.ZRem(ctx, nextStatusIndexKey, member)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return updated, finished, fmt.Errorf("failed to save alerts to dedupe cache: %w", err)
	}
	return updated, finished, nil
}

// SaveSnapshot 批量写入快照缓存
func (c *AlertCache) SaveSnapshot(ctx context.Context, alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for _, alert := range alerts {
		data, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("failed to marshal alert %s: %w", alert.ID, err)
		}
		pipe.Set(ctx, snapshotKey(alert.StrategyID, alert.ID), data, c.snapshotTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save alert snapshots: %w", err)
	}
	return nil
}

// PushPendingDrop 暂存命中已结束告警被丢弃的事件日志，
// 等同指纹下一个新建告警认领
func (c *AlertCache) PushPendingDrop(ctx context.Context, strategyID int64, dedupeMD5 string, log models.AlertLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to marshal drop log: %w", err)
	}
	key := pendingDropKey(strategyID, dedupeMD5)
	pipe := c.client.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, c.dedupeTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push pending drop log: %w", err)
	}
	return nil
}

// PopPendingDrops 取回并清空指纹下暂存的丢弃日志
func (c *AlertCache) PopPendingDrops(ctx context.Context, strategyID int64, dedupeMD5 string) ([]models.AlertLog, error) {
	key := pendingDropKey(strategyID, dedupeMD5)
	vals, err := c.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending drop logs: %w", err)
	}
	if len(vals) == 0 {
		return nil, nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("failed to clear pending drop logs", zap.String("key", key), zap.Error(err))
	}

	logs := make([]models.AlertLog, 0, len(vals))
	for _, v := range vals {
		var log models.AlertLog
		if uerr := json.Unmarshal([]byte(v), &log); uerr != nil {
			c.logger.Warn("corrupt pending drop log skipped", zap.String("key", key))
			continue
		}
		logs = append(logs, log)
	}
	return logs, nil
}

// NextStatusDue 读取延迟流转索引中到期（next_status_time <= now）的告警键
func (c *AlertCache) NextStatusDue(ctx context.Context, now int64) ([]models.AlertKey, error) {
	members, err := c.client.ZRangeByScore(ctx, nextStatusIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan next status index: %w", err)
	}

	keys := make([]models.AlertKey, 0, len(members))
	for _, m := range members {
		key, err := models.ParseAlertKey(m)
		if err != nil {
			c.logger.Warn("invalid member in next status index", zap.String("member", m))
			c.client.ZRem(ctx, nextStatusIndexKey, m)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// RemoveNextStatus 将告警键移出延迟流转索引
func (c *AlertCache) RemoveNextStatus(ctx context.Context, key models.AlertKey) error {
	if err := c.client.ZRem(ctx, nextStatusIndexKey, key.String()).Err(); err != nil {
		return fmt.Errorf("failed to remove from next status index: %w", err)
	}
	return nil
}

// SweepExpired 将 end_time 早于 before 的已结束告警移出去重缓存，
// 返回清理条数。通过扫描键空间实现，仅由保留期巡检低频调用。
func (c *AlertCache) SweepExpired(ctx context.Context, before int64) (int, error) {
	pattern := dedupeKeyPrefix + ":*"
	removed := 0

	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if !strings.HasPrefix(key, dedupeKeyPrefix+":") {
			continue
		}
		val, err := c.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var alert models.Alert
		if err := json.Unmarshal([]byte(val), &alert); err != nil {
			continue
		}
		if alert.EndTime > 0 && alert.EndTime < before {
			if err := c.client.Del(ctx, key).Err(); err != nil {
				c.logger.Warn("failed to delete expired dedupe entry",
					zap.String("key", key), zap.Error(err))
				continue
			}
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan dedupe cache: %w", err)
	}
	return removed, nil
}
