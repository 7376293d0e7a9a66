package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// 配置缓存键
const (
	strategyKeyPrefix     = "STRATEGY_SNAPSHOT"
	actionConfigKeyPrefix = "ACTION_CONFIG"
	userGroupKeyPrefix    = "USER_GROUP"
	dutyRuleKeyPrefix     = "DUTY_RULE"
)

// StrategyProvider 策略配置来源（由策略管理模块提供）
type StrategyProvider func(ctx context.Context, strategyID int64) (*models.Strategy, error)

// ActionConfigProvider 动作配置来源
type ActionConfigProvider func(ctx context.Context, configID int64) (*models.ActionConfig, error)

// StrategyCache 策略配置读穿缓存
type StrategyCache struct {
	client   *redis.Client
	provider StrategyProvider
	logger   *zap.Logger
	ttl      time.Duration
}

// NewStrategyCache 创建策略缓存，TTL 单位秒
func NewStrategyCache(client *redis.Client, provider StrategyProvider, ttlSeconds int64, logger *zap.Logger) *StrategyCache {
	return &StrategyCache{
		client:   client,
		provider: provider,
		logger:   logger,
		ttl:      time.Duration(ttlSeconds) * time.Second,
	}
}

// Get 查询策略配置，未配置返回 (nil, nil)
func (c *StrategyCache) Get(ctx context.Context, strategyID int64) (*models.Strategy, error) {
	if strategyID == 0 {
		return nil, nil
	}
	key := fmt.Sprintf("%s:%d", strategyKeyPrefix, strategyID)

	val, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var strategy models.Strategy
		if uerr := json.Unmarshal([]byte(val), &strategy); uerr == nil {
			return &strategy, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn("strategy cache read failed", zap.Int64("strategy_id", strategyID), zap.Error(err))
	}

	if c.provider == nil {
		return nil, nil
	}
	strategy, err := c.provider(ctx, strategyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy %d: %w", strategyID, err)
	}
	if strategy == nil {
		return nil, nil
	}
	if data, err := json.Marshal(strategy); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("strategy cache write failed", zap.Int64("strategy_id", strategyID), zap.Error(err))
		}
	}
	return strategy, nil
}

// ActionConfigCache 动作配置读穿缓存
type ActionConfigCache struct {
	client   *redis.Client
	provider ActionConfigProvider
	logger   *zap.Logger
	ttl      time.Duration
}

// NewActionConfigCache 创建动作配置缓存，TTL 单位秒
func NewActionConfigCache(client *redis.Client, provider ActionConfigProvider, ttlSeconds int64, logger *zap.Logger) *ActionConfigCache {
	return &ActionConfigCache{
		client:   client,
		provider: provider,
		logger:   logger,
		ttl:      time.Duration(ttlSeconds) * time.Second,
	}
}

// Get 查询动作配置，未配置返回 (nil, nil)
func (c *ActionConfigCache) Get(ctx context.Context, configID int64) (*models.ActionConfig, error) {
	if configID == 0 {
		return nil, nil
	}
	key := fmt.Sprintf("%s:%d", actionConfigKeyPrefix, configID)

	val, err := c.client.Get(ctx, key).Result()
	if err == nil {
		var cfg models.ActionConfig
		if uerr := json.Unmarshal([]byte(val), &cfg); uerr == nil {
			return &cfg, nil
		}
	} else if err != redis.Nil {
		c.logger.Warn("action config cache read failed", zap.Int64("config_id", configID), zap.Error(err))
	}

	if c.provider == nil {
		return nil, nil
	}
	cfg, err := c.provider(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to load action config %d: %w", configID, err)
	}
	if cfg == nil {
		return nil, nil
	}
	if data, err := json.Marshal(cfg); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("action config cache write failed", zap.Int64("config_id", configID), zap.Error(err))
		}
	}
	return cfg, nil
}

// UserGroupCache 告警组配置缓存。配置同步模块把告警组以
// USER_GROUP:{id} 键写入 Redis，引擎只读。
type UserGroupCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewUserGroupCache 创建告警组缓存
func NewUserGroupCache(client *redis.Client, logger *zap.Logger) *UserGroupCache {
	return &UserGroupCache{client: client, logger: logger}
}

// Get 查询告警组，未配置返回 (nil, nil)
func (c *UserGroupCache) Get(ctx context.Context, groupID int64) (*models.UserGroup, error) {
	val, err := c.client.Get(ctx, fmt.Sprintf("%s:%d", userGroupKeyPrefix, groupID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read user group %d: %w", groupID, err)
	}
	var group models.UserGroup
	if err := json.Unmarshal([]byte(val), &group); err != nil {
		return nil, fmt.Errorf("corrupt user group %d: %w", groupID, err)
	}
	return &group, nil
}

// ListDutyGroups 遍历全部需要值班的告警组（值班排班周期任务使用）
func (c *UserGroupCache) ListDutyGroups(ctx context.Context) ([]*models.UserGroup, error) {
	var groups []*models.UserGroup
	var cursor uint64
	pattern := userGroupKeyPrefix + ":*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan user groups: %w", err)
		}
		for _, key := range keys {
			val, err := c.client.Get(ctx, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				return nil, fmt.Errorf("failed to read user group key %s: %w", key, err)
			}
			var group models.UserGroup
			if err := json.Unmarshal([]byte(val), &group); err != nil {
				c.logger.Warn("corrupt user group entry skipped", zap.String("key", key), zap.Error(err))
				continue
			}
			if group.NeedDuty {
				groups = append(groups, &group)
			}
		}
		cursor = next
		if cursor == 0 {
			return groups, nil
		}
	}
}

// DutyRuleCache 值班规则配置缓存，DUTY_RULE:{id} 键，引擎只读
type DutyRuleCache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewDutyRuleCache 创建值班规则缓存
func NewDutyRuleCache(client *redis.Client, logger *zap.Logger) *DutyRuleCache {
	return &DutyRuleCache{client: client, logger: logger}
}

// Get 查询值班规则，未配置返回 (nil, nil)
func (c *DutyRuleCache) Get(ctx context.Context, ruleID int64) (*models.DutyRule, error) {
	val, err := c.client.Get(ctx, fmt.Sprintf("%s:%d", dutyRuleKeyPrefix, ruleID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read duty rule %d: %w", ruleID, err)
	}
	var rule models.DutyRule
	if err := json.Unmarshal([]byte(val), &rule); err != nil {
		return nil, fmt.Errorf("corrupt duty rule %d: %w", ruleID, err)
	}
	return &rule, nil
}
