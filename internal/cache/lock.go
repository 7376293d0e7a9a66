package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockAcquisitionFailed 锁被其他实例持有，本轮放弃
var ErrLockAcquisitionFailed = errors.New("lock acquisition failed")

// ServiceLock 租约互斥锁：周期通知巡检在多实例部署下的全局串行化。
// 租约 TTL 必须大于巡检的最长耗时。
type ServiceLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewActionPollLock 周期通知巡检锁
func NewActionPollLock(client *redis.Client, ttlSeconds int64) *ServiceLock {
	return &ServiceLock{
		client: client,
		key:    actionPollLockKey,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}
}

// Acquire 尝试获取锁，已被持有时返回 ErrLockAcquisitionFailed
func (l *ServiceLock) Acquire(ctx context.Context) error {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		return ErrLockAcquisitionFailed
	}
	l.token = token
	return nil
}

// Release 释放锁。仅释放本实例持有的租约，过期后被他人取得的锁不受影响。
func (l *ServiceLock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	val, err := l.client.Get(ctx, l.key).Result()
	if err != nil {
		if err == redis.Nil {
			l.token = ""
			return nil
		}
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	if val == l.token {
		if err := l.client.Del(ctx, l.key).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", l.key, err)
		}
	}
	l.token = ""
	return nil
}
