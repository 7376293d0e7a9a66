package uid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SequenceKey 共享序列号计数器键（无 TTL）
const SequenceKey = "ALERT_UUID_SEQUENCE"

// 时间戳前缀固定 10 位
const timestampWidth = 10

// ErrSequenceExhausted 共享计数器不可达且本地池已耗尽
var ErrSequenceExhausted = errors.New("uid sequence exhausted")

// Allocator 告警 ID 分配器。
// ID = 10 位秒级时间戳 + 单调递增序列号（+ 可选集群编码）。
// 序列号从共享计数器按批取回本地池，池空时再补充。
type Allocator struct {
	client      *redis.Client
	logger      *zap.Logger
	poolSize    int64
	clusterCode string

	mu   sync.Mutex
	pool []int64
}

// NewAllocator 创建分配器。clusterCode 为空表示非分片部署。
func NewAllocator(client *redis.Client, poolSize int64, clusterCode string, logger *zap.Logger) *Allocator {
	if poolSize <= 0 {
		poolSize = 100
	}
	return &Allocator{
		client:      client,
		logger:      logger,
		poolSize:    poolSize,
		clusterCode: clusterCode,
	}
}

// Generate 分配一个以 timestamp 为前缀的告警 ID
func (a *Allocator) Generate(ctx context.Context, timestamp int64) (string, error) {
	seq, err := a.nextSequence(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d%d%s", timestampWidth, timestamp, seq, a.clusterCode), nil
}

func (a *Allocator) nextSequence(ctx context.Context) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pool) == 0 {
		if err := a.refillLocked(ctx); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrSequenceExhausted, err)
		}
	}
	seq := a.pool[0]
	a.pool = a.pool[1:]
	return seq, nil
}

// refillLocked 从共享计数器批量取号填充本地池
func (a *Allocator) refillLocked(ctx context.Context) error {
	max, err := a.client.IncrBy(ctx, SequenceKey, a.poolSize).Result()
	if err != nil {
		return fmt.Errorf("incrby %s: %w", SequenceKey, err)
	}
	pool := make([]int64, 0, a.poolSize)
	for seq := max - a.poolSize + 1; seq <= max; seq++ {
		pool = append(pool, seq)
	}
	a.pool = pool
	a.logger.Debug("uid pool refilled",
		zap.Int64("max", max),
		zap.Int64("size", a.poolSize))
	return nil
}

// Pooled 返回本地池中剩余的序列号个数
func (a *Allocator) Pooled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pool)
}

// ParseTimestamp 解析 ID 的 10 位时间戳前缀
func ParseTimestamp(id string) (int64, error) {
	if len(id) <= timestampWidth {
		return 0, fmt.Errorf("invalid alert id: %q", id)
	}
	ts, err := strconv.ParseInt(id[:timestampWidth], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid alert id: %q", id)
	}
	return ts, nil
}

// ParseSequence 解析 ID 的序列号部分。
// 集群编码后缀不属于序列号，解析前先剥离。
func (a *Allocator) ParseSequence(id string) (int64, error) {
	body := id
	if a.clusterCode != "" {
		trimmed, ok := strings.CutSuffix(id, a.clusterCode)
		if !ok {
			return 0, fmt.Errorf("invalid alert id: %q", id)
		}
		body = trimmed
	}
	if len(body) <= timestampWidth {
		return 0, fmt.Errorf("invalid alert id: %q", id)
	}
	seq, err := strconv.ParseInt(body[timestampWidth:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid alert id: %q", id)
	}
	return seq, nil
}
