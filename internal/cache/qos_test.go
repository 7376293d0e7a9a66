package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

func TestQoS_Disabled(t *testing.T) {
	_, client := setupTestRedis(t)
	q := NewBuildQoS(client, 0, 60, zap.NewNop())

	alert := newTestAlert("17000000001", 100, "a")
	blocked, count, err := q.Check(context.Background(), alert, models.SignalAbnormal, true)
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Equal(t, int64(0), count)
}

func TestQoS_CutIn(t *testing.T) {
	_, client := setupTestRedis(t)
	q := NewBuildQoS(client, 3, 60, zap.NewNop())
	ctx := context.Background()
	alert := newTestAlert("17000000001", 100, "a")

	// 阈值内不流控
	for i := 1; i <= 3; i++ {
		blocked, count, err := q.Check(ctx, alert, models.SignalAbnormal, true)
		require.NoError(t, err)
		assert.False(t, blocked, "count=%d", count)
		assert.Equal(t, int64(i), count)
	}

	// 超过阈值后流控
	blocked, count, err := q.Check(ctx, alert, models.SignalAbnormal, true)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, int64(4), count)
}

func TestQoS_CheckWithoutIncrement(t *testing.T) {
	_, client := setupTestRedis(t)
	q := NewBuildQoS(client, 2, 60, zap.NewNop())
	ctx := context.Background()
	alert := newTestAlert("17000000001", 100, "a")

	for i := 0; i < 3; i++ {
		_, _, err := q.Check(ctx, alert, models.SignalAbnormal, true)
		require.NoError(t, err)
	}

	// 只读判断不改变计数
	blocked, count, err := q.Check(ctx, alert, models.SignalAbnormal, false)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, int64(3), count)

	blocked, count, err = q.Check(ctx, alert, models.SignalAbnormal, false)
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Equal(t, int64(3), count)
}

func TestQoS_WindowRollsOver(t *testing.T) {
	mr, client := setupTestRedis(t)
	q := NewBuildQoS(client, 1, 60, zap.NewNop())
	ctx := context.Background()
	alert := newTestAlert("17000000001", 100, "a")

	_, _, err := q.Check(ctx, alert, models.SignalAbnormal, true)
	require.NoError(t, err)
	blocked, _, err := q.Check(ctx, alert, models.SignalAbnormal, true)
	require.NoError(t, err)
	assert.True(t, blocked)

	// 窗口滚动后计数清零，流控解除
	mr.FastForward(61 * time.Second)
	blocked, count, err := q.Check(ctx, alert, models.SignalAbnormal, false)
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Equal(t, int64(0), count)
}

func TestQoS_SeparateKeysPerSeverity(t *testing.T) {
	_, client := setupTestRedis(t)
	q := NewBuildQoS(client, 1, 60, zap.NewNop())
	ctx := context.Background()

	fatal := newTestAlert("17000000001", 100, "a")
	fatal.Severity = models.SeverityFatal
	warn := newTestAlert("17000000002", 100, "b")
	warn.Severity = models.SeverityWarning

	_, _, err := q.Check(ctx, fatal, models.SignalAbnormal, true)
	require.NoError(t, err)
	blocked, _, err := q.Check(ctx, warn, models.SignalAbnormal, true)
	require.NoError(t, err)
	assert.False(t, blocked, "different severity should use a separate counter")
}

func TestServiceLock(t *testing.T) {
	_, client := setupTestRedis(t)
	ctx := context.Background()

	l1 := NewActionPollLock(client, 120)
	l2 := NewActionPollLock(client, 120)

	require.NoError(t, l1.Acquire(ctx))
	err := l2.Acquire(ctx)
	assert.ErrorIs(t, err, ErrLockAcquisitionFailed)

	require.NoError(t, l1.Release(ctx))
	require.NoError(t, l2.Acquire(ctx))
	require.NoError(t, l2.Release(ctx))
}
