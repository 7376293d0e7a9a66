package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

// fakeDocStore 文档存储打桩
type fakeDocStore struct {
	alerts map[string]*models.Alert
	calls  int
}

func (f *fakeDocStore) GetAlertsByIDs(_ context.Context, ids []string) ([]*models.Alert, error) {
	f.calls++
	var result []*models.Alert
	for _, id := range ids {
		if a, ok := f.alerts[id]; ok {
			result = append(result, a)
		}
	}
	return result, nil
}

func newTestAlert(id string, strategyID int64, md5 string) *models.Alert {
	return &models.Alert{
		ID:         id,
		StrategyID: strategyID,
		DedupeMD5:  md5,
		Status:     models.StatusAbnormal,
		Severity:   models.SeverityWarning,
		CreateTime: 1700000000,
	}
}

func TestSaveToCache_AndGetByFingerprint(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewAlertCache(client, &fakeDocStore{}, 7200, 1800, zap.NewNop())
	ctx := context.Background()

	alert := newTestAlert("17000000001", 100, "abc123")
	updated, finished, err := c.SaveToCache(ctx, []*models.Alert{alert})
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 0, finished)

	got, err := c.GetByFingerprint(ctx, 100, "abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "17000000001", got.ID)
}

func TestGetByFingerprint_Miss(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewAlertCache(client, &fakeDocStore{}, 7200, 1800, zap.NewNop())

	got, err := c.GetByFingerprint(context.Background(), 100, "nothing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveToCache_LatestCreateTimeWins(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewAlertCache(client, &fakeDocStore{}, 7200, 1800, zap.NewNop())
	ctx := context.Background()

	older := newTestAlert("17000000001", 100, "abc123")
	older.CreateTime = 1700000000
	newer := newTestAlert("17000000002", 100, "abc123")
	newer.CreateTime = 1700000100

	_, _, err := c.SaveToCache(ctx, []*models.Alert{newer, older})
	require.NoError(t, err)

	got, err := c.GetByFingerprint(ctx, 100, "abc123")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "17000000002", got.ID)
}

func TestSaveToCache_FinishedCount(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewAlertCache(client, &fakeDocStore{}, 7200, 1800, zap.NewNop())
	ctx := context.Background()

	live := newTestAlert("17000000001", 100, "live")
	done := newTestAlert("17000000002", 100, "done")
	done.Status = models.StatusRecovered
	done.EndTime = 1700000200

	updated, finished, err := c.SaveToCache(ctx, []*models.Alert{live, done})
	require.NoError(t, err)
	assert.Equal(t, 1, updated)
	assert.Equal(t, 1, finished)

	// 已结束告警的条目保留在缓存中，供过期告警守卫识别
	got, err := c.GetByFingerprint(ctx, 100, "done")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(1700000200), got.EndTime)
}

func TestGetByID_SnapshotThenFallback(t *testing.T) {
	_, client := setupTestRedis(t)
	docs := &fakeDocStore{alerts: map[string]*models.Alert{
		"17000000009": newTestAlert("17000000009", 200, "fromdb"),
	}}
	c := NewAlertCache(client, docs, 7200, 1800, zap.NewNop())
	ctx := context.Background()

	// 快照命中
	cached := newTestAlert("17000000001", 100, "cached")
	require.NoError(t, c.SaveSnapshot(ctx, []*models.Alert{cached}))
	got, err := c.GetByID(ctx, models.AlertKey{ID: "17000000001", StrategyID: 100})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, docs.calls)

	// 快照未命中则回源文档存储
	got, err = c.GetByID(ctx, models.AlertKey{ID: "17000000009", StrategyID: 200})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "fromdb", got.DedupeMD5)
	assert.Equal(t, 1, docs.calls)
}

func TestMGetByIDs_PipelineWithFallback(t *testing.T) {
	_, client := setupTestRedis(t)
	docs := &fakeDocStore{alerts: map[string]*models.Alert{
		"17000000002": newTestAlert("17000000002", 100, "db"),
	}}
	c := NewAlertCache(client, docs, 7200, 1800, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.SaveSnapshot(ctx, []*models.Alert{newTestAlert("17000000001", 100, "hot")}))

	got, err := c.MGetByIDs(ctx, []models.AlertKey{
		{ID: "17000000001", StrategyID: 100},
		{ID: "17000000002", StrategyID: 100},
		{ID: "17000000003", StrategyID: 100}, // 两边都没有
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "17000000001", got[0].ID)
	assert.Equal(t, "17000000002", got[1].ID)
	assert.Equal(t, 1, docs.calls)
}

func TestNextStatusIndex(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewAlertCache(client, &fakeDocStore{}, 7200, 1800, zap.NewNop())
	ctx := context.Background()

	pending := newTestAlert("17000000001", 100, "p")
	pending.NextStatus = models.StatusClosed
	pending.NextStatusTime = 1700003600

	_, _, err := c.SaveToCache(ctx, []*models.Alert{pending})
	require.NoError(t, err)

	// 未到期
	due, err := c.NextStatusDue(ctx, 1700003599)
	require.NoError(t, err)
	assert.Empty(t, due)

	// 到期
	due, err = c.NextStatusDue(ctx, 1700003600)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "17000000001", due[0].ID)
	assert.Equal(t, int64(100), due[0].StrategyID)

	// 清除延迟流转后索引同步移除
	pending.NextStatus = ""
	pending.NextStatusTime = 0
	_, _, err = c.SaveToCache(ctx, []*models.Alert{pending})
	require.NoError(t, err)
	due, err = c.NextStatusDue(ctx, 1700009999)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSweepExpired(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewAlertCache(client, &fakeDocStore{}, 7200, 1800, zap.NewNop())
	ctx := context.Background()

	old := newTestAlert("17000000001", 100, "old")
	old.Status = models.StatusClosed
	old.EndTime = 1690000000
	fresh := newTestAlert("17000000002", 100, "fresh")
	fresh.Status = models.StatusClosed
	fresh.EndTime = 1700000000
	live := newTestAlert("17000000003", 100, "live")

	_, _, err := c.SaveToCache(ctx, []*models.Alert{old, fresh, live})
	require.NoError(t, err)

	removed, err := c.SweepExpired(ctx, 1695000000)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, err := c.GetByFingerprint(ctx, 100, "old")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = c.GetByFingerprint(ctx, 100, "fresh")
	require.NoError(t, err)
	assert.NotNil(t, got)
}
