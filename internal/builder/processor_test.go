package builder

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/cache"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/queue"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/uid"
)

const baseTime = int64(1700000000)

// fakeAlertStore 文档存储打桩：记录每次落库的告警
type fakeAlertStore struct {
	saved map[string]*models.Alert
}

func (f *fakeAlertStore) BulkUpsert(_ context.Context, alerts []*models.Alert) error {
	for _, a := range alerts {
		f.saved[a.ID] = a
	}
	return nil
}

func (f *fakeAlertStore) GetAlertsByIDs(_ context.Context, ids []string) ([]*models.Alert, error) {
	var result []*models.Alert
	for _, id := range ids {
		if a, ok := f.saved[id]; ok {
			result = append(result, a)
		}
	}
	return result, nil
}

// fakeLogStore 流水日志打桩
type fakeLogStore struct {
	logs []models.AlertLog
}

func (f *fakeLogStore) BulkCreate(_ context.Context, logs []models.AlertLog) error {
	f.logs = append(f.logs, logs...)
	return nil
}

type testHarness struct {
	mr        *miniredis.Miniredis
	client    *redis.Client
	processor *Processor
	docs      *fakeAlertStore
	logs      *fakeLogStore
	clock     *int64
}

func setupProcessor(t *testing.T, qosThreshold int64, opts alert.Options) *testHarness {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := zap.NewNop()

	docs := &fakeAlertStore{saved: make(map[string]*models.Alert)}
	logs := &fakeLogStore{}
	alertCache := cache.NewAlertCache(client, docs, 7200, 1800, logger)
	strategies := cache.NewStrategyCache(client, func(_ context.Context, id int64) (*models.Strategy, error) {
		return &models.Strategy{ID: id, Name: "test strategy", Labels: []string{"test"}}, nil
	}, 600, logger)
	qos := cache.NewBuildQoS(client, qosThreshold, 60, logger)
	allocator := uid.NewAllocator(client, 100, "", logger)
	signals := queue.NewSignalBus(client, logger)
	collector := metrics.NewCollector()

	p := NewProcessor(alertCache, strategies, qos, allocator, docs, logs, signals,
		nil, collector, opts, 30, logger)

	clock := baseTime
	p.now = func() int64 { return clock }

	return &testHarness{mr: mr, client: client, processor: p, docs: docs, logs: logs, clock: &clock}
}

func (h *testHarness) signalCount(t *testing.T) int64 {
	n, err := h.client.XLen(context.Background(), queue.SignalStream).Result()
	if err == redis.Nil {
		return 0
	}
	require.NoError(t, err)
	return n
}

func newEvent(eventID string, target string, t int64, severity int) *models.Event {
	return &models.Event{
		EventID:     eventID,
		StrategyID:  100,
		AlertName:   "CPU",
		Description: "cpu usage high",
		Severity:    severity,
		Status:      models.StatusAbnormal,
		Target:      target,
		Time:        t,
		AnomalyTime: t,
		DedupeKeys:  []string{"alert_name", "target"},
	}
}

func TestProcess_CreateAlert(t *testing.T) {
	h := setupProcessor(t, 0, alert.Options{})
	ctx := context.Background()

	err := h.processor.Process(ctx, []*models.Event{newEvent("2", "10.0.0.1", baseTime, 1)})
	require.NoError(t, err)

	require.Len(t, h.docs.saved, 1)
	var created *models.Alert
	for _, a := range h.docs.saved {
		created = a
	}
	assert.Equal(t, models.StatusAbnormal, created.Status)
	assert.Equal(t, 1, created.Severity)
	assert.Equal(t, baseTime, created.BeginTime)
	assert.Equal(t, baseTime, created.LatestTime)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "test strategy", created.Strategy().Name)

	// 恰好一条 CREATE 流水
	require.Len(t, h.logs.logs, 1)
	assert.Equal(t, models.OpCreate, h.logs.logs[0].OpType)
	assert.Equal(t, created.ID, h.logs.logs[0].AlertID)

	// 下游信号
	assert.Equal(t, int64(1), h.signalCount(t))
}

func TestProcess_SecondBatchMergesByFingerprint(t *testing.T) {
	h := setupProcessor(t, 0, alert.Options{})
	ctx := context.Background()

	require.NoError(t, h.processor.Process(ctx, []*models.Event{newEvent("2", "10.0.0.1", baseTime, 1)}))
	*h.clock = baseTime + 10
	require.NoError(t, h.processor.Process(ctx, []*models.Event{newEvent("1", "10.0.0.1", baseTime-500, 1)}))

	// 仍是同一告警，begin_time 被最小化
	require.Len(t, h.docs.saved, 1)
	for _, a := range h.docs.saved {
		assert.Equal(t, baseTime-500, a.BeginTime)
		assert.Equal(t, baseTime, a.LatestTime)
	}

	var ops []string
	for _, log := range h.logs.logs {
		ops = append(ops, log.OpType)
	}
	assert.Equal(t, []string{models.OpCreate, models.OpConverge}, ops)
}

func TestProcess_InBatchDedupe(t *testing.T) {
	h := setupProcessor(t, 0, alert.Options{})
	ctx := context.Background()

	events := []*models.Event{
		newEvent("1", "10.0.0.1", baseTime, 1),
		newEvent("2", "10.0.0.1", baseTime+5, 1), // 同指纹，时间更大者幸存
	}
	require.NoError(t, h.processor.Process(ctx, events))

	// 去重缓存中恰好一条
	require.Len(t, h.docs.saved, 1)
	for _, a := range h.docs.saved {
		assert.Equal(t, "2", a.TopEventID())
		assert.Equal(t, baseTime+5, a.LatestTime)
	}

	// 被挤掉的事件以 EVENT_DROP 挂在幸存者上
	var ops []string
	for _, log := range h.logs.logs {
		ops = append(ops, log.OpType)
	}
	assert.Contains(t, ops, models.OpEventDrop)
	assert.Equal(t, int64(1), h.signalCount(t))
}

func TestProcess_ExpiredAlertGuard(t *testing.T) {
	h := setupProcessor(t, 0, alert.Options{})
	ctx := context.Background()

	// 先建告警并用关闭事件终结
	require.NoError(t, h.processor.Process(ctx, []*models.Event{newEvent("1", "10.0.0.1", baseTime, 1)}))
	closed := newEvent("2", "10.0.0.1", baseTime+10, 1)
	closed.Status = models.StatusClosed
	require.NoError(t, h.processor.Process(ctx, []*models.Event{closed}))

	// TTL 内的重复事件被守卫丢弃
	before := len(h.docs.saved)
	require.NoError(t, h.processor.Process(ctx, []*models.Event{newEvent("3", "10.0.0.1", baseTime+20, 1)}))
	assert.Equal(t, before, len(h.docs.saved))
}

func TestProcess_DropAgainstFinishedAlertCarriedToNextAlert(t *testing.T) {
	h := setupProcessor(t, 0, alert.Options{})
	ctx := context.Background()

	require.NoError(t, h.processor.Process(ctx, []*models.Event{newEvent("1", "10.0.0.1", baseTime, 1)}))
	closed := newEvent("2", "10.0.0.1", baseTime+10, 1)
	closed.Status = models.StatusClosed
	require.NoError(t, h.processor.Process(ctx, []*models.Event{closed}))

	// 命中已结束告警的事件被丢弃
	require.NoError(t, h.processor.Process(ctx, []*models.Event{newEvent("3", "10.0.0.1", baseTime+20, 1)}))
	require.Len(t, h.docs.saved, 1)

	// 去重缓存条目被保留期巡检清理后，同指纹再来事件形成新告警
	_, err := h.processor.alertCache.SweepExpired(ctx, baseTime+100)
	require.NoError(t, err)
	*h.clock = baseTime + 200
	require.NoError(t, h.processor.Process(ctx, []*models.Event{newEvent("4", "10.0.0.1", baseTime+200, 1)}))
	require.Len(t, h.docs.saved, 2)

	var newAlert *models.Alert
	for _, a := range h.docs.saved {
		if a.TopEventID() == "4" {
			newAlert = a
		}
	}
	require.NotNil(t, newAlert)

	// 被丢弃事件的记录挂在新告警名下
	var dropLogs []models.AlertLog
	for _, log := range h.logs.logs {
		if log.OpType == models.OpEventDrop {
			dropLogs = append(dropLogs, log)
		}
	}
	require.Len(t, dropLogs, 1)
	assert.Equal(t, "3", dropLogs[0].EventID)
	assert.Equal(t, newAlert.ID, dropLogs[0].AlertID)
}

func TestProcess_RecoveredWithoutAlertIgnored(t *testing.T) {
	h := setupProcessor(t, 0, alert.Options{})

	recovered := newEvent("1", "10.0.0.1", baseTime, 1)
	recovered.Status = models.StatusRecovered
	require.NoError(t, h.processor.Process(context.Background(), []*models.Event{recovered}))

	assert.Empty(t, h.docs.saved)
	assert.Equal(t, int64(0), h.signalCount(t))
}

func TestProcess_MalformedEventSkipped(t *testing.T) {
	h := setupProcessor(t, 0, alert.Options{})

	bad := newEvent("1", "10.0.0.1", baseTime, 1)
	bad.DedupeKeys = []string{"alert_name", "tags.missing"}
	good := newEvent("2", "10.0.0.2", baseTime, 1)

	require.NoError(t, h.processor.Process(context.Background(), []*models.Event{bad, good}))
	assert.Len(t, h.docs.saved, 1)
}

func TestProcess_QoSBlocksOverflow(t *testing.T) {
	h := setupProcessor(t, 2, alert.Options{})
	ctx := context.Background()

	// 同级别 6 个新指纹：阈值 2，后 4 个被流控
	var events []*models.Event
	for i := 0; i < 6; i++ {
		events = append(events, newEvent(fmt.Sprintf("e%d", i), fmt.Sprintf("10.0.0.%d", i), baseTime, 1))
	}
	require.NoError(t, h.processor.Process(ctx, events))

	blocked := 0
	for _, a := range h.docs.saved {
		if a.IsBlocked {
			blocked++
		}
	}
	assert.Equal(t, 4, blocked)
	// 信号总线只收到未被流控的
	assert.Equal(t, int64(2), h.signalCount(t))
}

func TestProcess_QoSUnblockLogged(t *testing.T) {
	h2 := setupProcessor(t, 5, alert.Options{})
	require.NoError(t, h2.processor.Process(context.Background(), []*models.Event{newEvent("1", "10.0.0.1", baseTime, 1)}))
	var a *models.Alert
	for _, v := range h2.docs.saved {
		a = v
	}
	a.IsBlocked = true
	_, _, err := cache.NewAlertCache(h2.client, h2.docs, 7200, 1800, zap.NewNop()).
		SaveToCache(context.Background(), []*models.Alert{a})
	require.NoError(t, err)

	// 计数远低于阈值，再来事件时解除流控
	*h2.clock = baseTime + 30
	require.NoError(t, h2.processor.Process(context.Background(), []*models.Event{newEvent("2", "10.0.0.1", baseTime+30, 1)}))

	var ops []string
	for _, log := range h2.logs.logs {
		ops = append(ops, log.OpType)
	}
	assert.Contains(t, ops, models.OpQoS)
	for _, v := range h2.docs.saved {
		assert.False(t, v.IsBlocked)
	}
}

func TestProcess_AggDimensionsFilter(t *testing.T) {
	mrStrategy := &models.Strategy{ID: 100, Name: "agg", AggDimensions: []string{"device"}}
	h := setupProcessor(t, 0, alert.Options{})
	// 覆盖策略提供方
	h.processor.strategies = cache.NewStrategyCache(h.client, func(_ context.Context, id int64) (*models.Strategy, error) {
		return mrStrategy, nil
	}, 600, zap.NewNop())

	event := newEvent("1", "10.0.0.1", baseTime, 1)
	event.Tags = []models.EventTag{{Key: "device", Value: "cpu0"}, {Key: "core", Value: "3"}}
	event.DedupeKeys = []string{"alert_name", "target", "tags.device", "tags.core"}

	require.NoError(t, h.processor.Process(context.Background(), []*models.Event{event}))

	for _, a := range h.docs.saved {
		require.Len(t, a.Dimensions, 1)
		assert.Equal(t, "device", a.Dimensions[0].Key)
	}
}
