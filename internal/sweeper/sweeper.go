package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/action"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/cache"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/queue"
)

// AlertStore 告警文档写入口
type AlertStore interface {
	BulkUpsert(ctx context.Context, alerts []*models.Alert) error
}

// LogStore 流水日志写入口
type LogStore interface {
	BulkCreate(ctx context.Context, logs []models.AlertLog) error
}

// ActionStore 周期通知巡检需要的动作实例读写入口
type ActionStore interface {
	ListPendingPoll(ctx context.Context) ([]*models.ActionInstance, error)
	MarkPolled(ctx context.Context, ids []int64) error
	ExistsUnfinished(ctx context.Context, alertID string, configID int64) (bool, error)
}

// ActionCreator 动作创建入口，由 action.Creator 实现
type ActionCreator interface {
	CreateActions(ctx context.Context, req action.CreateRequest) ([]*models.ActionInstance, error)
}

// Sweeper 周期任务集合：延迟流转推进、周期通知巡检、过期告警清理。
// 三个任务均幂等，可在多实例下重复执行。
type Sweeper struct {
	alertCache *cache.AlertCache
	alerts     AlertStore
	alertLogs  LogStore
	actions    ActionStore
	creator    ActionCreator
	signals    *queue.SignalBus
	pollLock   *cache.ServiceLock
	collector  *metrics.Collector
	logger     *zap.Logger

	opts         alert.Options
	maxRetention int64

	// 测试注入的时钟
	now func() int64
}

// NewSweeper 创建周期任务集合，maxRetention 为告警最长保留秒数
func NewSweeper(
	alertCache *cache.AlertCache,
	alerts AlertStore,
	alertLogs LogStore,
	actions ActionStore,
	creator ActionCreator,
	signals *queue.SignalBus,
	pollLock *cache.ServiceLock,
	collector *metrics.Collector,
	opts alert.Options,
	maxRetention int64,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		alertCache:   alertCache,
		alerts:       alerts,
		alertLogs:    alertLogs,
		actions:      actions,
		creator:      creator,
		signals:      signals,
		pollLock:     pollLock,
		collector:    collector,
		opts:         opts,
		maxRetention: maxRetention,
		logger:       logger,
		now:          func() int64 { return time.Now().Unix() },
	}
}

// PromoteNextStatus 延迟流转推进：扫描到期契约并执行状态流转。
// 已确认或已终结的告警从索引中摘除，不再参与扫描。
func (s *Sweeper) PromoteNextStatus(ctx context.Context) error {
	now := s.now()
	due, err := s.alertCache.NextStatusDue(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to scan due transitions: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	alerts, err := s.alertCache.MGetByIDs(ctx, due)
	if err != nil {
		return fmt.Errorf("failed to load due alerts: %w", err)
	}
	found := make(map[string]bool, len(alerts))

	var moved []*models.Alert
	for _, a := range alerts {
		found[a.ID] = true
		if alert.MoveToNextStatus(a, now) {
			moved = append(moved, a)
			continue
		}
		// 契约不再可执行（已确认/已终结），摘除索引
		if err := s.alertCache.RemoveNextStatus(ctx, a.Key()); err != nil {
			s.logger.Warn("failed to drop stale transition index",
				zap.String("alert_id", a.ID), zap.Error(err))
		}
	}
	// 缓存与文档存储都找不到的告警直接摘除
	for _, key := range due {
		if !found[key.ID] {
			if err := s.alertCache.RemoveNextStatus(ctx, key); err != nil {
				s.logger.Warn("failed to drop orphan transition index",
					zap.String("alert_id", key.ID), zap.Error(err))
			}
		}
	}
	if len(moved) == 0 {
		return nil
	}

	if err := s.alerts.BulkUpsert(ctx, moved); err != nil {
		return fmt.Errorf("failed to persist promoted alerts: %w", err)
	}
	if _, _, err := s.alertCache.SaveToCache(ctx, moved); err != nil {
		s.logger.Error("dedupe cache write failed", zap.Error(err))
	}
	if err := s.alertCache.SaveSnapshot(ctx, moved); err != nil {
		s.logger.Error("snapshot cache write failed", zap.Error(err))
	}

	var logs []models.AlertLog
	for _, a := range moved {
		logs = append(logs, a.Logs...)
		a.Logs = nil
	}
	if err := s.alertLogs.BulkCreate(ctx, logs); err != nil {
		s.logger.Error("alert log write failed", zap.Error(err))
	}

	for _, a := range moved {
		signal := models.SignalRecovered
		if a.Status == models.StatusClosed {
			signal = models.SignalClosed
		}
		if err := s.signals.Publish(ctx, a.Key(), signal); err != nil {
			s.logger.Error("signal publish failed", zap.String("alert_id", a.ID), zap.Error(err))
			continue
		}
		s.collector.IncSignalsSent()
	}
	s.logger.Info("deferred transitions promoted", zap.Int("count", len(moved)))
	return nil
}

// PollIntervalNotifications 周期通知巡检：已结束的 need_poll 动作在通知间隔
// 到期且告警仍有新事件时，以上一轮轮次重建通知。全程持全局锁，
// 抢锁失败跳过本轮。
func (s *Sweeper) PollIntervalNotifications(ctx context.Context) error {
	if err := s.pollLock.Acquire(ctx); err != nil {
		if errors.Is(err, cache.ErrLockAcquisitionFailed) {
			s.logger.Debug("poll lock busy, skipping this tick")
			return nil
		}
		return err
	}
	defer func() {
		if err := s.pollLock.Release(ctx); err != nil {
			s.logger.Warn("failed to release poll lock", zap.Error(err))
		}
	}()

	pending, err := s.actions.ListPendingPoll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending poll actions: %w", err)
	}

	now := s.now()
	var polled []int64
	for _, inst := range pending {
		done, err := s.pollOne(ctx, inst, now)
		if err != nil {
			s.logger.Error("interval notification failed",
				zap.Int64("action_id", inst.ID), zap.Error(err))
			continue
		}
		if done {
			polled = append(polled, inst.ID)
		}
	}
	if err := s.actions.MarkPolled(ctx, polled); err != nil {
		return fmt.Errorf("failed to mark actions polled: %w", err)
	}
	return nil
}

// pollOne 处理单个待巡检动作。返回 true 表示巡检完结（不再扫描该实例）。
func (s *Sweeper) pollOne(ctx context.Context, inst *models.ActionInstance, now int64) (bool, error) {
	if len(inst.AlertIDs) == 0 {
		return true, nil
	}
	key := models.AlertKey{ID: inst.AlertIDs[0], StrategyID: inst.StrategyID}
	a, err := s.alertCache.GetByID(ctx, key)
	if err != nil {
		return false, err
	}
	// 告警已消失或终结，巡检链结束
	if a == nil || models.IsTerminalStatus(a.Status) || a.IsAck {
		return true, nil
	}

	notice := noticeConfigOf(a)
	if notice == nil || !notice.NeedPoll || notice.NotifyInterval <= 0 {
		return true, nil
	}

	interval := calcInterval(notice.IntervalNotifyMode, notice.NotifyInterval, inst.ExecuteTimes)
	if inst.EndTime+interval > now {
		// 间隔未到，留待下一轮扫描
		return false, nil
	}
	// 上一轮通知后没有新事件，暂不重复打扰
	if a.LatestTime <= inst.Inputs.AlertLatestTime {
		return false, nil
	}

	// 每个 (告警, 动作配置) 至多一条在途巡检
	exists, err := s.actions.ExistsUnfinished(ctx, a.ID, inst.ActionConfigID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	relationID := inst.StrategyRelationID
	_, err = s.creator.CreateActions(ctx, action.CreateRequest{
		StrategyID:   inst.StrategyID,
		Signal:       inst.Signal,
		AlertIDs:     inst.AlertIDs,
		ExecuteTimes: inst.ExecuteTimes,
		RelationID:   &relationID,
		NoticeType:   models.NoticeTypeNormal,
	})
	if err != nil {
		return false, err
	}
	s.logger.Info("interval notification recreated",
		zap.Int64("action_id", inst.ID),
		zap.String("alert_id", a.ID),
		zap.Int("execute_times", inst.ExecuteTimes))
	return true, nil
}

// SweepRetention 过期告警清理：已终结且超出保留期的告警移出去重缓存
func (s *Sweeper) SweepRetention(ctx context.Context) error {
	before := s.now() - s.maxRetention
	removed, err := s.alertCache.SweepExpired(ctx, before)
	if err != nil {
		return fmt.Errorf("failed to sweep expired alerts: %w", err)
	}
	if removed > 0 {
		s.logger.Info("expired alerts swept", zap.Int("count", removed))
	}
	return nil
}

// noticeConfigOf 从告警的策略快照取通知配置
func noticeConfigOf(a *models.Alert) *models.NoticeConfig {
	s := a.Strategy()
	if s == nil || s.Notice == nil {
		return nil
	}
	return &s.Notice.Config
}

// calcInterval 通知间隔：standard 固定，increasing 按 2 的幂随轮次递增
func calcInterval(mode string, base int64, executeTimes int) int64 {
	if mode != models.IntervalModeIncreasing || executeTimes <= 1 {
		return base
	}
	interval := base
	for i := 1; i < executeTimes; i++ {
		interval *= 2
		if interval <= 0 {
			return 1 << 62
		}
	}
	return interval
}
