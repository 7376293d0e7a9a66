package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/action"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/builder"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/cache"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/config"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/duty"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/queue"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/repository"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/sweeper"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/uid"
)

// 消费者组
const (
	eventConsumerGroup  = "alert-engine"
	signalConsumerGroup = "action-creator"
)

// Engine 告警引擎服务（整合各层）
type Engine struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	alertRepo    *repository.AlertRepository
	alertLogRepo *repository.AlertLogRepository
	actionRepo   *repository.ActionRepository
	dutyRepo     *repository.DutyRepository
	alertCache   *cache.AlertCache
	userGroups   *cache.UserGroupCache
	dutyRules    *cache.DutyRuleCache
	events       *queue.EventBus
	signals      *queue.SignalBus
	processor    *builder.Processor
	creator      *action.Creator
	dutyManager  *duty.GroupManager
	sweeper      *sweeper.Sweeper
	collector    *metrics.Collector

	metricsServer *http.Server
	wg            sync.WaitGroup
}

// NewEngine 创建告警引擎
func NewEngine(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. Repository 层
	alertRepo := repository.NewAlertRepository(db, logger)
	alertLogRepo := repository.NewAlertLogRepository(db, logger)
	actionRepo := repository.NewActionRepository(db, logger)
	dutyRepo := repository.NewDutyRepository(db, logger)

	// 4. 缓存层
	alertCache := cache.NewAlertCache(redisClient, alertRepo,
		cfg.Alert.DedupeTTL, cfg.Alert.SnapshotTTL, logger)
	strategies := cache.NewStrategyCache(redisClient, nil, cfg.ConfigCache.StrategyTTL, logger)
	actionConfigs := cache.NewActionConfigCache(redisClient, nil, cfg.ConfigCache.ActionConfigTTL, logger)
	userGroups := cache.NewUserGroupCache(redisClient, logger)
	dutyRules := cache.NewDutyRuleCache(redisClient, logger)
	buildQoS := cache.NewBuildQoS(redisClient, cfg.QoS.Threshold, cfg.QoS.Window, logger)
	compositeQoS := cache.NewCompositeQoS(redisClient, cfg.QoS.Threshold, cfg.QoS.Window, logger)
	pollLock := cache.NewActionPollLock(redisClient, cfg.Sweep.LockTTL)

	// 5. 总线与队列
	events := queue.NewEventBus(redisClient, logger)
	signals := queue.NewSignalBus(redisClient, logger)
	actionQueue := queue.NewActionQueue(redisClient, logger)

	// 6. 核心流水线
	collector := metrics.NewCollector()
	allocator := uid.NewAllocator(redisClient, 0, cfg.Alert.ClusterCode, logger)
	opts := alert.Options{
		CloseWindow:   cfg.Alert.CloseWindow,
		RecoverWindow: cfg.Alert.RecoverWindow,
	}
	processor := builder.NewProcessor(
		alertCache, strategies, buildQoS, allocator,
		alertRepo, alertLogRepo, signals, nil,
		collector, opts, cfg.Alert.StoreTimeout, logger,
	)

	assignees := action.NewAssigneeManager(dutyRepo, userGroups.Get, logger)
	creator := action.NewCreator(
		alertRepo, alertLogRepo, actionRepo, actionQueue,
		strategies, actionConfigs, compositeQoS, assignees,
		nil, nil, collector, cfg.Alert.EnablePushShieldedAlert, logger,
	)

	dutyManager := duty.NewGroupManager(dutyRepo, logger)
	sw := sweeper.NewSweeper(
		alertCache, alertRepo, alertLogRepo, actionRepo, creator,
		signals, pollLock, collector, opts, cfg.Alert.MaxRetention, logger,
	)

	return &Engine{
		config:       cfg,
		db:           db,
		redisClient:  redisClient,
		logger:       logger,
		alertRepo:    alertRepo,
		alertLogRepo: alertLogRepo,
		actionRepo:   actionRepo,
		dutyRepo:     dutyRepo,
		alertCache:   alertCache,
		userGroups:   userGroups,
		dutyRules:    dutyRules,
		events:       events,
		signals:      signals,
		processor:    processor,
		creator:      creator,
		dutyManager:  dutyManager,
		sweeper:      sw,
		collector:    collector,
	}, nil
}

// Start 启动引擎：事件消费 worker、信号消费、周期任务与指标端口。
// 阻塞直到 ctx 取消。
func (e *Engine) Start(ctx context.Context) error {
	if err := queue.EnsureGroup(ctx, e.redisClient, queue.EventStream, eventConsumerGroup); err != nil {
		return err
	}
	if err := queue.EnsureGroup(ctx, e.redisClient, queue.SignalStream, signalConsumerGroup); err != nil {
		return err
	}

	e.startMetricsServer()

	hostname, _ := os.Hostname()
	workers := e.config.Alert.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		consumer := fmt.Sprintf("%s-%d", hostname, i)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.consumeEvents(ctx, consumer)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.consumeSignals(ctx, hostname)
	}()

	e.startTicker(ctx, e.config.Sweep.Interval, "next-status", e.sweeper.PromoteNextStatus)
	e.startTicker(ctx, e.config.Sweep.PollInterval, "interval-notice", e.sweeper.PollIntervalNotifications)
	e.startTicker(ctx, e.config.Sweep.RetentionInterval, "retention", e.sweeper.SweepRetention)
	e.startTicker(ctx, e.config.Sweep.DutyInterval, "duty-refresh", e.refreshDutyPlans)

	e.logger.Info("alert engine started",
		zap.Int("workers", workers),
		zap.Int("batch_size", e.config.Alert.BatchSize))

	<-ctx.Done()
	e.wg.Wait()
	return nil
}

// Stop 停止引擎并释放连接
func (e *Engine) Stop() error {
	e.logger.Info("stopping alert engine")

	if e.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.metricsServer.Shutdown(shutdownCtx); err != nil {
			e.logger.Error("failed to shut down metrics server", zap.Error(err))
		}
	}
	if err := e.db.Close(); err != nil {
		e.logger.Error("failed to close database", zap.Error(err))
	}
	if err := e.redisClient.Close(); err != nil {
		e.logger.Error("failed to close redis", zap.Error(err))
	}
	return nil
}

// consumeEvents 事件消费循环：读一批 → 构建告警 → 确认。
// 处理失败不确认，消息留在 pending 列表等待重投。
func (e *Engine) consumeEvents(ctx context.Context, consumer string) {
	batch := int64(e.config.Alert.BatchSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, ids, err := e.events.Read(ctx, eventConsumerGroup, consumer, batch, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("event read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if len(events) == 0 {
			continue
		}

		if err := e.processor.Process(ctx, events); err != nil {
			e.logger.Error("event batch processing failed",
				zap.Int("count", len(events)), zap.Error(err))
			continue
		}
		if err := e.events.Ack(ctx, eventConsumerGroup, ids...); err != nil {
			e.logger.Error("event ack failed", zap.Error(err))
		}
	}
}

// consumeSignals 信号消费循环：builder 与 sweeper 发布的告警信号
// 驱动动作创建。单条失败记录后确认，避免毒丸消息反复重投。
func (e *Engine) consumeSignals(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, ids, err := e.signals.Read(ctx, signalConsumerGroup, consumer, 100, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Error("signal read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for i, msg := range messages {
			if err := e.handleSignal(ctx, msg); err != nil {
				e.logger.Error("signal handling failed",
					zap.String("alert_key", msg.AlertKey),
					zap.String("signal", msg.Signal),
					zap.Error(err))
			}
			if err := e.signals.Ack(ctx, signalConsumerGroup, ids[i]); err != nil {
				e.logger.Error("signal ack failed", zap.Error(err))
			}
		}
	}
}

// handleSignal 把一条告警信号转换为动作创建请求
func (e *Engine) handleSignal(ctx context.Context, msg queue.SignalMessage) error {
	key, err := models.ParseAlertKey(msg.AlertKey)
	if err != nil {
		return fmt.Errorf("malformed alert key %q: %w", msg.AlertKey, err)
	}
	// 无策略的第三方事件没有动作配置
	if key.StrategyID == 0 {
		return nil
	}
	_, err = e.creator.CreateActions(ctx, action.CreateRequest{
		StrategyID: key.StrategyID,
		Signal:     msg.Signal,
		AlertIDs:   []string{key.ID},
	})
	return err
}

// refreshDutyPlans 对全部需要值班的告警组刷新排班快照与计划
func (e *Engine) refreshDutyPlans(ctx context.Context) error {
	groups, err := e.userGroups.ListDutyGroups(ctx)
	if err != nil {
		return fmt.Errorf("failed to list duty groups: %w", err)
	}
	for _, group := range groups {
		for _, ruleID := range group.DutyRules {
			rule, err := e.dutyRules.Get(ctx, ruleID)
			if err != nil {
				e.logger.Error("duty rule load failed",
					zap.Int64("group_id", group.ID), zap.Int64("rule_id", ruleID), zap.Error(err))
				continue
			}
			if rule == nil {
				continue
			}
			if err := e.dutyManager.ManageRule(ctx, group.ID, rule); err != nil {
				e.logger.Error("duty rule refresh failed",
					zap.Int64("group_id", group.ID), zap.Int64("rule_id", ruleID), zap.Error(err))
			}
		}
	}
	return nil
}

// startTicker 启动一个周期任务 goroutine，intervalSeconds <= 0 时不启动
func (e *Engine) startTicker(ctx context.Context, intervalSeconds int64, name string, task func(context.Context) error) {
	if intervalSeconds <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := task(ctx); err != nil {
					e.logger.Error("periodic task failed",
						zap.String("task", name), zap.Error(err))
				}
			}
		}
	}()
}

// startMetricsServer 暴露 Prometheus 文本指标
func (e *Engine) startMetricsServer() {
	if e.config.Metrics.Addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.collector.Handler())
	e.metricsServer = &http.Server{Addr: e.config.Metrics.Addr, Handler: mux}
	go func() {
		if err := e.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}
