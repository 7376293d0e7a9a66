package builder

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/alert"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/cache"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/queue"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/uid"
)

// EventSource 事件来源（消息总线，至少一次投递）
type EventSource interface {
	Poll(ctx context.Context, batchSize int) ([]*models.Event, error)
}

// TopologyEnricher 拓扑补全（CMDB 集成），可选，返回 nil 表示无补全
type TopologyEnricher interface {
	Resolve(ctx context.Context, a *models.Alert) ([]models.EventTag, error)
}

// AlertStore 告警文档存储写入口，由 repository.AlertRepository 实现
type AlertStore interface {
	BulkUpsert(ctx context.Context, alerts []*models.Alert) error
}

// LogStore 流水日志写入口，由 repository.AlertLogRepository 实现
type LogStore interface {
	BulkCreate(ctx context.Context, logs []models.AlertLog) error
}

// Processor 告警构建流水线：一批事件 → 一批告警。
// 多 worker 并行调用，同一指纹的顺序性由去重缓存的单写者语义保证。
type Processor struct {
	alertCache *cache.AlertCache
	strategies *cache.StrategyCache
	qos        *cache.QoSLimiter
	allocator  *uid.Allocator
	alerts     AlertStore
	alertLogs  LogStore
	signals    *queue.SignalBus
	enricher   TopologyEnricher
	collector  *metrics.Collector
	logger     *zap.Logger

	opts         alert.Options
	storeTimeout time.Duration

	// 测试注入的时钟
	now func() int64
}

// NewProcessor 创建构建流水线，enricher 可为 nil
func NewProcessor(
	alertCache *cache.AlertCache,
	strategies *cache.StrategyCache,
	qos *cache.QoSLimiter,
	allocator *uid.Allocator,
	alerts AlertStore,
	alertLogs LogStore,
	signals *queue.SignalBus,
	enricher TopologyEnricher,
	collector *metrics.Collector,
	opts alert.Options,
	storeTimeoutSeconds int64,
	logger *zap.Logger,
) *Processor {
	if storeTimeoutSeconds <= 0 {
		storeTimeoutSeconds = 30
	}
	return &Processor{
		alertCache:   alertCache,
		strategies:   strategies,
		qos:          qos,
		allocator:    allocator,
		alerts:       alerts,
		alertLogs:    alertLogs,
		signals:      signals,
		enricher:     enricher,
		collector:    collector,
		logger:       logger,
		opts:         opts,
		storeTimeout: time.Duration(storeTimeoutSeconds) * time.Second,
		now:          func() int64 { return time.Now().Unix() },
	}
}

// fingerprintKey 批内分组键
type fingerprintKey struct {
	strategyID int64
	dedupeMD5  string
}

// survivorEvent 批内去重后的幸存事件及其挤掉的重复事件日志
type survivorEvent struct {
	event     *models.Event
	dedupeMD5 string
	dropLogs  []models.AlertLog
}

// Process 处理一批事件：批内去重 → 过期守卫 → 取或建 → 补全 → 落库 → 发信号。
// 单告警的失败记录后跳过，整体存储失败向上传播由总线重投。
func (p *Processor) Process(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	now := p.now()
	p.collector.IncEventsReceived(len(events))

	survivors := p.dedupeBatch(events, now)

	var touched []*models.Alert
	for _, sv := range survivors {
		a, err := p.processOne(ctx, sv, now)
		if err != nil {
			return err
		}
		if a != nil {
			touched = append(touched, a)
		}
	}
	if len(touched) == 0 {
		return nil
	}

	p.enrich(ctx, touched)

	if err := p.persist(ctx, touched); err != nil {
		return err
	}

	p.signal(ctx, touched)
	return nil
}

// dedupeBatch 批内去重：同指纹保留时间最大的事件，其余记 EVENT_DROP 日志挂到幸存者
func (p *Processor) dedupeBatch(events []*models.Event, now int64) []*survivorEvent {
	grouped := make(map[fingerprintKey]*survivorEvent)
	var order []fingerprintKey

	for _, event := range events {
		md5, err := event.DedupeMD5()
		if err != nil {
			p.collector.IncEventsMalformed()
			p.logger.Warn("malformed event dropped",
				zap.String("event_id", event.EventID), zap.Error(err))
			continue
		}
		key := fingerprintKey{strategyID: event.StrategyID, dedupeMD5: md5}
		cur, ok := grouped[key]
		if !ok {
			grouped[key] = &survivorEvent{event: event, dedupeMD5: md5}
			order = append(order, key)
			continue
		}

		p.collector.IncEventsDuplicate()
		dropped := event
		if event.OrderAfter(cur.event) {
			dropped = cur.event
			cur.event = event
		}
		cur.dropLogs = append(cur.dropLogs, models.AlertLog{
			OpType:      models.OpEventDrop,
			EventID:     dropped.EventID,
			Description: "批内重复事件，丢弃",
			Time:        dropped.Time,
			CreateTime:  now,
		})
	}

	result := make([]*survivorEvent, 0, len(order))
	for _, key := range order {
		result = append(result, grouped[key])
	}
	return result
}

// processOne 单指纹处理：查存活告警，存在则合并，不存在则创建
func (p *Processor) processOne(ctx context.Context, sv *survivorEvent, now int64) (*models.Alert, error) {
	event := sv.event

	existing, err := p.alertCache.GetByFingerprint(ctx, event.StrategyID, sv.dedupeMD5)
	if err != nil {
		// 缓存故障按未命中处理，由 create_time 竞争与文档存储兜底
		p.logger.Warn("dedupe cache read failed, treating as miss",
			zap.String("dedupe_md5", sv.dedupeMD5), zap.Error(err))
		existing = nil
	}

	if existing != nil {
		// 过期告警守卫：已结束且仍在 TTL 内的告警收到的事件直接丢弃。
		// 丢弃记录暂存，由同指纹随后新建的告警认领。
		if existing.EndTime > 0 {
			p.collector.IncEventsExpired()
			dropLog := models.AlertLog{
				OpType:      models.OpEventDrop,
				EventID:     event.EventID,
				Description: "事件命中已结束告警，丢弃",
				Time:        event.Time,
				CreateTime:  now,
			}
			if err := p.alertCache.PushPendingDrop(ctx, event.StrategyID, sv.dedupeMD5, dropLog); err != nil {
				p.logger.Warn("pending drop log write failed",
					zap.String("event_id", event.EventID), zap.Error(err))
			}
			p.logger.Debug("event dropped against finished alert",
				zap.String("event_id", event.EventID),
				zap.String("alert_id", existing.ID))
			return nil, nil
		}
		alert.Apply(existing, event, now, p.opts)
		for _, log := range sv.dropLogs {
			existing.AppendLog(log)
		}
		p.collector.IncAlertsUpdated()
		p.checkUnblock(ctx, existing, now)
		return existing, nil
	}

	// 恢复/关闭事件找不到存活告警则忽略
	if event.Status != models.StatusAbnormal {
		return nil, nil
	}

	created := alert.NewFromEvent(event, sv.dedupeMD5, now, p.opts)
	if pending, err := p.alertCache.PopPendingDrops(ctx, event.StrategyID, sv.dedupeMD5); err != nil {
		p.logger.Warn("pending drop log read failed",
			zap.String("dedupe_md5", sv.dedupeMD5), zap.Error(err))
	} else {
		for _, log := range pending {
			created.AppendLog(log)
		}
	}
	for _, log := range sv.dropLogs {
		created.AppendLog(log)
	}

	if strategy, err := p.strategies.Get(ctx, event.StrategyID); err != nil {
		p.logger.Warn("strategy lookup failed",
			zap.Int64("strategy_id", event.StrategyID), zap.Error(err))
	} else if strategy != nil {
		created.ExtraInfo.Strategy = strategy
		created.Labels = strategy.Labels
	}

	// ID 在首次持久化前分配；共享计数器不可达时整批失败，由总线重投
	id, err := p.allocator.Generate(ctx, event.Time)
	if err != nil {
		return nil, err
	}
	created.ID = id
	if seq, err := p.allocator.ParseSequence(id); err == nil {
		created.SeqID = seq
	}
	for i := range created.Logs {
		created.Logs[i].AlertID = id
	}

	// QoS 仅在新建时计数
	blocked, count, err := p.qos.Check(ctx, created, models.SignalAbnormal, true)
	if err != nil {
		p.logger.Warn("qos check failed, treating as unblocked", zap.Error(err))
	} else if blocked {
		created.IsBlocked = true
		created.AppendLog(models.AlertLog{
			OpType:      models.OpQoS,
			Description: p.qos.Describe(true, count),
			Time:        now,
			CreateTime:  now,
		})
		p.collector.IncAlertsBlocked()
	}

	p.collector.IncAlertsCreated()
	p.collector.ObserveLatency(now - event.Time)
	return created, nil
}

// checkUnblock 被流控的存活告警在计数回落后解除流控并记录日志
func (p *Processor) checkUnblock(ctx context.Context, a *models.Alert, now int64) {
	if !a.IsBlocked || !p.qos.Enabled() {
		return
	}
	blocked, count, err := p.qos.Check(ctx, a, models.SignalAbnormal, false)
	if err != nil || blocked {
		return
	}
	a.IsBlocked = false
	a.AppendLog(models.AlertLog{
		OpType:      models.OpQoS,
		Description: p.qos.Describe(false, count),
		Time:        now,
		CreateTime:  now,
	})
}

// enrich 拓扑补全与维度聚合
func (p *Processor) enrich(ctx context.Context, alerts []*models.Alert) {
	for _, a := range alerts {
		if p.enricher != nil {
			tags, err := p.enricher.Resolve(ctx, a)
			if err != nil {
				p.logger.Warn("topology enrich failed",
					zap.String("alert_id", a.ID), zap.Error(err))
			} else {
				a.Dimensions = mergeTags(a.Dimensions, tags)
			}
		}
		// 策略声明了聚合维度时只保留声明的维度
		if s := a.Strategy(); s != nil && len(s.AggDimensions) > 0 {
			keep := make(map[string]bool, len(s.AggDimensions))
			for _, d := range s.AggDimensions {
				keep[d] = true
			}
			var dims []models.EventTag
			for _, d := range a.Dimensions {
				if keep[d.Key] {
					dims = append(dims, d)
				}
			}
			a.Dimensions = dims
		}
	}
}

// persist 落库顺序：文档存储 → 去重缓存 → 快照缓存 → 流水日志。
// 文档写失败直接返回；缓存写失败记录后继续，下一批读回时兜底。
func (p *Processor) persist(ctx context.Context, alerts []*models.Alert) error {
	if err := p.alerts.BulkUpsert(ctx, alerts); err != nil {
		return err
	}

	_, finished, err := p.alertCache.SaveToCache(ctx, alerts)
	if err != nil {
		p.logger.Error("dedupe cache write failed", zap.Error(err))
	} else {
		p.collector.IncAlertsFinished(finished)
	}
	if err := p.alertCache.SaveSnapshot(ctx, alerts); err != nil {
		p.logger.Error("snapshot cache write failed", zap.Error(err))
	}

	var logs []models.AlertLog
	for _, a := range alerts {
		logs = append(logs, a.Logs...)
		a.Logs = nil
	}
	if err := p.alertLogs.BulkCreate(ctx, logs); err != nil {
		p.logger.Error("alert log write failed", zap.Error(err))
	}
	return nil
}

// signal 对 refresh_db 且未被流控的告警发布生命周期信号
func (p *Processor) signal(ctx context.Context, alerts []*models.Alert) {
	for _, a := range alerts {
		if !a.RefreshDB || a.IsBlocked {
			continue
		}
		signal := statusSignal(a.Status)
		if err := p.signals.Publish(ctx, a.Key(), signal); err != nil {
			p.logger.Error("signal publish failed",
				zap.String("alert_id", a.ID), zap.Error(err))
			continue
		}
		p.collector.IncSignalsSent()
	}
}

func statusSignal(status string) string {
	switch status {
	case models.StatusRecovered:
		return models.SignalRecovered
	case models.StatusClosed:
		return models.SignalClosed
	default:
		return models.SignalAbnormal
	}
}

func mergeTags(dims, extra []models.EventTag) []models.EventTag {
	if len(extra) == 0 {
		return dims
	}
	seen := make(map[string]bool, len(dims))
	for _, d := range dims {
		seen[d.Key] = true
	}
	for _, t := range extra {
		if !seen[t.Key] {
			dims = append(dims, t)
		}
	}
	return dims
}
