package action

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/cache"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
	"github.com/TencentBlueKing/bk-monitor-sub011/internal/queue"
)

// AlertStore 告警文档的读写入口，由 repository.AlertRepository 实现
type AlertStore interface {
	GetAlertsByIDs(ctx context.Context, ids []string) ([]*models.Alert, error)
	BulkUpsert(ctx context.Context, alerts []*models.Alert) error
}

// LogStore 流水日志写入口
type LogStore interface {
	BulkCreate(ctx context.Context, logs []models.AlertLog) error
}

// ActionStore 动作实例写入口，由 repository.ActionRepository 实现
type ActionStore interface {
	BulkCreate(ctx context.Context, actions []*models.ActionInstance) error
}

// Shielder 屏蔽判定：任一屏蔽配置命中即屏蔽。
// 返回 (是否屏蔽, 命中的屏蔽配置 ID, 屏蔽时段描述)。
type Shielder interface {
	Match(ctx context.Context, alert *models.Alert) (bool, []int64, string, error)
}

// NoiseReducer 降噪聚合：返回应被抑制发送的告警 ID 集合
type NoiseReducer interface {
	Suppressed(ctx context.Context, alerts []*models.Alert, strategy *models.Strategy) (map[string]bool, error)
}

// CreateRequest 一次动作创建请求
type CreateRequest struct {
	StrategyID    int64
	Signal        string
	AlertIDs      []string
	Severity      int    // 0 表示沿用告警级别
	DimensionHash string
	ExecuteTimes  int
	// 指定关联时只为该关联创建（周期通知重建场景），nil 表示全部
	RelationID *int64
	NoticeType string // 默认 normal
}

// relation 统一后的动作关联视图（策略 actions 列表 + 内置 notice）
type relation struct {
	relationID int64
	configID   int64
	signals    []string
	options    models.RelationOptions
	userGroups []int64
	config     *models.ActionConfig
	isNotice   bool
	notice     models.NoticeConfig
}

// Creator 动作创建器：把 (策略, 信号, 告警集) 变成一批动作实例并推入执行队列
type Creator struct {
	alerts     AlertStore
	alertLogs  LogStore
	actions    ActionStore
	queue      *queue.ActionQueue
	strategies *cache.StrategyCache
	configs    *cache.ActionConfigCache
	upgradeQoS *cache.QoSLimiter
	assignees  *AssigneeManager
	shielder   Shielder
	noise      NoiseReducer
	collector  *metrics.Collector
	logger     *zap.Logger

	// 屏蔽中的告警是否仍然推送 message_queue 类动作
	enablePushShielded bool

	now func() int64
}

// NewCreator 创建动作创建器，shielder 与 noise 可为 nil
func NewCreator(
	alerts AlertStore,
	alertLogs LogStore,
	actions ActionStore,
	actionQueue *queue.ActionQueue,
	strategies *cache.StrategyCache,
	configs *cache.ActionConfigCache,
	upgradeQoS *cache.QoSLimiter,
	assignees *AssigneeManager,
	shielder Shielder,
	noise NoiseReducer,
	collector *metrics.Collector,
	enablePushShielded bool,
	logger *zap.Logger,
) *Creator {
	return &Creator{
		alerts:             alerts,
		alertLogs:          alertLogs,
		actions:            actions,
		queue:              actionQueue,
		strategies:         strategies,
		configs:            configs,
		upgradeQoS:         upgradeQoS,
		assignees:          assignees,
		shielder:           shielder,
		noise:              noise,
		collector:          collector,
		enablePushShielded: enablePushShielded,
		logger:             logger,
		now:                func() int64 { return time.Now().Unix() },
	}
}

// CreateActions 处理一次创建请求。同一 (告警, 关联, 轮次) 的重复请求
// 被周期处理记录去重，返回空集。
func (c *Creator) CreateActions(ctx context.Context, req CreateRequest) ([]*models.ActionInstance, error) {
	if req.NoticeType == "" {
		req.NoticeType = models.NoticeTypeNormal
	}
	now := c.now()

	loaded, err := c.alerts.GetAlertsByIDs(ctx, req.AlertIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load alerts for action creation: %w", err)
	}

	alerts := c.filterValidHandle(loaded, req)
	if len(alerts) == 0 {
		return nil, nil
	}

	strategy := c.resolveStrategy(ctx, req.StrategyID, alerts)
	if strategy == nil {
		c.logger.Warn("strategy unavailable, actions skipped", zap.Int64("strategy_id", req.StrategyID))
		return nil, nil
	}

	relations := resolveRelations(strategy, req)
	if len(relations) == 0 {
		return nil, nil
	}

	suppressed := c.noiseReduce(ctx, alerts, strategy, req)
	shieldRanges := c.evaluateShields(ctx, alerts)

	var created []*models.ActionInstance
	for _, rel := range relations {
		uuid := generateUUID(req, rel.relationID)
		for _, alert := range alerts {
			inst := c.buildInstance(ctx, alert, rel, req, suppressed, shieldRanges, uuid, now)
			if inst != nil {
				created = append(created, inst)
			}
		}
	}

	if len(created) > 0 {
		if err := c.actions.BulkCreate(ctx, created); err != nil {
			return nil, fmt.Errorf("failed to persist action instances: %w", err)
		}
		c.collector.IncActionsCreated(len(created))

		var pushable []*models.ActionInstance
		for _, inst := range created {
			if inst.Status == models.ActionStatusReceived {
				pushable = append(pushable, inst)
			}
		}
		if err := c.queue.Push(ctx, pushable); err != nil {
			return nil, fmt.Errorf("failed to push actions: %w", err)
		}
		c.collector.IncActionsPushed(len(pushable))
	}

	if err := c.persistAlerts(ctx, alerts, now); err != nil {
		return nil, err
	}
	return created, nil
}

// filterValidHandle 去掉本轮已处理过的告警：
// 同一关联的周期处理记录推进到更高轮次后，相同轮次的请求不再生效。
func (c *Creator) filterValidHandle(alerts []*models.Alert, req CreateRequest) []*models.Alert {
	relationID := int64(models.NoticeRelationID)
	if req.RelationID != nil {
		relationID = *req.RelationID
	}
	var valid []*models.Alert
	for _, alert := range alerts {
		record := alert.HandleRecord(relationID)
		if record != nil && record.ExecuteTimes > req.ExecuteTimes {
			c.logger.Debug("alert already handled in this round",
				zap.String("alert_id", alert.ID),
				zap.Int64("relation_id", relationID),
				zap.Int("execute_times", req.ExecuteTimes))
			continue
		}
		valid = append(valid, alert)
	}
	return valid
}

// resolveStrategy 优先读配置缓存，退回告警携带的策略快照
func (c *Creator) resolveStrategy(ctx context.Context, strategyID int64, alerts []*models.Alert) *models.Strategy {
	if c.strategies != nil {
		if strategy, err := c.strategies.Get(ctx, strategyID); err == nil && strategy != nil {
			return strategy
		} else if err != nil {
			c.logger.Warn("strategy lookup failed, falling back to alert snapshot",
				zap.Int64("strategy_id", strategyID), zap.Error(err))
		}
	}
	for _, alert := range alerts {
		if s := alert.Strategy(); s != nil {
			return s
		}
	}
	return nil
}

// resolveRelations 汇总信号匹配的动作关联（策略动作列表 + 内置通知）
func resolveRelations(strategy *models.Strategy, req CreateRequest) []relation {
	var relations []relation
	for i := range strategy.Actions {
		rel := &strategy.Actions[i]
		if !signalIn(req.Signal, rel.Signal) {
			continue
		}
		relations = append(relations, relation{
			relationID: rel.RelationID,
			configID:   rel.ConfigID,
			signals:    rel.Signal,
			options:    rel.Options,
			userGroups: rel.UserGroups,
			config:     rel.ActionConfig,
		})
	}
	if notice := strategy.Notice; notice != nil && signalIn(req.Signal, notice.Signal) {
		relations = append(relations, relation{
			relationID: models.NoticeRelationID,
			configID:   notice.ConfigID,
			signals:    notice.Signal,
			options:    notice.Options,
			userGroups: notice.UserGroups,
			isNotice:   true,
			notice:     notice.Config,
		})
	}
	if req.RelationID == nil {
		return relations
	}
	var filtered []relation
	for _, rel := range relations {
		if rel.relationID == *req.RelationID {
			filtered = append(filtered, rel)
		}
	}
	return filtered
}

// noiseReduce 通知动作的降噪聚合，升级通知不参与
func (c *Creator) noiseReduce(ctx context.Context, alerts []*models.Alert, strategy *models.Strategy, req CreateRequest) map[string]bool {
	if c.noise == nil || req.NoticeType == models.NoticeTypeUpgrade {
		return nil
	}
	suppressed, err := c.noise.Suppressed(ctx, alerts, strategy)
	if err != nil {
		c.logger.Warn("noise reduction failed, sending all", zap.Error(err))
		return nil
	}
	return suppressed
}

// evaluateShields 逐告警评估屏蔽配置，任一命中即屏蔽。
// 返回各告警的屏蔽时段描述，透传到休眠动作的输入。
func (c *Creator) evaluateShields(ctx context.Context, alerts []*models.Alert) map[string]string {
	if c.shielder == nil {
		return nil
	}
	ranges := make(map[string]string)
	for _, alert := range alerts {
		matched, shieldIDs, timeRange, err := c.shielder.Match(ctx, alert)
		if err != nil {
			c.logger.Warn("shield evaluation failed, treating as unshielded",
				zap.String("alert_id", alert.ID), zap.Error(err))
			continue
		}
		alert.IsShielded = matched
		alert.ShieldIDs = shieldIDs
		if matched {
			ranges[alert.ID] = timeRange
		}
	}
	return ranges
}

// buildInstance 为 (告警, 关联) 构建动作实例，不满足创建条件时返回 nil
func (c *Creator) buildInstance(
	ctx context.Context,
	alert *models.Alert,
	rel relation,
	req CreateRequest,
	suppressed map[string]bool,
	shieldRanges map[string]string,
	uuid string,
	now int64,
) *models.ActionInstance {
	if !isAlertStatusValid(alert, req.Signal) {
		return nil
	}

	// 告警产生过久后不再执行带延迟跳过的动作
	if rel.options.SkipDelay > 0 && signalIn(models.SignalAbnormal, rel.signals) &&
		now-alert.BeginTime > rel.options.SkipDelay {
		alert.AppendLog(models.AlertLog{
			OpType:      models.OpActionSkip,
			Description: fmt.Sprintf("告警产生已超过 %d 秒，跳过动作执行", rel.options.SkipDelay),
			Time:        now,
			CreateTime:  now,
		})
		alert.RefreshDB = true
		return nil
	}

	config := c.resolveConfig(ctx, rel)
	pluginType := models.PluginNotice
	if !rel.isNotice {
		if config == nil {
			c.logger.Warn("action config unavailable, skipped",
				zap.Int64("config_id", rel.configID), zap.String("alert_id", alert.ID))
			return nil
		}
		pluginType = config.PluginType
		if !models.KnownPluginTypes[pluginType] {
			c.logger.Warn("unknown action plugin type, skipped",
				zap.String("plugin_type", pluginType), zap.Int64("config_id", rel.configID))
			return nil
		}
	}

	inputs := models.ActionInputs{
		AlertLatestTime:   alert.LatestTime,
		IsAlertShielded:   alert.IsShielded,
		ExcludeNoticeWays: rel.options.ExcludeNoticeWays,
		NoticeType:        req.NoticeType,
	}

	// 通知动作需要确定接收人，分派不到人则记录失败
	if rel.isNotice {
		result, err := c.assignees.Assign(ctx, rel.userGroups, req.NoticeType == models.NoticeTypeUpgrade)
		if err != nil {
			c.logger.Error("assignment failed", zap.String("alert_id", alert.ID), zap.Error(err))
			result = &AssignResult{}
		}
		if len(result.Assignees) == 0 {
			alert.AppendLog(models.AlertLog{
				OpType:      models.OpAssignFailed,
				Description: "未能分派到任何处理人，通知动作未创建",
				Time:        now,
				CreateTime:  now,
			})
			alert.RefreshDB = true
			c.collector.IncAssignFailed()
			return nil
		}
		alert.Assignee = result.Assignees
		alert.Appointee = result.Assignees
		alert.Follower = result.Followers
		alert.Supervisor = result.Supervisors
		if result.MatchedGroup != "" && alert.ExtraInfo != nil {
			alert.ExtraInfo.MatchedRuleGroup = result.MatchedGroup
		}
		inputs.Followers = result.Followers
		inputs.Supervisors = result.Supervisors
	}

	// 升级通知按 (策略, 信号, 级别) 流控
	if req.NoticeType == models.NoticeTypeUpgrade && c.upgradeQoS != nil && c.upgradeQoS.Enabled() {
		blocked, count, err := c.upgradeQoS.Check(ctx, alert, req.Signal, true)
		if err == nil && blocked {
			alert.AppendLog(models.AlertLog{
				OpType:      models.OpQoS,
				Description: c.upgradeQoS.Describe(true, count),
				Time:        now,
				CreateTime:  now,
			})
			alert.RefreshDB = true
			return nil
		}
	}

	status := models.ActionStatusReceived
	if suppressed != nil && rel.isNotice && suppressed[alert.ID] {
		// 降噪抑制：实例落库但不推送
		status = models.ActionStatusSleep
	}
	if alert.IsShielded {
		if pluginType == models.PluginMessageQueue && c.enablePushShielded {
			status = models.ActionStatusReceived
		} else {
			status = models.ActionStatusSleep
			inputs.TimeRange = shieldRanges[alert.ID]
		}
	}

	// 异常类信号推进周期处理记录，供下一轮 is_valid_handle 去重
	if models.AbnormalSignals[req.Signal] {
		alert.SetHandleRecord(rel.relationID, &models.CycleHandleRecord{
			LastTime:          now,
			ExecuteTimes:      req.ExecuteTimes + 1,
			LatestAnomalyTime: alert.LatestTime,
			IsShielded:        alert.IsShielded,
		})
	}

	severity := alert.Severity
	if req.Severity > 0 {
		severity = req.Severity
	}

	needPoll := rel.isNotice && rel.notice.NeedPoll && rel.notice.NotifyInterval > 0 &&
		models.AbnormalSignals[req.Signal]

	alert.IsHandled = true
	alert.RefreshDB = true

	return &models.ActionInstance{
		Signal:             req.Signal,
		StrategyID:         req.StrategyID,
		AlertIDs:           []string{alert.ID},
		AlertLevel:         severity,
		Status:             status,
		ActionConfig:       config,
		ActionConfigID:     rel.configID,
		ActionPluginType:   pluginType,
		Assignee:           alert.Assignee,
		Inputs:             inputs,
		ExecuteTimes:       req.ExecuteTimes + 1,
		GenerateUUID:       uuid,
		StrategyRelationID: rel.relationID,
		NeedPoll:           needPoll,
		Dimensions:         alert.Dimensions,
		DimensionHash:      req.DimensionHash,
		CreateTime:         now,
		UpdateTime:         now,
	}
}

// resolveConfig 动作配置快照：关联内冻结的优先，其次读配置缓存
func (c *Creator) resolveConfig(ctx context.Context, rel relation) *models.ActionConfig {
	if rel.config != nil {
		return rel.config
	}
	if c.configs == nil || rel.configID == 0 {
		return nil
	}
	config, err := c.configs.Get(ctx, rel.configID)
	if err != nil {
		c.logger.Warn("action config lookup failed",
			zap.Int64("config_id", rel.configID), zap.Error(err))
		return nil
	}
	return config
}

// persistAlerts 回写处理状态与流水日志
func (c *Creator) persistAlerts(ctx context.Context, alerts []*models.Alert, now int64) error {
	var touched []*models.Alert
	var logs []models.AlertLog
	for _, alert := range alerts {
		if !alert.RefreshDB {
			continue
		}
		alert.UpdateTime = now
		touched = append(touched, alert)
		logs = append(logs, alert.Logs...)
		alert.Logs = nil
	}
	if len(touched) == 0 {
		return nil
	}
	if err := c.alerts.BulkUpsert(ctx, touched); err != nil {
		return fmt.Errorf("failed to update handled alerts: %w", err)
	}
	if err := c.alertLogs.BulkCreate(ctx, logs); err != nil {
		c.logger.Error("alert log write failed", zap.Error(err))
	}
	return nil
}

// isAlertStatusValid 告警状态与信号是否自洽。
// ack 要求告警尚未确认，incident 始终放行。
func isAlertStatusValid(alert *models.Alert, signal string) bool {
	switch signal {
	case models.SignalAck:
		return !alert.IsAck
	case models.SignalIncident, models.SignalExecute, models.SignalManual:
		return true
	case models.SignalRecovered:
		return alert.Status == models.StatusRecovered
	case models.SignalClosed:
		return alert.Status == models.StatusClosed
	default:
		// 异常类信号要求告警仍在异常中
		return alert.Status == models.StatusAbnormal
	}
}

func signalIn(signal string, signals []string) bool {
	for _, s := range signals {
		if s == signal {
			return true
		}
	}
	return false
}

// generateUUID 同一轮创建的动作共享的分组标识
func generateUUID(req CreateRequest, relationID int64) string {
	raw := fmt.Sprintf("%d:%s:%d:%d:%s",
		req.StrategyID, req.Signal, relationID, req.ExecuteTimes, strings.Join(req.AlertIDs, ","))
	sum := md5.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])[:16]
}
