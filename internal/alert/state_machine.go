package alert

import (
	"encoding/json"
	"fmt"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// Options 状态机参数
type Options struct {
	// 自动关闭窗口（秒）：latest_time 之后无新事件则自动关闭
	CloseWindow int64
	// 延迟恢复窗口（秒）：0 表示收到恢复事件立即恢复
	RecoverWindow int64
}

// DefaultCloseWindow 默认自动关闭窗口
const DefaultCloseWindow = 3600

func (o Options) closeWindow() int64 {
	if o.CloseWindow <= 0 {
		return DefaultCloseWindow
	}
	return o.CloseWindow
}

// NewFromEvent 由首个异常事件创建告警。
// 调用方保证 event.Status == ABNORMAL 且 dedupeMD5 已计算。
func NewFromEvent(event *models.Event, dedupeMD5 string, now int64, opts Options) *models.Alert {
	anomalyTime := event.AnomalyTime
	if anomalyTime <= 0 {
		anomalyTime = event.Time
	}

	alert := &models.Alert{
		DedupeMD5:        dedupeMD5,
		StrategyID:       event.StrategyID,
		BkBizID:          event.BkBizID,
		AlertName:        event.AlertName,
		Severity:         event.Severity,
		Status:           models.StatusAbnormal,
		BeginTime:        event.Time,
		FirstAnomalyTime: anomalyTime,
		LatestTime:       event.Time,
		CreateTime:       now,
		UpdateTime:       now,
		Event:            event,
		Dimensions:       event.Dimensions(),
		ExtraInfo:        &models.ExtraInfo{SeveritySource: models.SeveritySourceEvent},
		RefreshDB:        true,
		IsNew:            true,
	}

	initSeverity(alert, event)

	// 创建即挂上自动关闭的延迟流转
	SetNextStatus(alert, models.StatusClosed, alert.LatestTime+opts.closeWindow())

	alert.AppendLog(models.AlertLog{
		OpType:      models.OpCreate,
		EventID:     event.EventID,
		Description: event.Description,
		Severity:    alert.Severity,
		Time:        event.Time,
		CreateTime:  now,
	})
	return alert
}

// initSeverity 事件来源方可在原始告警数据中携带级别覆盖，解析失败静默回退
func initSeverity(alert *models.Alert, event *models.Event) {
	if len(event.OriginAlarm) == 0 {
		return
	}
	var origin map[string]interface{}
	if err := json.Unmarshal(event.OriginAlarm, &origin); err != nil {
		return
	}
	alert.ExtraInfo.OriginAlarm = origin
	if level, ok := origin["alert_level"].(float64); ok {
		severity := int(level)
		if severity >= models.SeverityFatal && severity <= models.SeverityRemind {
			alert.Severity = severity
		}
	}
}

// Apply 将新事件合并进存活告警。
// 调用方保证告警未终结（终结告警的事件在 builder 中被过期守卫丢弃）。
func Apply(alert *models.Alert, event *models.Event, now int64, opts Options) {
	alert.RefreshDB = true
	alert.UpdateTime = now

	anomalyTime := event.AnomalyTime
	if anomalyTime <= 0 {
		anomalyTime = event.Time
	}
	if anomalyTime < alert.FirstAnomalyTime {
		alert.FirstAnomalyTime = anomalyTime
	}

	switch event.Status {
	case models.StatusRecovered:
		// 恢复/关闭事件同样推进最近事件时间
		if event.Time > alert.LatestTime {
			alert.LatestTime = event.Time
		}
		applyRecovered(alert, event, now, opts)
	case models.StatusClosed:
		if event.Time > alert.LatestTime {
			alert.LatestTime = event.Time
		}
		setEndStatus(alert, models.StatusClosed, models.OpClose, "收到关闭事件，告警关闭", event.EventID, event.Time, now)
	default:
		applyAbnormal(alert, event, now, opts)
	}
}

func applyAbnormal(alert *models.Alert, event *models.Event, now int64, opts Options) {
	// 级别升级：更严重的事件无视事件时间，提升告警级别并替换代表事件。
	// 分派规则指定的级别不随事件升级。
	if event.Severity < alert.Severity && alert.SeveritySource() != models.SeveritySourceByRule {
		alert.AppendLog(models.AlertLog{
			OpType:      models.OpSeverityUp,
			EventID:     event.EventID,
			Description: fmt.Sprintf("告警级别由 %d 提升至 %d", alert.Severity, event.Severity),
			Severity:    event.Severity,
			Time:        event.Time,
			CreateTime:  now,
		})
		alert.Severity = event.Severity
		alert.Event = event
	}

	// 比 begin_time 还早的事件只用于最小化起始时间
	if event.Time < alert.BeginTime {
		alert.BeginTime = event.Time
		alert.AppendLog(models.AlertLog{
			OpType:      models.OpConverge,
			EventID:     event.EventID,
			Description: "收到更早的异常事件，告警开始时间提前",
			Time:        event.Time,
			CreateTime:  now,
		})
		return
	}

	// 乱序到达的旧事件仅收敛
	if event.Time <= alert.LatestTime {
		alert.AppendLog(models.AlertLog{
			OpType:      models.OpConverge,
			EventID:     event.EventID,
			Description: "收到重复异常事件，收敛处理",
			Time:        event.Time,
			CreateTime:  now,
		})
		return
	}

	alert.LatestTime = event.Time

	// 同级别的新事件接替代表事件，保持描述与原始数据为最新
	if event.Severity == alert.Severity {
		alert.Event = event
	}

	// 延迟恢复等待期间收到新异常，中断恢复
	if alert.NextStatus == models.StatusRecovered {
		clearNextStatus(alert)
		alert.AppendLog(models.AlertLog{
			OpType:      models.OpAbortRecover,
			EventID:     event.EventID,
			Description: "恢复确认期间收到新的异常事件，中断恢复",
			Time:        event.Time,
			CreateTime:  now,
		})
	}

	// 新事件顺延自动关闭时刻
	SetNextStatus(alert, models.StatusClosed, alert.LatestTime+opts.closeWindow())

	alert.AppendLog(models.AlertLog{
		OpType:      models.OpConverge,
		EventID:     event.EventID,
		Description: "收到新的异常事件，收敛处理",
		Time:        event.Time,
		CreateTime:  now,
	})
}

func applyRecovered(alert *models.Alert, event *models.Event, now int64, opts Options) {
	if opts.RecoverWindow > 0 {
		// 延迟恢复：保持异常状态，窗口内无新异常事件才真正恢复
		SetNextStatus(alert, models.StatusRecovered, now+opts.RecoverWindow)
		alert.AppendLog(models.AlertLog{
			OpType:         models.OpDelayRecover,
			EventID:        event.EventID,
			Description:    fmt.Sprintf("收到恢复事件，%d 秒后确认恢复", opts.RecoverWindow),
			NextStatus:     models.StatusRecovered,
			NextStatusTime: alert.NextStatusTime,
			Time:           event.Time,
			CreateTime:     now,
		})
		return
	}
	setEndStatus(alert, models.StatusRecovered, models.OpRecover, "收到恢复事件，告警恢复", event.EventID, event.Time, now)
}

// SetNextStatus 挂上延迟流转契约：若无后续事件，at 时刻流转到 status
func SetNextStatus(alert *models.Alert, status string, at int64) {
	alert.NextStatus = status
	alert.NextStatusTime = at
}

func clearNextStatus(alert *models.Alert) {
	alert.NextStatus = ""
	alert.NextStatusTime = 0
}

// MoveToNextStatus 延迟流转的一次性推进器：到期则执行流转并返回 true。
// 已确认（ack）的告警不做自动流转。幂等：流转后契约即被清除。
func MoveToNextStatus(alert *models.Alert, now int64) bool {
	if alert.NextStatus == "" || alert.NextStatusTime <= 0 {
		return false
	}
	if models.IsTerminalStatus(alert.Status) || alert.IsAck {
		return false
	}
	if now < alert.NextStatusTime {
		return false
	}

	switch alert.NextStatus {
	case models.StatusRecovered:
		setEndStatus(alert, models.StatusRecovered, models.OpSystemRecover,
			"恢复确认窗口内无新事件，系统自动恢复", "", now, now)
	case models.StatusClosed:
		setEndStatus(alert, models.StatusClosed, models.OpSystemClose,
			"长时间无新事件，系统自动关闭", "", now, now)
	default:
		clearNextStatus(alert)
		return false
	}
	return true
}

// Ack 确认告警
func Ack(alert *models.Alert, operator string, now int64) {
	if alert.IsAck {
		return
	}
	alert.IsAck = true
	alert.RefreshDB = true
	alert.UpdateTime = now
	alert.AppendLog(models.AlertLog{
		OpType:      models.OpAck,
		Description: fmt.Sprintf("告警已被 %s 确认", operator),
		Time:        now,
		CreateTime:  now,
	})
}

// setEndStatus 终结告警：写终态与 end_time，并清除延迟流转
func setEndStatus(alert *models.Alert, status, opType, description, eventID string, endTime, now int64) {
	alert.Status = status
	alert.EndTime = endTime
	if alert.EndTime < alert.LatestTime {
		alert.EndTime = alert.LatestTime
	}
	clearNextStatus(alert)
	alert.RefreshDB = true
	alert.UpdateTime = now
	alert.AppendLog(models.AlertLog{
		OpType:      opType,
		EventID:     eventID,
		Description: description,
		Time:        endTime,
		CreateTime:  now,
	})
}
