package models

import (
	"fmt"
	"strconv"
	"strings"
)

// MinDuration 告警持续时长下限（秒）
const MinDuration = 60

// Alert 告警聚合对象：同一指纹的事件收敛后的长生命周期实体
type Alert struct {
	ID        string `json:"id"`     // 延迟分配：首次持久化前为空
	SeqID     int64  `json:"seq_id"` // ID 的数字序列后缀
	DedupeMD5 string `json:"dedupe_md5"`

	StrategyID int64  `json:"strategy_id"`
	BkBizID    int64  `json:"bk_biz_id"`
	AlertName  string `json:"alert_name"`
	Severity   int    `json:"severity"`
	Status     string `json:"status"`

	BeginTime        int64 `json:"begin_time"`
	FirstAnomalyTime int64 `json:"first_anomaly_time"`
	LatestTime       int64 `json:"latest_time"`
	EndTime          int64 `json:"end_time,omitempty"` // 0 表示未结束
	CreateTime       int64 `json:"create_time"`
	UpdateTime       int64 `json:"update_time"`

	// 延迟流转契约：若无新事件到达，则在 NextStatusTime 时刻流转到 NextStatus
	NextStatus     string `json:"next_status,omitempty"`
	NextStatusTime int64  `json:"next_status_time,omitempty"`

	IsBlocked  bool    `json:"is_blocked"`  // QoS 流控
	IsShielded bool    `json:"is_shielded"` // 屏蔽
	IsAck      bool    `json:"is_ack"`
	IsHandled  bool    `json:"is_handled"`
	ShieldIDs  []int64 `json:"shield_id,omitempty"`

	Event      *Event     `json:"event,omitempty"` // 当前代表事件
	Dimensions []EventTag `json:"dimensions,omitempty"`
	Labels     []string   `json:"labels,omitempty"`
	AssignTags []EventTag `json:"assign_tags,omitempty"`

	Assignee   []string `json:"assignee,omitempty"`
	Appointee  []string `json:"appointee,omitempty"`
	Supervisor []string `json:"supervisor,omitempty"`
	Follower   []string `json:"follower,omitempty"`

	ExtraInfo *ExtraInfo `json:"extra_info,omitempty"`

	// 本处理周期内产生的流水日志，单独落库，不随快照序列化
	Logs []AlertLog `json:"-"`
	// 本周期内是否需要回写文档存储并向下游发信号
	RefreshDB bool `json:"-"`
	// 本周期内是否为新建告警
	IsNew bool `json:"-"`
}

// ExtraInfo 告警附属信息
type ExtraInfo struct {
	OriginAlarm       map[string]interface{}         `json:"origin_alarm,omitempty"`
	Strategy          *Strategy                      `json:"strategy,omitempty"` // 策略快照（按值冻结）
	SeveritySource    string                         `json:"severity_source,omitempty"`
	CycleHandleRecord map[string]*CycleHandleRecord  `json:"cycle_handle_record,omitempty"`
	MatchedRuleGroup  string                         `json:"matched_rule_info,omitempty"`
}

// CycleHandleRecord 周期通知处理记录，键为动作关联 ID
type CycleHandleRecord struct {
	LastTime          int64 `json:"last_time"`
	ExecuteTimes      int   `json:"execute_times"`
	LatestAnomalyTime int64 `json:"latest_anomaly_time"`
	IsShielded        bool  `json:"is_shielded"`
}

// AlertLog 告警流水日志
type AlertLog struct {
	OpType         string `json:"op_type"`
	AlertID        string `json:"alert_id"`
	EventID        string `json:"event_id,omitempty"`
	Description    string `json:"description,omitempty"`
	Severity       int    `json:"severity,omitempty"`
	NextStatus     string `json:"next_status,omitempty"`
	NextStatusTime int64  `json:"next_status_time,omitempty"`
	Time           int64  `json:"time"`
	CreateTime     int64  `json:"create_time"`
}

// AlertKey 告警定位键，在信号总线上传递
type AlertKey struct {
	ID         string
	StrategyID int64
}

func (k AlertKey) String() string {
	return fmt.Sprintf("%s|%d", k.ID, k.StrategyID)
}

// ParseAlertKey 解析 "id|strategy_id" 形式的告警键
func ParseAlertKey(s string) (AlertKey, error) {
	id, sid, ok := strings.Cut(s, "|")
	if !ok || id == "" {
		return AlertKey{}, fmt.Errorf("invalid alert key: %q", s)
	}
	strategyID, err := strconv.ParseInt(sid, 10, 64)
	if err != nil {
		return AlertKey{}, fmt.Errorf("invalid alert key: %q", s)
	}
	return AlertKey{ID: id, StrategyID: strategyID}, nil
}

// Key 返回告警定位键
func (a *Alert) Key() AlertKey {
	return AlertKey{ID: a.ID, StrategyID: a.StrategyID}
}

// Duration 告警持续时长（秒），下限 60 秒。
// 关联策略（composite）以当前时刻计算，普通策略以最近事件时间计算。
func (a *Alert) Duration(now int64) int64 {
	latest := a.LatestTime
	if s := a.Strategy(); s != nil && s.IsComposite {
		latest = now
	}
	d := latest - a.FirstAnomalyTime
	if d < MinDuration {
		return MinDuration
	}
	return d
}

// Strategy 返回附属的策略快照，可能为 nil
func (a *Alert) Strategy() *Strategy {
	if a.ExtraInfo == nil {
		return nil
	}
	return a.ExtraInfo.Strategy
}

// SeveritySource 返回级别来源，默认为事件来源
func (a *Alert) SeveritySource() string {
	if a.ExtraInfo == nil || a.ExtraInfo.SeveritySource == "" {
		return SeveritySourceEvent
	}
	return a.ExtraInfo.SeveritySource
}

// TopEventID 当前代表事件 ID
func (a *Alert) TopEventID() string {
	if a.Event == nil {
		return ""
	}
	return a.Event.EventID
}

// AppendLog 追加一条流水日志，时间字段由调用方给定
func (a *Alert) AppendLog(log AlertLog) {
	log.AlertID = a.ID
	a.Logs = append(a.Logs, log)
}

// HandleRecord 读取指定关联的周期处理记录，不存在返回 nil
func (a *Alert) HandleRecord(relationID int64) *CycleHandleRecord {
	if a.ExtraInfo == nil || a.ExtraInfo.CycleHandleRecord == nil {
		return nil
	}
	return a.ExtraInfo.CycleHandleRecord[strconv.FormatInt(relationID, 10)]
}

// SetHandleRecord 写入周期处理记录
func (a *Alert) SetHandleRecord(relationID int64, record *CycleHandleRecord) {
	if a.ExtraInfo == nil {
		a.ExtraInfo = &ExtraInfo{}
	}
	if a.ExtraInfo.CycleHandleRecord == nil {
		a.ExtraInfo.CycleHandleRecord = make(map[string]*CycleHandleRecord)
	}
	a.ExtraInfo.CycleHandleRecord[strconv.FormatInt(relationID, 10)] = record
}
