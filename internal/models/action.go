package models

// ActionInstance 动作实例：一次通知或回调交付尝试
type ActionInstance struct {
	ID                 int64                  `json:"id"`
	Signal             string                 `json:"signal"`
	StrategyID         int64                  `json:"strategy_id"`
	AlertIDs           []string               `json:"alerts"`
	AlertLevel         int                    `json:"alert_level"`
	Status             string                 `json:"status"`
	ActionConfig       *ActionConfig          `json:"action_config,omitempty"` // 配置快照
	ActionConfigID     int64                  `json:"action_config_id"`
	ActionPluginType   string                 `json:"action_plugin_type"`
	Assignee           []string               `json:"assignee,omitempty"`
	Inputs             ActionInputs           `json:"inputs"`
	ExecuteTimes       int                    `json:"execute_times"`
	GenerateUUID       string                 `json:"generate_uuid"`
	StrategyRelationID int64                  `json:"strategy_relation_id"`
	IsParentAction     bool                   `json:"is_parent_action"`
	ParentActionID     int64                  `json:"parent_action_id,omitempty"`
	NeedPoll           bool                   `json:"need_poll"`
	IsPolled           bool                   `json:"is_polled"`
	Dimensions         []EventTag             `json:"dimensions,omitempty"`
	DimensionHash      string                 `json:"dimension_hash,omitempty"`
	EndTime            int64                  `json:"end_time,omitempty"`
	CreateTime         int64                  `json:"create_time"`
	UpdateTime         int64                  `json:"update_time"`
	ExecuteConfig      map[string]interface{} `json:"execute_config,omitempty"`
}

// ActionInputs 动作输入：随实例传递给执行端
type ActionInputs struct {
	// 生成动作时告警的最近事件时间，周期通知据此判断告警是否仍有新事件
	AlertLatestTime int64 `json:"alert_latest_time,omitempty"`
	// 动作产生时告警是否处于屏蔽状态
	IsAlertShielded bool `json:"is_alert_shielded,omitempty"`
	// 需要排除的通知方式
	ExcludeNoticeWays []string `json:"exclude_notice_ways,omitempty"`
	// 屏蔽时段描述
	TimeRange string `json:"time_range,omitempty"`
	// 通知类型：normal / unshielded / upgrade
	NoticeType string `json:"notice_type,omitempty"`
	// 关注人列表（与处理人分开通知）
	Followers []string `json:"followers,omitempty"`
	// 升级通知的知会人
	Supervisors []string `json:"supervisors,omitempty"`
}

// 通知类型
const (
	NoticeTypeNormal     = "normal"
	NoticeTypeUnshielded = "unshielded"
	NoticeTypeUpgrade    = "upgrade"
)
