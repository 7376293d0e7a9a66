package models

// Strategy 策略配置快照。告警创建时按值冻结到 extra_info，
// 后续处理读取快照而非实时配置。
type Strategy struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name"`
	BkBizID       int64            `json:"bk_biz_id"`
	Scenario      string           `json:"scenario,omitempty"`
	IsComposite   bool             `json:"is_composite,omitempty"` // 关联策略：输入为其他策略产生的告警
	Labels        []string         `json:"labels,omitempty"`
	AggDimensions []string         `json:"agg_dimensions,omitempty"`
	Actions       []ActionRelation `json:"actions,omitempty"`
	Notice        *NoticeRelation  `json:"notice,omitempty"`
}

// ActionRelation 策略与动作配置的关联
type ActionRelation struct {
	RelationID   int64           `json:"id"`
	ConfigID     int64           `json:"config_id"`
	Signal       []string        `json:"signal"` // 触发该动作的信号列表
	Options      RelationOptions `json:"options"`
	ActionConfig *ActionConfig   `json:"config,omitempty"` // 冻结的动作配置
	UserGroups   []int64         `json:"user_groups,omitempty"`
}

// NoticeRelation 内置通知动作的关联，固定 RelationID = 0
type NoticeRelation struct {
	ConfigID   int64           `json:"config_id"`
	Signal     []string        `json:"signal"`
	UserGroups []int64         `json:"user_groups"`
	Options    RelationOptions `json:"options"`
	Config     NoticeConfig    `json:"config"`
}

// RelationOptions 动作关联选项
type RelationOptions struct {
	// 告警产生超过该秒数后不再执行此动作，0 表示不限制
	SkipDelay int64 `json:"skip_delay,omitempty"`
	// 周期通知失效的检测结果窗口（秒）
	EndTimeOffset int64 `json:"end_time_offset,omitempty"`
	// 汇聚配置：是否参与降噪
	NoiseReduce bool `json:"noise_reduce,omitempty"`
	// 通知方式排除列表
	ExcludeNoticeWays []string `json:"exclude_notice_ways,omitempty"`
}

// NoticeConfig 通知配置
type NoticeConfig struct {
	// 通知间隔（秒）
	NotifyInterval int64 `json:"notify_interval"`
	// standard 固定间隔 / increasing 按 2 的幂递增
	IntervalNotifyMode string `json:"interval_notify_mode"`
	// 是否周期通知
	NeedPoll bool `json:"need_poll"`
}

// 间隔通知模式
const (
	IntervalModeStandard   = "standard"
	IntervalModeIncreasing = "increasing"
)

// ActionConfig 动作配置（插件化）
type ActionConfig struct {
	ID            int64                  `json:"id"`
	Name          string                 `json:"name"`
	PluginType    string                 `json:"plugin_type"`
	BkBizID       int64                  `json:"bk_biz_id"`
	ExecuteConfig map[string]interface{} `json:"execute_config,omitempty"`
}

// UserGroup 告警组：承载通知接收人与值班规则
type UserGroup struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	BkBizID   int64    `json:"bk_biz_id"`
	NeedDuty  bool     `json:"need_duty"` // true 时通过值班计划取人
	Users     []string `json:"users,omitempty"`
	Followers []string `json:"followers,omitempty"`
	DutyRules []int64  `json:"duty_rules,omitempty"`
}
