package models

// 值班规则类别
const (
	DutyCategoryRegular = "regular" // 固定值班：不轮转，每个安排一份计划
	DutyCategoryHandoff = "handoff" // 交接值班：按交接边界在用户组间轮转
)

// 值班分组方式
const (
	DutyGroupSpecified = "specified" // 显式用户组矩阵
	DutyGroupAuto      = "auto"      // 扁平用户列表按 GroupNumber 自动分组
)

// 值班时间窗口类型
const (
	DutyWorkTypeDaily     = "daily"
	DutyWorkTypeWeekly    = "weekly"
	DutyWorkTypeMonthly   = "monthly"
	DutyWorkTypeDateRange = "date_range"
)

// 工作时间表示方式
const (
	DutyTimeRange     = "time_range"     // "HH:MM--HH:MM"，每个工作日内重复
	DutyDatetimeRange = "datetime_range" // "DD HH:MM--DD HH:MM"，周期内连续跨天区间
)

// DutyRule 值班规则配置
type DutyRule struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	BkBizID       int64         `json:"bk_biz_id"`
	Enabled       bool          `json:"enabled"`
	Category      string        `json:"category"` // regular / handoff
	EffectiveTime int64         `json:"effective_time"`
	EndTime       int64         `json:"end_time,omitempty"` // 0 表示长期有效
	DutyArranges  []DutyArrange `json:"duty_arranges"`
}

// DutyArrange 一条值班安排：时间窗口 + 用户分组
type DutyArrange struct {
	DutyTime    []DutyTime `json:"duty_time"`
	DutyUsers   [][]string `json:"duty_users"`             // 用户组矩阵；auto 分组时仅首行有效
	GroupType   string     `json:"group_type"`             // specified / auto
	GroupNumber int        `json:"group_number,omitempty"` // auto 分组时每组人数
}

// DutyTime 值班时间窗口
type DutyTime struct {
	WorkType      string          `json:"work_type"` // daily / weekly / monthly / date_range
	WorkDays      []int           `json:"work_days,omitempty"`
	WorkDateRange []string        `json:"work_date_range,omitempty"` // "YYYY-MM-DD--YYYY-MM-DD"
	WorkTime      []string        `json:"work_time"`
	WorkTimeType  string          `json:"work_time_type,omitempty"` // 默认 time_range
	PeriodSettings *PeriodSettings `json:"period_settings,omitempty"`
	// 轮值交接日：仅 handoff 规则使用，为空时取 WorkDays[0]
	HandoffTime *HandoffTime `json:"handoff_time,omitempty"`
}

// PeriodSettings 自定义轮转周期
type PeriodSettings struct {
	WindowUnit string `json:"window_unit"` // day / hour
	Duration   int    `json:"duration"`
}

// HandoffTime 显式交接时间
type HandoffTime struct {
	Date int    `json:"date,omitempty"`
	Time string `json:"time,omitempty"`
}

// WorkTimeRange 具体的值班起止时刻（UTC 秒）
type WorkTimeRange struct {
	Start int64 `json:"start_time"`
	End   int64 `json:"end_time"`
}

// DutyPlan 物化后的值班计划
type DutyPlan struct {
	ID           int64           `json:"id"`
	DutyRuleID   int64           `json:"duty_rule_id"`
	UserGroupID  int64           `json:"user_group_id"`
	StartTime    int64           `json:"start_time"`
	FinishedTime int64           `json:"finished_time,omitempty"` // 0 表示未结束
	Users        []string        `json:"users"`
	WorkTimes    []WorkTimeRange `json:"work_times"`
	IsEffective  bool            `json:"is_effective"`
	Order        int             `json:"order"`
	UserIndex    int             `json:"user_index"`
}

// Active 判断计划在 now 时刻是否有某个值班窗口命中
func (p *DutyPlan) Active(now int64) bool {
	if !p.IsEffective {
		return false
	}
	if p.FinishedTime > 0 && now >= p.FinishedTime {
		return false
	}
	for _, w := range p.WorkTimes {
		if now >= w.Start && now < w.End {
			return true
		}
	}
	return false
}

// DutyRuleSnap 值班规则快照：规则编辑后冻结旧版本，保证轮转连续
type DutyRuleSnap struct {
	ID                 int64     `json:"id"`
	DutyRuleID         int64     `json:"duty_rule_id"`
	UserGroupID        int64     `json:"user_group_id"`
	Enabled            bool      `json:"enabled"`
	NextPlanTime       int64     `json:"next_plan_time"`
	NextUserIndex      int       `json:"next_user_index"`
	FirstEffectiveTime int64     `json:"first_effective_time"`
	EndTime            int64     `json:"end_time,omitempty"`
	RuleSnap           *DutyRule `json:"rule_snap"`
	RuleHash           string    `json:"rule_hash"`
}
