package duty

import (
	"time"

	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// ============================================
// 排班计算：把值班规则在给定时间范围内展开为计划序列。
// 固定值班每个安排一份计划；交接值班按交接边界切分周期，
// 周期间轮转用户组。
// ============================================

// Planner 单条规则在 [begin, begin+days) 范围内的排班计算器
type Planner struct {
	rule   *models.DutyRule
	begin  time.Time
	end    time.Time
	logger *zap.Logger

	// 轮转游标：起始下标由调用方从快照带入，计算后读回
	userIndex int
}

// NewPlanner 创建排班计算器。beginTime 为展开起点（秒），days 为展开天数，
// lastUserIndex 为上一轮排班结束时的用户组游标。
func NewPlanner(rule *models.DutyRule, beginTime int64, days int, lastUserIndex int, logger *zap.Logger) *Planner {
	begin := dayOf(beginTime)
	end := begin.AddDate(0, 0, days)
	if rule.EndTime > 0 {
		ruleEnd := dayOf(rule.EndTime)
		// 规则截止落在日界上时前一天为最后一天
		if rule.EndTime > ruleEnd.Unix() {
			ruleEnd = ruleEnd.AddDate(0, 0, 1)
		}
		if ruleEnd.Before(end) {
			end = ruleEnd
		}
	}
	return &Planner{
		rule:      rule,
		begin:     begin,
		end:       end,
		userIndex: lastUserIndex,
		logger:    logger,
	}
}

// NextUserIndex 计算结束后的轮转游标，写回快照供下一轮续排
func (p *Planner) NextUserIndex() int {
	return p.userIndex
}

// NextBeginTime 下一轮展开的起点
func (p *Planner) NextBeginTime() int64 {
	return p.end.Unix()
}

// Plans 展开规则得到计划序列
func (p *Planner) Plans() []*models.DutyPlan {
	if !p.rule.Enabled || !p.begin.Before(p.end) {
		return nil
	}
	if p.rule.Category == models.DutyCategoryRegular {
		return p.regularPlans()
	}
	var plans []*models.DutyPlan
	for order := range p.rule.DutyArranges {
		plans = append(plans, p.handoffPlans(&p.rule.DutyArranges[order], order)...)
	}
	return plans
}

// regularPlans 固定值班：不轮转，每个安排产出一份覆盖全部窗口的计划
func (p *Planner) regularPlans() []*models.DutyPlan {
	var plans []*models.DutyPlan
	for order := range p.rule.DutyArranges {
		arrange := &p.rule.DutyArranges[order]
		var windows []models.WorkTimeRange
		for i := range arrange.DutyTime {
			dt := &arrange.DutyTime[i]
			for _, day := range p.validDays(dt) {
				windows = append(windows, dayWindows(dt, day)...)
			}
		}
		if len(windows) == 0 || len(arrange.DutyUsers) == 0 {
			continue
		}
		plans = append(plans, p.newPlan(arrange.DutyUsers[0], order, order, windows))
	}
	return plans
}

// dayEntry 一条待排班的日期及其窗口配置
type dayEntry struct {
	day time.Time
	dt  *models.DutyTime
}

// handoffPlans 交接值班：把安排内的窗口切分为周期，每个周期消费下一个用户组
func (p *Planner) handoffPlans(arrange *models.DutyArrange, order int) []*models.DutyPlan {
	chunks := p.periodChunks(arrange)

	var plans []*models.DutyPlan
	for _, chunk := range chunks {
		currentIndex := p.userIndex
		users := p.nextGroupUsers(arrange)
		var windows []models.WorkTimeRange
		for _, entry := range chunk {
			windows = append(windows, dayWindows(entry.dt, entry.day)...)
		}
		if len(windows) == 0 {
			continue
		}
		plans = append(plans, p.newPlan(users, order, currentIndex, windows))
	}
	return plans
}

// periodChunks 把安排的全部窗口切成轮转周期。
// 配置了 period_settings 时按天数均分；否则按交接日切分后跨窗口逐列打平。
func (p *Planner) periodChunks(arrange *models.DutyArrange) [][]dayEntry {
	for i := range arrange.DutyTime {
		dt := &arrange.DutyTime[i]
		ps := dt.PeriodSettings
		if ps == nil || ps.Duration <= 0 {
			continue
		}
		// 自动按天数轮转时各窗口不再独立交接
		days := p.validDays(dt)
		var chunks [][]dayEntry
		for start := 0; start < len(days); start += ps.Duration {
			end := start + ps.Duration
			if end > len(days) {
				end = len(days)
			}
			chunk := make([]dayEntry, 0, end-start)
			for _, day := range days[start:end] {
				chunk = append(chunk, dayEntry{day: day, dt: dt})
			}
			chunks = append(chunks, chunk)
		}
		return chunks
	}

	var columns [][][]dayEntry
	for i := range arrange.DutyTime {
		dt := &arrange.DutyTime[i]
		var periods [][]dayEntry
		for _, period := range p.rotationPeriods(dt) {
			entries := make([]dayEntry, 0, len(period))
			for _, day := range period {
				entries = append(entries, dayEntry{day: day, dt: dt})
			}
			periods = append(periods, entries)
		}
		columns = append(columns, periods)
	}
	return flattenPeriods(columns)
}

// validDays 窗口在展开范围内的有效日期
func (p *Planner) validDays(dt *models.DutyTime) []time.Time {
	workDays := workDaysOf(dt)
	var days []time.Time
	for day := p.begin; day.Before(p.end); day = day.AddDate(0, 0, 1) {
		if validDay(dt, day, workDays) {
			days = append(days, day)
		}
	}
	return days
}

// rotationPeriods 按交接日把有效日期切分为周期。
// 交接日当天独立成一个周期：交出班次的组值完交接日，
// 接班组从次日值到下一个交接日之前。每日轮转时每天自成周期。
func (p *Planner) rotationPeriods(dt *models.DutyTime) [][]time.Time {
	workDays := workDaysOf(dt)
	handoffDay := 0
	if dt.HandoffTime != nil && dt.HandoffTime.Date > 0 {
		handoffDay = dt.HandoffTime.Date
	} else if len(workDays) > 0 {
		handoffDay = workDays[0]
	}

	var periods [][]time.Time
	var current []time.Time
	flush := func() {
		if len(current) > 0 {
			periods = append(periods, current)
			current = nil
		}
	}
	for day := p.begin; day.Before(p.end); day = day.AddDate(0, 0, 1) {
		boundary := p.isHandoffDay(dt.WorkType, handoffDay, day)
		if boundary {
			flush()
		}
		if validDay(dt, day, workDays) {
			current = append(current, day)
		}
		if boundary {
			flush()
		}
	}
	flush()
	return periods
}

func (p *Planner) isHandoffDay(workType string, handoffDay int, day time.Time) bool {
	switch workType {
	case models.DutyWorkTypeDaily:
		return true
	case models.DutyWorkTypeWeekly:
		return handoffDay > 0 && isoWeekday(day) == handoffDay
	case models.DutyWorkTypeMonthly:
		return handoffDay > 0 && matchMonthDay(handoffDay, day)
	}
	// date_range 没有交接日概念，整段作为一个周期
	return false
}

// flattenPeriods 多个窗口的周期按列交错打平，保证同一轮次的窗口相邻
func flattenPeriods(columns [][][]dayEntry) [][]dayEntry {
	maxLen := 0
	for _, periods := range columns {
		if len(periods) > maxLen {
			maxLen = len(periods)
		}
	}
	var flat [][]dayEntry
	for col := 0; col < maxLen; col++ {
		for _, periods := range columns {
			if len(periods) <= col {
				break
			}
			flat = append(flat, periods[col])
		}
	}
	return flat
}

// nextGroupUsers 取当前游标对应的用户组并推进游标。
// specified 按组矩阵逐组轮转；auto 在扁平名单上按 GroupNumber 切片，
// 走到末尾时回绕并从头部补齐人数。
func (p *Planner) nextGroupUsers(arrange *models.DutyArrange) []string {
	if arrange.GroupType == models.DutyGroupAuto {
		return p.nextAutoUsers(arrange)
	}
	groups := arrange.DutyUsers
	if len(groups) == 0 {
		return nil
	}
	if p.userIndex >= len(groups) {
		p.userIndex = 0
	}
	users := groups[p.userIndex]
	p.userIndex++
	if p.userIndex >= len(groups) {
		p.userIndex = 0
	}
	return users
}

func (p *Planner) nextAutoUsers(arrange *models.DutyArrange) []string {
	if len(arrange.DutyUsers) == 0 {
		return nil
	}
	flat := arrange.DutyUsers[0]
	size := arrange.GroupNumber
	if size <= 0 || len(flat) < size || len(flat) <= p.userIndex {
		p.userIndex = 0
		return flat
	}
	next := p.userIndex + size
	var users []string
	if next <= len(flat) {
		users = append(users, flat[p.userIndex:next]...)
	} else {
		users = append(users, flat[p.userIndex:]...)
	}
	if next >= len(flat) {
		// 末组人数不足时从头部补齐
		fill := size - len(users)
		users = append(users, flat[:fill]...)
		next = fill
	}
	p.userIndex = next
	return users
}

func (p *Planner) newPlan(users []string, order, userIndex int, windows []models.WorkTimeRange) *models.DutyPlan {
	start := windows[0].Start
	for _, w := range windows {
		if w.Start < start {
			start = w.Start
		}
	}
	return &models.DutyPlan{
		DutyRuleID:  p.rule.ID,
		StartTime:   start,
		Users:       users,
		WorkTimes:   windows,
		IsEffective: true,
		Order:       order,
		UserIndex:   userIndex,
	}
}
