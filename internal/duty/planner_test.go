package duty

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// 2023-10-23 00:00 UTC，周一
const mondayBegin = int64(1698019200)

func weekdayRule(category string, groups [][]string) *models.DutyRule {
	return &models.DutyRule{
		ID:            1,
		Name:          "工作日值班",
		Enabled:       true,
		Category:      category,
		EffectiveTime: mondayBegin,
		DutyArranges: []models.DutyArrange{{
			GroupType: models.DutyGroupSpecified,
			DutyUsers: groups,
			DutyTime: []models.DutyTime{{
				WorkType: models.DutyWorkTypeWeekly,
				WorkDays: []int{1, 2, 3, 4, 5},
				WorkTime: []string{"00:00--23:59"},
			}},
		}},
	}
}

func TestPlans_RegularWeekly(t *testing.T) {
	rule := weekdayRule(models.DutyCategoryRegular, [][]string{{"zhangsan", "lisi"}})
	planner := NewPlanner(rule, mondayBegin, 7, 0, zap.NewNop())

	plans := planner.Plans()
	require.Len(t, plans, 1)
	// 一周恰好 5 个工作日窗口
	assert.Len(t, plans[0].WorkTimes, 5)
	assert.Equal(t, []string{"zhangsan", "lisi"}, plans[0].Users)
	assert.Equal(t, 0, plans[0].UserIndex)
	assert.Equal(t, mondayBegin, plans[0].StartTime)
}

func TestPlans_WeeklyHandoffRotation(t *testing.T) {
	rule := weekdayRule(models.DutyCategoryHandoff, [][]string{
		{"groupA"}, {"groupB"}, {"groupC"},
	})
	planner := NewPlanner(rule, mondayBegin, 14, 0, zap.NewNop())

	plans := planner.Plans()
	require.Len(t, plans, 4)

	var cursors []int
	for _, plan := range plans {
		cursors = append(cursors, plan.UserIndex)
	}
	assert.Equal(t, []int{0, 1, 2, 0}, cursors)

	// 首个计划只覆盖交接日（周一）当天
	require.Len(t, plans[0].WorkTimes, 1)
	assert.Equal(t, mondayBegin, plans[0].WorkTimes[0].Start)
	assert.Equal(t, []string{"groupA"}, plans[0].Users)

	// 交接后的剩余工作日为下一组
	assert.Len(t, plans[1].WorkTimes, 4)
	assert.Equal(t, mondayBegin+daySeconds, plans[1].WorkTimes[0].Start)
	assert.Equal(t, []string{"groupB"}, plans[1].Users)

	// 末个计划从次周开始，游标回绕到首组
	assert.Equal(t, []string{"groupA"}, plans[3].Users)
	assert.True(t, plans[3].StartTime >= mondayBegin+7*daySeconds)

	// 游标写回快照供续排
	assert.Equal(t, 1, planner.NextUserIndex())
}

func TestPlans_PeriodSettingsRotation(t *testing.T) {
	rule := &models.DutyRule{
		ID:            2,
		Enabled:       true,
		Category:      models.DutyCategoryHandoff,
		EffectiveTime: mondayBegin,
		DutyArranges: []models.DutyArrange{{
			GroupType: models.DutyGroupSpecified,
			DutyUsers: [][]string{{"groupA"}, {"groupB"}, {"groupC"}},
			DutyTime: []models.DutyTime{{
				WorkType:       models.DutyWorkTypeDaily,
				WorkTime:       []string{"09:00--18:00"},
				PeriodSettings: &models.PeriodSettings{WindowUnit: "day", Duration: 2},
			}},
		}},
	}
	planner := NewPlanner(rule, mondayBegin, 6, 0, zap.NewNop())

	plans := planner.Plans()
	require.Len(t, plans, 3)
	var cursors []int
	for _, plan := range plans {
		cursors = append(cursors, plan.UserIndex)
		assert.Len(t, plan.WorkTimes, 2)
	}
	assert.Equal(t, []int{0, 1, 2}, cursors)
	assert.Equal(t, []string{"groupB"}, plans[1].Users)
}

func TestPlans_DailyHandoffEachDay(t *testing.T) {
	rule := &models.DutyRule{
		ID:            3,
		Enabled:       true,
		Category:      models.DutyCategoryHandoff,
		EffectiveTime: mondayBegin,
		DutyArranges: []models.DutyArrange{{
			GroupType: models.DutyGroupSpecified,
			DutyUsers: [][]string{{"groupA"}, {"groupB"}},
			DutyTime: []models.DutyTime{{
				WorkType: models.DutyWorkTypeDaily,
				WorkTime: []string{"00:00--23:59"},
			}},
		}},
	}
	plans := NewPlanner(rule, mondayBegin, 4, 0, zap.NewNop()).Plans()

	require.Len(t, plans, 4)
	assert.Equal(t, []string{"groupA"}, plans[0].Users)
	assert.Equal(t, []string{"groupB"}, plans[1].Users)
	assert.Equal(t, []string{"groupA"}, plans[2].Users)
	assert.Equal(t, []string{"groupB"}, plans[3].Users)
}

func TestPlans_AutoGroupWrapFill(t *testing.T) {
	rule := &models.DutyRule{
		ID:            4,
		Enabled:       true,
		Category:      models.DutyCategoryHandoff,
		EffectiveTime: mondayBegin,
		DutyArranges: []models.DutyArrange{{
			GroupType:   models.DutyGroupAuto,
			GroupNumber: 2,
			DutyUsers:   [][]string{{"a", "b", "c", "d", "e"}},
			DutyTime: []models.DutyTime{{
				WorkType: models.DutyWorkTypeDaily,
				WorkTime: []string{"00:00--23:59"},
			}},
		}},
	}
	plans := NewPlanner(rule, mondayBegin, 3, 0, zap.NewNop()).Plans()

	require.Len(t, plans, 3)
	assert.Equal(t, []string{"a", "b"}, plans[0].Users)
	assert.Equal(t, []string{"c", "d"}, plans[1].Users)
	// 末组人数不足，从名单头部补齐
	assert.Equal(t, []string{"e", "a"}, plans[2].Users)
	assert.Equal(t, []int{0, 2, 4}, []int{plans[0].UserIndex, plans[1].UserIndex, plans[2].UserIndex})
}

func TestPlans_RuleEndTimeBoundsExpansion(t *testing.T) {
	rule := weekdayRule(models.DutyCategoryRegular, [][]string{{"zhangsan"}})
	// 截止在周三零点，周二为最后一天
	rule.EndTime = mondayBegin + 2*daySeconds

	plans := NewPlanner(rule, mondayBegin, 14, 0, zap.NewNop()).Plans()
	require.Len(t, plans, 1)
	assert.Len(t, plans[0].WorkTimes, 2)
}

func TestPlans_DisabledRuleYieldsNothing(t *testing.T) {
	rule := weekdayRule(models.DutyCategoryRegular, [][]string{{"zhangsan"}})
	rule.Enabled = false
	assert.Empty(t, NewPlanner(rule, mondayBegin, 7, 0, zap.NewNop()).Plans())
}

func TestTimeRangeWindows_CrossDay(t *testing.T) {
	day := dayOf(mondayBegin)
	windows := timeRangeWindows(day, []string{"22:00--06:00"})

	require.Len(t, windows, 1)
	assert.Equal(t, mondayBegin+22*3600, windows[0].Start)
	// 结束时刻顺延到次日
	assert.Equal(t, mondayBegin+daySeconds+6*3600, windows[0].End)
}

func TestDatetimeRangeWindows_Boundaries(t *testing.T) {
	// "04 10:00--03 23:00"：周四 10:00 起值到下周三 23:00
	span := []string{"04 10:00--03 23:00"}

	// 周四为首日，起点用配置时刻
	thursday := dayOf(mondayBegin + 3*daySeconds)
	windows := datetimeRangeWindows(thursday, span, models.DutyWorkTypeWeekly)
	require.Len(t, windows, 1)
	assert.Equal(t, thursday.Unix()+10*3600, windows[0].Start)
	assert.Equal(t, thursday.Unix()+23*3600+59*60, windows[0].End)

	// 周三为末日，终点用配置时刻
	wednesday := dayOf(mondayBegin + 2*daySeconds)
	windows = datetimeRangeWindows(wednesday, span, models.DutyWorkTypeWeekly)
	require.Len(t, windows, 1)
	assert.Equal(t, wednesday.Unix(), windows[0].Start)
	assert.Equal(t, wednesday.Unix()+23*3600, windows[0].End)

	// 中间日全天
	friday := dayOf(mondayBegin + 4*daySeconds)
	windows = datetimeRangeWindows(friday, span, models.DutyWorkTypeWeekly)
	require.Len(t, windows, 1)
	assert.Equal(t, friday.Unix(), windows[0].Start)
}

func TestDatetimeRangeWindows_FullCycleCrossDay(t *testing.T) {
	// 起止同日表示整周期绕回，末日（前一天）跨天到截止时刻
	span := []string{"04 10:00--04 08:00"}
	wednesday := dayOf(mondayBegin + 2*daySeconds)

	windows := datetimeRangeWindows(wednesday, span, models.DutyWorkTypeWeekly)
	require.Len(t, windows, 1)
	assert.Equal(t, wednesday.Unix()+daySeconds+8*3600, windows[0].End)
}

func TestWorkDaysOf_DatetimeRangeWrap(t *testing.T) {
	dt := &models.DutyTime{
		WorkType:     models.DutyWorkTypeWeekly,
		WorkTimeType: models.DutyDatetimeRange,
		WorkTime:     []string{"06 10:00--02 23:00"},
	}
	assert.Equal(t, []int{6, 7, 1, 2}, workDaysOf(dt))
}

func TestMatchMonthDay_Clamp(t *testing.T) {
	// 配置 31 日，11 月贴到月末 30 日
	nov30 := time.Date(2023, 11, 30, 0, 0, 0, 0, time.UTC)
	assert.True(t, matchMonthDay(31, nov30))
	nov29 := time.Date(2023, 11, 29, 0, 0, 0, 0, time.UTC)
	assert.False(t, matchMonthDay(31, nov29))
}

func TestPlans_MonthlyHandoff(t *testing.T) {
	// 每月 1 日交接，交接日独立成班
	novFirst := time.Date(2023, 11, 1, 0, 0, 0, 0, time.UTC).Unix()
	rule := &models.DutyRule{
		ID:            5,
		Enabled:       true,
		Category:      models.DutyCategoryHandoff,
		EffectiveTime: novFirst,
		DutyArranges: []models.DutyArrange{{
			GroupType: models.DutyGroupSpecified,
			DutyUsers: [][]string{{"groupA"}, {"groupB"}},
			DutyTime: []models.DutyTime{{
				WorkType: models.DutyWorkTypeMonthly,
				WorkDays: []int{1, 2, 3, 4, 5},
				WorkTime: []string{"00:00--23:59"},
			}},
		}},
	}
	plans := NewPlanner(rule, novFirst, 7, 0, zap.NewNop()).Plans()

	require.Len(t, plans, 2)
	assert.Len(t, plans[0].WorkTimes, 1)
	assert.Len(t, plans[1].WorkTimes, 4)
	assert.Equal(t, []string{"groupB"}, plans[1].Users)
}
