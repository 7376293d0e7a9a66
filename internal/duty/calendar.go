package duty

import (
	"strconv"
	"strings"
	"time"

	"github.com/TencentBlueKing/bk-monitor-sub011/internal/models"
)

// ============================================
// 日历展开：把值班时间窗口配置展开为具体日期与起止时刻。
// 所有计算基于 UTC，周序 1=周一..7=周日。
// ============================================

const daySeconds = 86400

// dayOf 取时间戳所在日期的零点（UTC）
func dayOf(ts int64) time.Time {
	return time.Unix(ts, 0).UTC().Truncate(24 * time.Hour)
}

// isoWeekday 周序：1=周一..7=周日
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

// daysInMonth 当月天数
func daysInMonth(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// matchMonthDay 按月窗口的日期命中，超出当月长度的配置贴到月末
func matchMonthDay(configured int, day time.Time) bool {
	last := daysInMonth(day)
	if configured > last {
		configured = last
	}
	return day.Day() == configured
}

// parseClock "HH:MM" → 当日偏移秒数，非法返回 -1
func parseClock(clock string) int64 {
	parts := strings.SplitN(strings.TrimSpace(clock), ":", 2)
	if len(parts) != 2 {
		return -1
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return -1
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return -1
	}
	return int64(hour)*3600 + int64(minute)*60
}

// workDaysOf 取窗口的有效工作日。
// datetime_range 配置（如 "04 10:00--03 23:00"）的工作日由跨度推导，
// 起始日大于结束日时跨周/月回绕。
func workDaysOf(dt *models.DutyTime) []int {
	if dt.WorkTimeType != models.DutyDatetimeRange {
		return dt.WorkDays
	}
	maxDay := 31
	if dt.WorkType == models.DutyWorkTypeWeekly {
		maxDay = 7
	}
	for _, span := range dt.WorkTime {
		start, end, ok := strings.Cut(span, "--")
		if !ok || len(start) < 2 || len(end) < 2 {
			return nil
		}
		startDay, err1 := strconv.Atoi(strings.TrimSpace(start[:2]))
		endDay, err2 := strconv.Atoi(strings.TrimSpace(end[:2]))
		if err1 != nil || err2 != nil {
			return nil
		}
		var days []int
		if startDay < endDay {
			for d := startDay; d <= endDay; d++ {
				days = append(days, d)
			}
		} else {
			for d := startDay; d <= maxDay; d++ {
				days = append(days, d)
			}
			for d := 1; d <= endDay; d++ {
				days = append(days, d)
			}
		}
		// 起止型配置只有一个时间段
		return days
	}
	return nil
}

// validDay 判断某天是否落在窗口的工作日内
func validDay(dt *models.DutyTime, day time.Time, workDays []int) bool {
	switch dt.WorkType {
	case models.DutyWorkTypeDaily:
		return true
	case models.DutyWorkTypeWeekly:
		wd := isoWeekday(day)
		for _, d := range workDays {
			if d == wd {
				return true
			}
		}
	case models.DutyWorkTypeMonthly:
		for _, d := range workDays {
			if matchMonthDay(d, day) {
				return true
			}
		}
	case models.DutyWorkTypeDateRange:
		date := day.Format("2006-01-02")
		for _, span := range dt.WorkDateRange {
			begin, end, ok := strings.Cut(span, "--")
			if ok && begin <= date && date <= end {
				return true
			}
		}
	}
	return false
}

// timeRangeWindows 把 "HH:MM--HH:MM" 列表展开为某天的具体起止区间。
// 起始不早于结束时视为跨天，结束顺延到次日。
func timeRangeWindows(day time.Time, workTime []string) []models.WorkTimeRange {
	var windows []models.WorkTimeRange
	base := day.Unix()
	for _, span := range workTime {
		start, end, ok := strings.Cut(span, "--")
		if !ok {
			continue
		}
		startOff := parseClock(start)
		endOff := parseClock(end)
		if startOff < 0 || endOff < 0 {
			continue
		}
		endBase := base
		if startOff >= endOff {
			endBase += daySeconds
		}
		windows = append(windows, models.WorkTimeRange{
			Start: base + startOff,
			End:   endBase + endOff,
		})
	}
	return windows
}

// datetimeRangeWindows 展开 "DD HH:MM--DD HH:MM" 起止型配置在某天的区间：
// 首日从配置时刻开始，末日到配置时刻结束，中间日全天。
// 起止日相同表示末日跨天，区间滚动到次日的截止时刻。
func datetimeRangeWindows(day time.Time, workTime []string, workType string) []models.WorkTimeRange {
	if len(workTime) == 0 {
		return nil
	}
	start, end, ok := strings.Cut(workTime[0], "--")
	if !ok || len(start) < 2 || len(end) < 2 {
		return nil
	}
	beginDay, err1 := strconv.Atoi(strings.TrimSpace(start[:2]))
	endDay, err2 := strconv.Atoi(strings.TrimSpace(end[:2]))
	if err1 != nil || err2 != nil {
		return nil
	}

	crossDay := false
	if beginDay == endDay {
		// 起止同日表示整周期绕回，末日跨天到截止时刻
		crossDay = true
		endDay--
	}

	var current, maxDay int
	if workType == models.DutyWorkTypeWeekly {
		current = isoWeekday(day)
		maxDay = 7
	} else {
		current = day.Day()
		maxDay = daysInMonth(day)
	}
	if endDay == 0 {
		endDay = maxDay
	}

	startOff := int64(0)
	endOff := int64(23*3600 + 59*60)
	if current == beginDay {
		if off := parseClock(start[2:]); off >= 0 {
			startOff = off
		}
	}
	isLast := current == endDay
	if isLast {
		if off := parseClock(end[2:]); off >= 0 {
			endOff = off
		}
	}

	endBase := day.Unix()
	if crossDay && isLast {
		endBase += daySeconds
	}
	return []models.WorkTimeRange{{
		Start: day.Unix() + startOff,
		End:   endBase + endOff,
	}}
}

// dayWindows 按窗口的时间类型展开某天的起止区间
func dayWindows(dt *models.DutyTime, day time.Time) []models.WorkTimeRange {
	if dt.WorkTimeType == models.DutyDatetimeRange {
		return datetimeRangeWindows(day, dt.WorkTime, dt.WorkType)
	}
	return timeRangeWindows(day, dt.WorkTime)
}
