package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDedupeEvent(eventID string) *Event {
	return &Event{
		EventID:     eventID,
		StrategyID:  100,
		BkBizID:     2,
		AlertName:   "CPU",
		Description: "cpu usage high",
		Severity:    SeverityWarning,
		Status:      StatusAbnormal,
		Target:      "10.0.0.1",
		TargetType:  "HOST",
		Tags:        []EventTag{{Key: "device", Value: "cpu0"}},
		Time:        1700000000,
		DedupeKeys:  []string{"strategy_id", "target", "tags.device"},
	}
}

func TestDedupeMD5_Deterministic(t *testing.T) {
	e1 := newDedupeEvent("1")
	md5a, err := e1.DedupeMD5()
	require.NoError(t, err)

	// 非去重字段不参与指纹
	e2 := newDedupeEvent("2")
	e2.Description = "cpu usage very high"
	e2.Severity = SeverityFatal
	e2.Time = 1700009999
	md5b, err := e2.DedupeMD5()
	require.NoError(t, err)

	assert.Equal(t, md5a, md5b)
}

func TestDedupeMD5_DivergesOnDedupeField(t *testing.T) {
	e1 := newDedupeEvent("1")
	md5a, err := e1.DedupeMD5()
	require.NoError(t, err)

	e2 := newDedupeEvent("2")
	e2.Tags = []EventTag{{Key: "device", Value: "cpu1"}}
	md5b, err := e2.DedupeMD5()
	require.NoError(t, err)
	assert.NotEqual(t, md5a, md5b)

	// 目标不同同样分裂指纹
	e3 := newDedupeEvent("3")
	e3.Target = "10.0.0.2"
	md5c, err := e3.DedupeMD5()
	require.NoError(t, err)
	assert.NotEqual(t, md5a, md5c)
}

func TestDedupeMD5_Malformed(t *testing.T) {
	// 去重字段列表为空
	e := newDedupeEvent("1")
	e.DedupeKeys = nil
	_, err := e.DedupeMD5()
	assert.ErrorIs(t, err, ErrMalformedEvent)

	// 引用不存在的标签
	e2 := newDedupeEvent("2")
	e2.DedupeKeys = []string{"alert_name", "tags.missing"}
	_, err = e2.DedupeMD5()
	assert.ErrorIs(t, err, ErrMalformedEvent)

	// 未知字段名
	e3 := newDedupeEvent("3")
	e3.DedupeKeys = []string{"no_such_field"}
	_, err = e3.DedupeMD5()
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestField_Resolution(t *testing.T) {
	e := newDedupeEvent("1")

	v, ok := e.Field("tags.device")
	assert.True(t, ok)
	assert.Equal(t, "cpu0", v)

	v, ok = e.Field("strategy_id")
	assert.True(t, ok)
	assert.Equal(t, "100", v)

	// 无策略事件 strategy_id 取空串而非缺失
	e2 := newDedupeEvent("2")
	e2.StrategyID = 0
	v, ok = e2.Field("strategy_id")
	assert.True(t, ok)
	assert.Equal(t, "", v)

	_, ok = e.Field("tags.missing")
	assert.False(t, ok)
}

func TestDimensions_ExcludesDefaultDedupeFields(t *testing.T) {
	e := newDedupeEvent("1")
	e.DedupeKeys = []string{"alert_name", "strategy_id", "target", "tags.device", "tags.core"}
	e.Tags = append(e.Tags, EventTag{Key: "core", Value: "3"})

	dims := e.Dimensions()

	// 默认去重字段不算维度，tags. 前缀被剥离
	require.Len(t, dims, 2)
	assert.Equal(t, EventTag{Key: "device", Value: "cpu0"}, dims[0])
	assert.Equal(t, EventTag{Key: "core", Value: "3"}, dims[1])
}

func TestOrderAfter(t *testing.T) {
	a := newDedupeEvent("1")
	b := newDedupeEvent("2")
	b.Time = a.Time + 10

	assert.True(t, b.OrderAfter(a))
	assert.False(t, a.OrderAfter(b))

	// 同时间用事件 ID 兜底
	b.Time = a.Time
	assert.True(t, b.OrderAfter(a))
}
