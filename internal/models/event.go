package models

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedEvent 事件缺失去重字段时返回，调用方丢弃该事件并计数
var ErrMalformedEvent = errors.New("malformed event")

// EventTag 事件标签（维度键值对）
type EventTag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Event 检测器产出的原始异常事件
type Event struct {
	EventID     string          `json:"event_id"`
	PluginID    string          `json:"plugin_id"`
	StrategyID  int64           `json:"strategy_id"` // 0 表示无策略（第三方事件）
	BkBizID     int64           `json:"bk_biz_id"`
	AlertName   string          `json:"alert_name"`
	Description string          `json:"description"`
	Severity    int             `json:"severity"` // 1=致命 2=预警 3=提醒
	Status      string          `json:"status"`   // ABNORMAL / RECOVERED / CLOSED
	Target      string          `json:"target"`
	TargetType  string          `json:"target_type"`
	Tags        []EventTag      `json:"tags"`
	Time        int64           `json:"time"`         // 事件时间（秒）
	AnomalyTime int64           `json:"anomaly_time"` // 异常发生时间（秒）
	DedupeKeys  []string        `json:"dedupe_keys"`  // 去重字段名列表，按声明顺序参与指纹
	OriginAlarm json.RawMessage `json:"origin_alarm,omitempty"`
}

// Tag 按键查找标签值
func (e *Event) Tag(key string) (string, bool) {
	for _, t := range e.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// Field 解析去重字段值。"tags.<k>" 形式的字段从标签中取值，
// 其余字段对应事件本身的属性。
func (e *Event) Field(name string) (string, bool) {
	if k, ok := strings.CutPrefix(name, "tags."); ok {
		return e.Tag(k)
	}
	switch name {
	case "alert_name":
		return e.AlertName, true
	case "strategy_id":
		if e.StrategyID == 0 {
			return "", true
		}
		return strconv.FormatInt(e.StrategyID, 10), true
	case "bk_biz_id":
		return strconv.FormatInt(e.BkBizID, 10), true
	case "target":
		return e.Target, true
	case "target_type":
		return e.TargetType, true
	case "plugin_id":
		return e.PluginID, true
	}
	return "", false
}

// DedupeMD5 计算去重指纹：按声明顺序拼接去重字段值后取 MD5。
// 任一字段缺失返回 ErrMalformedEvent。
func (e *Event) DedupeMD5() (string, error) {
	if len(e.DedupeKeys) == 0 {
		return "", fmt.Errorf("%w: event %s has no dedupe keys", ErrMalformedEvent, e.EventID)
	}
	h := md5.New()
	for _, key := range e.DedupeKeys {
		value, ok := e.Field(key)
		if !ok {
			return "", fmt.Errorf("%w: event %s missing dedupe field %q", ErrMalformedEvent, e.EventID, key)
		}
		// 字段名一并写入，避免不同字段组合出现相同拼接串
		h.Write([]byte(key))
		h.Write([]byte{0})
		h.Write([]byte(value))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Dimensions 返回去重字段中除默认去重维度之外的键值对，作为告警维度
func (e *Event) Dimensions() []EventTag {
	var dims []EventTag
	for _, key := range e.DedupeKeys {
		if DefaultDedupeFields[key] {
			continue
		}
		value, ok := e.Field(key)
		if !ok {
			continue
		}
		dims = append(dims, EventTag{Key: strings.TrimPrefix(key, "tags."), Value: value})
	}
	return dims
}

// OrderAfter 事件全序比较：时间优先，事件 ID 兜底
func (e *Event) OrderAfter(other *Event) bool {
	if e.Time != other.Time {
		return e.Time > other.Time
	}
	return e.EventID > other.EventID
}
