package cache

import (
	"fmt"
)

// Redis 键命名空间
const (
	// 去重缓存：指纹 -> 告警快照 JSON
	dedupeKeyPrefix = "ALERT_DEDUPE_CONTENT"
	// 快照缓存：告警 ID -> 告警快照 JSON
	snapshotKeyPrefix = "ALERT_SNAPSHOT"
	// 延迟流转索引（有序集合）：score = next_status_time，member = 告警键
	nextStatusIndexKey = "ALERT_NEXT_STATUS_INDEX"
	// 新建告警流控计数器
	buildQoSPrefix = "ALERT_BUILD_QOS_COUNTER"
	// 升级通知流控计数器
	compositeQoSPrefix = "COMPOSITE_QOS_COUNTER"
	// 周期通知巡检全局锁
	actionPollLockKey = "ACTION_POLL_KEY_LOCK"
	// 待挂丢弃日志（列表）：命中已结束告警被丢弃的事件，等同指纹下一个新告警认领
	pendingDropKeyPrefix = "ALERT_PENDING_DROP_LOGS"
)

func dedupeKey(strategyID int64, dedupeMD5 string) string {
	return fmt.Sprintf("%s:%d:%s", dedupeKeyPrefix, strategyID, dedupeMD5)
}

func snapshotKey(strategyID int64, alertID string) string {
	return fmt.Sprintf("%s:%d:%s", snapshotKeyPrefix, strategyID, alertID)
}

func pendingDropKey(strategyID int64, dedupeMD5 string) string {
	return fmt.Sprintf("%s:%d:%s", pendingDropKeyPrefix, strategyID, dedupeMD5)
}

func qosKey(prefix string, strategyID int64, signal string, severity int, alertMD5 string) string {
	return fmt.Sprintf("%s:%d:%s:%d:%s", prefix, strategyID, signal, severity, alertMD5)
}
