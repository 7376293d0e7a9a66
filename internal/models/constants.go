package models

// ============================================
// 告警状态
// ============================================

const (
	StatusAbnormal  = "ABNORMAL"  // 异常中
	StatusRecovered = "RECOVERED" // 已恢复
	StatusClosed    = "CLOSED"    // 已关闭
)

// IsTerminalStatus 是否为终结状态（终结后告警不再接收事件）
func IsTerminalStatus(status string) bool {
	return status == StatusRecovered || status == StatusClosed
}

// ============================================
// 告警级别（数值越小越严重）
// ============================================

const (
	SeverityFatal   = 1 // 致命
	SeverityWarning = 2 // 预警
	SeverityRemind  = 3 // 提醒
)

// ============================================
// 信号类型（告警生命周期向下游动作机制发出的消息种类）
// ============================================

const (
	SignalAbnormal  = "abnormal"
	SignalRecovered = "recovered"
	SignalClosed    = "closed"
	SignalNoData    = "no_data"
	SignalAck       = "ack"
	SignalIncident  = "incident"
	SignalExecute   = "execute"
	SignalManual    = "manual"
	SignalUnshield  = "unshielded"
	SignalUpgrade   = "upgrade"
)

// AbnormalSignals 异常类信号（需要记录周期处理记录）
var AbnormalSignals = map[string]bool{
	SignalAbnormal: true,
	SignalNoData:   true,
	SignalUnshield: true,
	SignalUpgrade:  true,
}

// ============================================
// 流水日志操作类型
// ============================================

const (
	OpCreate       = "CREATE"        // 告警创建
	OpConverge     = "CONVERGE"      // 事件收敛
	OpRecover      = "RECOVER"       // 告警恢复
	OpClose        = "CLOSE"         // 告警关闭
	OpDelayRecover = "DELAY_RECOVER" // 延迟恢复
	OpAbortRecover = "ABORT_RECOVER" // 中断恢复
	OpSystemRecover = "SYSTEM_RECOVER" // 系统恢复（周期任务触发）
	OpSystemClose   = "SYSTEM_CLOSE"   // 系统关闭（静默超时触发）
	OpSeverityUp    = "SEVERITY_UP"    // 级别提升
	OpEventDrop     = "EVENT_DROP"     // 事件丢弃
	OpAck           = "ACK"            // 告警确认
	OpQoS           = "ACTION_QOS"     // 流控状态变化
	OpActionSkip    = "ACTION_SKIP"    // 动作跳过（延迟窗口外）
	OpAssignFailed  = "ASSIGN_FAILED"  // 分派失败
)

// ============================================
// 级别来源
// ============================================

const (
	SeveritySourceEvent  = "event"   // 由事件决定（默认）
	SeveritySourceByRule = "by_rule" // 由分派规则指定，不随事件升级
)

// ============================================
// 动作插件类型
// ============================================

const (
	PluginNotice       = "notice"
	PluginWebhook      = "webhook"
	PluginITSM         = "itsm"
	PluginMessageQueue = "message_queue"
)

// KnownPluginTypes 已知插件类型集合，未知插件的动作仅记录日志后跳过
var KnownPluginTypes = map[string]bool{
	PluginNotice:       true,
	PluginWebhook:      true,
	PluginITSM:         true,
	PluginMessageQueue: true,
}

// ============================================
// 动作实例状态
// ============================================

const (
	ActionStatusReceived = "received" // 已接收，等待推送
	ActionStatusSleep    = "sleep"    // 休眠（被屏蔽或降噪抑制）
	ActionStatusSuccess  = "success"
	ActionStatusFailure  = "failure"
)

// 通知升级关系标识：notice 动作固定使用 0 号关联
const NoticeRelationID = 0

// ============================================
// 默认去重维度（参与指纹计算但不进入 dimensions 列表）
// ============================================

var DefaultDedupeFields = map[string]bool{
	"alert_name":  true,
	"strategy_id": true,
	"target_type": true,
	"target":      true,
	"bk_biz_id":   true,
	"tags.nodata": true,
}
