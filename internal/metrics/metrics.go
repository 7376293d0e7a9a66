package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Collector 引擎运行指标收集器。
// 以原子计数器实现，按 Prometheus 文本格式暴露。
type Collector struct {
	// 事件侧
	eventsReceived  atomic.Int64
	eventsMalformed atomic.Int64
	eventsDuplicate atomic.Int64
	eventsExpired   atomic.Int64

	// 告警侧
	alertsCreated  atomic.Int64
	alertsUpdated  atomic.Int64
	alertsBlocked  atomic.Int64
	alertsFinished atomic.Int64
	signalsSent    atomic.Int64

	// 动作侧
	actionsCreated atomic.Int64
	actionsPushed  atomic.Int64
	assignFailed   atomic.Int64

	// 处理延迟（秒）分桶：<=1 <=5 <=30 <=60 >60
	latencyBuckets [5]atomic.Int64
	latencySum     atomic.Int64
	latencyCount   atomic.Int64
}

// NewCollector 创建指标收集器
func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) IncEventsReceived(n int) { c.eventsReceived.Add(int64(n)) }
func (c *Collector) IncEventsMalformed()     { c.eventsMalformed.Add(1) }
func (c *Collector) IncEventsDuplicate()     { c.eventsDuplicate.Add(1) }
func (c *Collector) IncEventsExpired()       { c.eventsExpired.Add(1) }

func (c *Collector) IncAlertsCreated()     { c.alertsCreated.Add(1) }
func (c *Collector) IncAlertsUpdated()     { c.alertsUpdated.Add(1) }
func (c *Collector) IncAlertsBlocked()     { c.alertsBlocked.Add(1) }
func (c *Collector) IncAlertsFinished(n int) { c.alertsFinished.Add(int64(n)) }
func (c *Collector) IncSignalsSent()       { c.signalsSent.Add(1) }

func (c *Collector) IncActionsCreated(n int) { c.actionsCreated.Add(int64(n)) }
func (c *Collector) IncActionsPushed(n int)  { c.actionsPushed.Add(int64(n)) }
func (c *Collector) IncAssignFailed()        { c.assignFailed.Add(1) }

// ObserveLatency 记录接入到告警落库的处理延迟（秒），负值丢弃
func (c *Collector) ObserveLatency(seconds int64) {
	if seconds < 0 {
		return
	}
	switch {
	case seconds <= 1:
		c.latencyBuckets[0].Add(1)
	case seconds <= 5:
		c.latencyBuckets[1].Add(1)
	case seconds <= 30:
		c.latencyBuckets[2].Add(1)
	case seconds <= 60:
		c.latencyBuckets[3].Add(1)
	default:
		c.latencyBuckets[4].Add(1)
	}
	c.latencySum.Add(seconds)
	c.latencyCount.Add(1)
}

// WriteTo 按 Prometheus 文本格式输出全部指标
func (c *Collector) WriteTo(w io.Writer) {
	counter := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}
	counter("alert_engine_events_received_total", "接收的事件总数", c.eventsReceived.Load())
	counter("alert_engine_events_malformed_total", "去重字段缺失被丢弃的事件数", c.eventsMalformed.Load())
	counter("alert_engine_events_duplicate_total", "批内重复被丢弃的事件数", c.eventsDuplicate.Load())
	counter("alert_engine_events_expired_total", "命中过期告警守卫被丢弃的事件数", c.eventsExpired.Load())
	counter("alert_engine_alerts_created_total", "新建告警数", c.alertsCreated.Load())
	counter("alert_engine_alerts_updated_total", "更新告警数", c.alertsUpdated.Load())
	counter("alert_engine_alerts_blocked_total", "被流控拦截的告警数", c.alertsBlocked.Load())
	counter("alert_engine_alerts_finished_total", "已结束告警写缓存数", c.alertsFinished.Load())
	counter("alert_engine_signals_sent_total", "发布到信号总线的消息数", c.signalsSent.Load())
	counter("alert_engine_actions_created_total", "创建的动作实例数", c.actionsCreated.Load())
	counter("alert_engine_actions_pushed_total", "推入执行队列的动作数", c.actionsPushed.Load())
	counter("alert_engine_assign_failed_total", "分派失败次数", c.assignFailed.Load())

	// 处理延迟直方图
	name := "alert_engine_process_latency_seconds"
	fmt.Fprintf(w, "# HELP %s 事件接入到告警落库的延迟\n# TYPE %s histogram\n", name, name)
	bounds := []string{"1", "5", "30", "60"}
	cumulative := int64(0)
	for i, le := range bounds {
		cumulative += c.latencyBuckets[i].Load()
		fmt.Fprintf(w, "%s_bucket{le=\"%s\"} %d\n", name, le, cumulative)
	}
	cumulative += c.latencyBuckets[4].Load()
	fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", name, cumulative)
	fmt.Fprintf(w, "%s_sum %d\n", name, c.latencySum.Load())
	fmt.Fprintf(w, "%s_count %d\n", name, c.latencyCount.Load())
}

// Handler 返回指标 HTTP 处理器
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	})
}
