package metrics

import "fmt"

// Pre-defined series used across the pipeline.
var (
	ManualReviews = Collector.Counter("replyguard_manual_reviews_total",
		"Replies queued for human review", "")
	Approvals = Collector.Counter("replyguard_message_approvals_total",
		"Pending replies approved by an operator", "")
	Rejections = Collector.Counter("replyguard_message_rejections_total",
		"Pending replies rejected by an operator", "")
	AutoSends = Collector.Counter("replyguard_auto_sends_total",
		"Pending replies sent by the delayed auto-send timer", "")
	BroadcastDropped = Collector.Counter("replyguard_broadcast_dropped_total",
		"Dashboard events shed by the rate limiter", "")
	MessagesExpired = Collector.Counter("replyguard_messages_expired_total",
		"Pending replies expired by the maintenance sweeper", "")
	InboundTotal = Collector.Counter("replyguard_inbound_messages_total",
		"Inbound customer messages accepted", "")
	DashboardConnections = Collector.Gauge("replyguard_dashboard_connections",
		"Open dashboard websocket connections", "")

	RequestLatency = Collector.Histogram("replyguard_request_latency_ms",
		"External classifier round trip in milliseconds", "",
		[]float64{100, 500, 1000, 2000, 5000, 10000, 30000})
)

// AIRequest counts one classifier decision by audit status.
func AIRequest(status string) {
	Collector.Counter("replyguard_ai_requests_total", "Classifier decisions by audit status",
		fmt.Sprintf("status=%q", status)).Inc()
}

// SecurityViolation counts a blocked message by tier.
func SecurityViolation(classification string) {
	Collector.Counter("replyguard_security_violations_total", "Blocked messages by tier",
		fmt.Sprintf("type=%q", classification)).Inc()
}

// Delivery counts one outbound send attempt.
func Delivery(channel, driver string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	Collector.Counter("replyguard_deliveries_total", "Outbound deliveries by channel and result",
		fmt.Sprintf("channel=%q,driver=%q,result=%q", channel, driver, result)).Inc()
}

// AlertSent counts one alert sink dispatch.
func AlertSent(sink string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	Collector.Counter("replyguard_alerts_total", "Security alerts dispatched by sink",
		fmt.Sprintf("sink=%q,result=%q", sink, result)).Inc()
}
