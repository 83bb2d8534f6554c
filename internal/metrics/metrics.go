package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptdesk_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptdesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	QuotaDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptdesk_quota_decisions_total",
			Help: "Daily quota decisions by check, tier and outcome.",
		},
		[]string{"check", "tier", "outcome"},
	)

	TokensRecordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "promptdesk_tokens_recorded_total",
			Help: "Total model tokens recorded against user quotas.",
		},
	)

	UsageEventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptdesk_usage_events_consumed_total",
			Help: "Usage events consumed from NATS by result.",
		},
		[]string{"status"},
	)

	ChatCompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptdesk_chat_completions_total",
			Help: "Chat completions by outcome.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QuotaDecisionsTotal,
		TokensRecordedTotal,
		UsageEventsConsumedTotal,
		ChatCompletionsTotal,
	)
}
