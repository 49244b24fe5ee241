package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/staydesk/staydesk/internal/nlp"
)

var (
	// Emails by final intent and next action
	EmailsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staydesk_emails_processed_total",
			Help: "Total number of emails processed by the pipeline",
		},
		[]string{"intent", "next_action"},
	)

	// Emails flagged for a human
	EmailsEscalated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "staydesk_emails_escalated_total",
			Help: "Total number of emails flagged for human review",
		},
	)

	// Pipeline latency per email (milliseconds)
	ProcessingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "staydesk_processing_latency_ms",
			Help:    "Per-email pipeline latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1ms to ~16s
		},
		[]string{"intent"},
	)

	// Completion service calls (seconds)
	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "staydesk_llm_call_duration_seconds",
			Help:    "Completion service call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"provider", "status"},
	)

	// Availability backend calls (seconds)
	AvailabilityCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "staydesk_availability_call_duration_seconds",
			Help:    "Availability backend call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
		[]string{"status"},
	)

	// Outbound actions taken for processed emails
	DispatchCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staydesk_dispatch_total",
			Help: "Total number of dispatch actions by outcome",
		},
		[]string{"action", "status"},
	)

	// HTTP request latency (seconds)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "staydesk_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordResult records one pipeline result. It has the observer signature
// expected by nlp.WithObserver.
func RecordResult(r nlp.Result) {
	EmailsProcessed.WithLabelValues(string(r.Intent), string(r.NextAction)).Inc()
	ProcessingLatency.WithLabelValues(string(r.Intent)).Observe(r.ProcessingTimeMs)
	if r.Escalate {
		EmailsEscalated.Inc()
	}
}

// RecordLLMCall records one completion service call
func RecordLLMCall(provider, status string, duration time.Duration) {
	LLMCallDuration.WithLabelValues(provider, status).Observe(duration.Seconds())
}

// RecordAvailabilityCall records one availability backend call
func RecordAvailabilityCall(status string, duration time.Duration) {
	AvailabilityCallDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncrementDispatch counts one dispatch action
func IncrementDispatch(action, status string) {
	DispatchCount.WithLabelValues(action, status).Inc()
}

// RecordHTTPRequestDuration records one HTTP request
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
