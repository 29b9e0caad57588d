package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	messagesIn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clinic_bot",
			Name:      "messages_in_total",
			Help:      "Count of inbound messages accepted for processing.",
		},
	)

	messagesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinic_bot",
			Name:      "messages_out_total",
			Help:      "Count of outbound messages by delivery result.",
		},
		[]string{"result"},
	)

	toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clinic_bot",
			Name:      "tool_calls_total",
			Help:      "Count of tool dispatches by tool name and result.",
		},
		[]string{"tool", "result"},
	)

	bookingCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clinic_bot",
			Name:      "booking_created_total",
			Help:      "Count of bookings committed.",
		},
	)

	bookingConflict = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clinic_bot",
			Name:      "booking_conflict_total",
			Help:      "Count of commit-time slot collisions.",
		},
	)

	iterationCapHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clinic_bot",
			Name:      "iteration_cap_hits_total",
			Help:      "Count of agent loops terminated by the iteration cap.",
		},
	)

	sessionsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clinic_bot",
			Name:      "sessions_expired_total",
			Help:      "Count of sessions deleted by the idle sweeper.",
		},
	)

	remindersSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clinic_bot",
			Name:      "reminders_sent_total",
			Help:      "Count of day-before appointment reminders delivered.",
		},
	)

	llmLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clinic_bot",
			Name:      "llm_latency_seconds",
			Help:      "Latency of LLM completion calls.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)
)

// Register registers metrics (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(messagesIn, messagesOut, toolCalls,
			bookingCreated, bookingConflict, iterationCapHits,
			sessionsExpired, remindersSent, llmLatency)
	})
}

func IncMessagesIn()                    { messagesIn.Inc() }
func IncMessagesOut(result string)      { messagesOut.WithLabelValues(result).Inc() }
func IncToolCall(tool, result string)   { toolCalls.WithLabelValues(tool, result).Inc() }
func IncBookingCreated()                { bookingCreated.Inc() }
func IncBookingConflict()               { bookingConflict.Inc() }
func IncIterationCapHit()               { iterationCapHits.Inc() }
func IncSessionExpired()                { sessionsExpired.Inc() }
func IncReminderSent()                  { remindersSent.Inc() }
func ObserveLLMLatency(seconds float64) { llmLatency.Observe(seconds) }
