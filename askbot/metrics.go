package askbot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

const metricsNamespace = "askbot"

var (
	completionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "completion_requests_total",
			Help:      "Chat completion requests by result.",
		}, []string{"result"},
	)
	completionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "completion_duration_seconds",
			Help:      "Chat completion request latency.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)
	completionTokens = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "completion_tokens_total",
			Help:      "Total tokens billed for chat completions.",
		},
	)
	searchRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "search_requests_total",
			Help:      "Successful web search requests.",
		},
	)
	questionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "questions_created_total",
			Help:      "Question records created.",
		},
	)
	interactionsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "interactions_total",
			Help:      "Discord interactions by kind (command name or button action).",
		}, []string{"kind"},
	)
	activeAskSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_ask_sessions",
			Help:      "Answers whose buttons are still being collected.",
		},
	)
	qrCodesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "qrcodes_uploaded_total",
			Help:      "QR code images uploaded to object storage.",
		},
	)
	chatMessagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chat_messages_total",
			Help:      "Thread chat messages by outcome.",
		}, []string{"outcome"},
	)
)

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
