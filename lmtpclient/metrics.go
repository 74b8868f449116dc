package lmtpclient

import (
	"sync"

	"github.com/dmitrifedorov/maildeliver/datastruct"
	"github.com/dmitrifedorov/maildeliver/misc"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// PrometheusProtocolLabel is the name of the data label carrying the protocol variant (LMTP or SMTP).
	PrometheusProtocolLabel = "protocol"
	// PrometheusPhaseLabel is the name of the data label carrying the protocol phase a recipient reply belongs to.
	PrometheusPhaseLabel = "phase"
	// PrometheusResultLabel is the name of the data label carrying the outcome of a recipient reply.
	PrometheusResultLabel = "result"
	// MaxLatestDeliveries is the number of the most recent delivery summaries kept in memory for inspection.
	MaxLatestDeliveries = 128
)

var (
	// DurationStats stores statistics of the duration of completed delivery sessions.
	DurationStats = misc.NewStats()

	// LatestDeliveries is a ring buffer of one-line summaries of the most recent completed deliveries, kept in memory
	// for on-demand inspection.
	LatestDeliveries = datastruct.NewRingBuffer(MaxLatestDeliveries)
)

var (
	promSessionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildeliver_sessions_started_total",
		Help: "The number of delivery sessions that began connecting.",
	}, []string{PrometheusProtocolLabel})
	promSessionsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildeliver_sessions_completed_total",
		Help: "The number of delivery sessions that resolved every recipient.",
	}, []string{PrometheusProtocolLabel})
	promSessionFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "maildeliver_session_failures_total",
		Help: "The number of delivery sessions that failed as a whole.",
	})
	promRecipientReplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maildeliver_recipient_replies_total",
		Help: "The number of per-recipient replies received, by protocol phase and outcome.",
	}, []string{PrometheusPhaseLabel, PrometheusResultLabel})

	registerMetricsOnce sync.Once
)

// RegisterPrometheusMetrics registers the delivery metrics with the default prometheus registry, and does nothing
// unless misc.EnablePrometheusIntegration is turned on.
func RegisterPrometheusMetrics() {
	if !misc.EnablePrometheusIntegration {
		return
	}
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(promSessionsStarted, promSessionsCompleted, promSessionFailures, promRecipientReplies)
	})
}
