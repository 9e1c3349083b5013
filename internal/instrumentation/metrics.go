// Package instrumentation holds the Prometheus metrics recorded by the CBS
// negotiator, the messaging session and the application services.
package instrumentation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "iothub_amqp"

// Authorization outcomes.
const (
	ResultGranted    = "granted"
	ResultRejected   = "rejected"
	ResultNoResponse = "no_response"
	ResultError      = "error"
)

// Settlement outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
)

// Metrics groups every collector the agent exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	authorizations       *prometheus.CounterVec
	authorizationLatency prometheus.Histogram
	activeGrants         prometheus.Gauge
	messagesSent         *prometheus.CounterVec
	sendFailures         *prometheus.CounterVec
	messagesReceived     *prometheus.CounterVec
	settlements          *prometheus.CounterVec
}

// NewMetrics registers the agent metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		authorizations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cbs_authorizations_total",
			Help:      "Total put-token exchanges by result.",
		}, []string{"result"}),
		authorizationLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cbs_authorization_duration_seconds",
			Help:      "Time taken by a put-token exchange.",
			Buckets:   prometheus.DefBuckets,
		}),
		activeGrants: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cbs_active_grants",
			Help:      "Number of audiences currently authorized on the connection.",
		}),
		messagesSent: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages settled by the broker, by sender link.",
		}, []string{"link"}),
		sendFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_send_failures_total",
			Help:      "Failed sends, by sender link.",
		}, []string{"link"}),
		messagesReceived: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received, by receiver link.",
		}, []string{"link"}),
		settlements: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_settlements_total",
			Help:      "Settled deliveries, by receiver link and outcome.",
		}, []string{"link", "outcome"}),
	}
}

// ObserveAuthorization records one put-token exchange.
func (m *Metrics) ObserveAuthorization(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.authorizations.WithLabelValues(result).Inc()
	m.authorizationLatency.Observe(elapsed.Seconds())
}

// SetActiveGrants sets the number of live grants.
func (m *Metrics) SetActiveGrants(n int) {
	if m == nil {
		return
	}
	m.activeGrants.Set(float64(n))
}

func (m *Metrics) MessageSent(link string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(link).Inc()
}

func (m *Metrics) SendFailed(link string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(link).Inc()
}

func (m *Metrics) MessageReceived(link string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(link).Inc()
}

func (m *Metrics) MessageSettled(link, outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(link, outcome).Inc()
}
