// Package metrics exposes Prometheus instrumentation for protocol
// operations, narrowing internal/metrics/metrics.go's promauto var-block +
// Record*/Update* helper-function idiom from the teacher repository (there
// covering HTTP/websocket/media counters) to handshake, ratchet, AEAD, and
// OPAQUE counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HandshakesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecliptix_handshakes_started_total",
		Help: "Total number of begin_exchange calls, by exchange kind.",
	}, []string{"kind"})

	HandshakesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecliptix_handshakes_completed_total",
		Help: "Total number of handshakes that reached state Complete.",
	}, []string{"kind", "role"})

	HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecliptix_handshake_failures_total",
		Help: "Total number of handshake failures, by reason.",
	}, []string{"kind", "reason"})

	DHRatchetsPerformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecliptix_dh_ratchets_total",
		Help: "Total number of sender/receiver DH ratchet steps performed.",
	}, []string{"direction"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecliptix_messages_sent_total",
		Help: "Total number of envelopes produced by prepare_send.",
	}, []string{"kind"})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecliptix_messages_received_total",
		Help: "Total number of envelopes consumed by process_receive.",
	}, []string{"kind"})

	AeadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecliptix_aead_failures_total",
		Help: "Total number of AEAD authentication failures during process_receive.",
	}, []string{"kind"})

	SessionsExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecliptix_sessions_expired_total",
		Help: "Total number of sessions removed by the TTL reaper.",
	}, []string{"kind"})

	ActiveSessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ecliptix_active_sessions",
		Help: "Current number of sessions held by the registry.",
	}, []string{"kind"})

	OpaqueRegistrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecliptix_opaque_registrations_total",
		Help: "Total number of completed OPAQUE registration flows.",
	}, []string{"result"})

	OpaqueLogins = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ecliptix_opaque_logins_total",
		Help: "Total number of completed OPAQUE login flows.",
	}, []string{"result"})

	MessageDeliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ecliptix_message_roundtrip_seconds",
		Help:    "Time spent inside prepare_send/process_receive calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// RecordHandshakeStarted increments the begin_exchange counter for kind.
func RecordHandshakeStarted(kind string) { HandshakesStarted.WithLabelValues(kind).Inc() }

// RecordHandshakeCompleted increments the completed-handshake counter.
func RecordHandshakeCompleted(kind, role string) {
	HandshakesCompleted.WithLabelValues(kind, role).Inc()
}

// RecordHandshakeFailure increments the handshake-failure counter.
func RecordHandshakeFailure(kind, reason string) {
	HandshakeFailures.WithLabelValues(kind, reason).Inc()
}

// RecordDHRatchet increments the DH-ratchet counter for direction
// ("send" or "recv").
func RecordDHRatchet(direction string) { DHRatchetsPerformed.WithLabelValues(direction).Inc() }

// RecordMessageSent increments the sent-message counter.
func RecordMessageSent(kind string) { MessagesSent.WithLabelValues(kind).Inc() }

// RecordMessageReceived increments the received-message counter.
func RecordMessageReceived(kind string) { MessagesReceived.WithLabelValues(kind).Inc() }

// RecordAeadFailure increments the AEAD-failure counter.
func RecordAeadFailure(kind string) { AeadFailures.WithLabelValues(kind).Inc() }

// RecordSessionExpired increments the expired-session counter.
func RecordSessionExpired(kind string) { SessionsExpired.WithLabelValues(kind).Inc() }

// UpdateActiveSessions sets the active-session gauge for kind.
func UpdateActiveSessions(kind string, count int) {
	ActiveSessions.WithLabelValues(kind).Set(float64(count))
}

// RecordOpaqueRegistration increments the OPAQUE registration counter.
func RecordOpaqueRegistration(result string) { OpaqueRegistrations.WithLabelValues(result).Inc() }

// RecordOpaqueLogin increments the OPAQUE login counter.
func RecordOpaqueLogin(result string) { OpaqueLogins.WithLabelValues(result).Inc() }

// ObserveRoundtrip records the duration of a send/receive operation.
func ObserveRoundtrip(operation string, seconds float64) {
	MessageDeliveryLatency.WithLabelValues(operation).Observe(seconds)
}
