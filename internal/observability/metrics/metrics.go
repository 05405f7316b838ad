package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	AuthenticationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_authentication_attempts_total",
			Help: "Bearer token verifications by verifier and result.",
		},
		[]string{"method", "result"},
	)

	DeviceRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_device_registrations_total",
			Help: "Device registrations, signed prekey rotations and prekey uploads.",
		},
		[]string{"operation", "result"},
	)

	PreKeyBundlesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_prekey_bundles_issued_total",
			Help: "Issued prekey bundles by whether a one-time prekey was included.",
		},
		[]string{"one_time_prekey"},
	)

	MessagesEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_enqueued_total",
			Help: "Mailbox enqueue attempts.",
		},
		[]string{"result"},
	)

	MessagesCiphertextBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_messages_ciphertext_bytes",
			Help:    "Ciphertext sizes of enqueued messages.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 13),
		},
	)

	MessagesDrainedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_drained_total",
			Help: "Mailbox entries delivered and deleted, by transport.",
		},
		[]string{"transport"},
	)

	PreKeysPurgedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_prekeys_purged_total",
			Help: "Consumed one-time prekeys removed by the janitor.",
		},
	)
)

// MustRegister registers every collector on reg with a constant service
// label.
func MustRegister(reg prometheus.Registerer, serviceName string) {
	prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, reg).MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		AuthenticationAttemptsTotal,
		DeviceRegistrationsTotal,
		PreKeyBundlesIssuedTotal,
		MessagesEnqueuedTotal,
		MessagesCiphertextBytes,
		MessagesDrainedTotal,
		PreKeysPurgedTotal,
	)
}
