package activitypub

import "github.com/prometheus/client_golang/prometheus"

var (
	inboxActivities = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "illo_inbox_activities_total",
			Help: "Inbound activities by type and processing result.",
		},
		[]string{"type", "result"},
	)
	signatureFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "illo_inbox_signature_failures_total",
			Help: "Inbound requests rejected because their signature did not verify.",
		},
	)
	inboxPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "illo_inbox_handler_panics_total",
			Help: "Activity handlers that panicked and were recovered.",
		},
	)
	deliveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "illo_delivery_attempts_total",
			Help: "Outbound delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)
	deliveriesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "illo_deliveries_failed_total",
			Help: "Deliveries marked FAILED after exhausting retries.",
		},
	)
	trustProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "illo_trust_probes_total",
			Help: "NodeInfo probes of remote instances by result.",
		},
		[]string{"result"},
	)
	remoteFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "illo_remote_fetches_total",
			Help: "Signed GETs against remote servers by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(inboxActivities, signatureFailures, inboxPanics,
		deliveryAttempts, deliveriesFailed, trustProbes, remoteFetches)
}
