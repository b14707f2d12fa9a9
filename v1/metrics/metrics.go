package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PublishedCounter tracks envelopes handed to the broker.
	PublishedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_published_total",
		Help: "Total number of envelopes published to the broker",
	})
	// PublishErrorCounter tracks publish calls the broker rejected.
	PublishErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_publish_errors_total",
		Help: "Total number of failed publish calls",
	})
	// FanoutCounter tracks envelopes pushed to live sessions.
	FanoutCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_envelopes_fanned_out_total",
		Help: "Total number of envelopes delivered to live sessions",
	})
	// DroppedCounter tracks envelopes a hub did not deliver, by reason.
	DroppedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_envelopes_dropped_total",
		Help: "Total number of envelopes dropped by the hub",
	}, []string{"reason"})
	// SessionGauge reports the number of live sessions.
	SessionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_sessions",
		Help: "Current number of live sessions",
	})
	// LockAcquireCounter tracks startEdit outcomes.
	LockAcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_lock_acquire_total",
		Help: "Total number of edit lock acquisitions by outcome",
	}, []string{"outcome"})
	// LockReleaseCounter tracks released edit locks.
	LockReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_lock_release_total",
		Help: "Total number of edit lock releases",
	})
)

// Drop reasons.
const (
	DropPolicy       = "policy"
	DropBackpressure = "backpressure"
	DropDecode       = "decode"
)

// Lock acquire outcomes.
const (
	OutcomeAcquired  = "acquired"
	OutcomeContended = "contended"
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterPublisherMetrics registers the publish side collectors.
func RegisterPublisherMetrics(reg prometheus.Registerer) {
	reg.MustRegister(PublishedCounter, PublishErrorCounter)
}

// RegisterHubMetrics registers the hub collectors.
func RegisterHubMetrics(reg prometheus.Registerer) {
	reg.MustRegister(FanoutCounter, DroppedCounter, SessionGauge, LockAcquireCounter, LockReleaseCounter)
}
