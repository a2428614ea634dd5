package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	EventsReceived  *prometheus.CounterVec
	Delivered       prometheus.Counter
	DedupHits       prometheus.Counter
	SelfSuppressed  prometheus.Counter
	Skipped         *prometheus.CounterVec
	HandleFailures  prometheus.Counter
	ProcessingTime  prometheus.Histogram
	CacheEntries    prometheus.Gauge
	CacheSweptTotal prometheus.Counter
}

// NewMetrics creates new Prometheus metrics registered with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zulip_gotify_relay_events_received_total",
			Help: "Total number of events received from Zulip, by event type",
		}, []string{"type"}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Name: "zulip_gotify_relay_notifications_delivered_total",
			Help: "Total number of notifications accepted by Gotify",
		}),
		DedupHits: f.NewCounter(prometheus.CounterOpts{
			Name: "zulip_gotify_relay_dedup_hits_total",
			Help: "Total number of notifications suppressed as duplicates",
		}),
		SelfSuppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "zulip_gotify_relay_self_suppressed_total",
			Help: "Total number of events dropped because the suppressed identity sent them",
		}),
		Skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zulip_gotify_relay_events_skipped_total",
			Help: "Total number of events that produced no notification, by reason",
		}, []string{"reason"}),
		HandleFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "zulip_gotify_relay_handle_failures_total",
			Help: "Total number of events whose handling failed",
		}),
		ProcessingTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "zulip_gotify_relay_handle_duration_seconds",
			Help:    "Time spent handling one event, including delivery",
			Buckets: prometheus.DefBuckets,
		}),
		CacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "zulip_gotify_relay_dedup_cache_entries",
			Help: "Number of notifications remembered by the dedup cache",
		}),
		CacheSweptTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "zulip_gotify_relay_dedup_cache_swept_total",
			Help: "Total number of expired dedup entries removed by sweeps",
		}),
	}
}
