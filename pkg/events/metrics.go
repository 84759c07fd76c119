package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the provider counters derived from the event stream.
type Metrics struct {
	ConnectionsTotal   prometheus.Counter
	ConnectionsActive  prometheus.Gauge
	RequestsTotal      prometheus.Counter
	BytesSent          prometheus.Counter
	TransfersCompleted prometheus.Counter
	TransfersAborted   prometheus.Counter
	TransferDuration   prometheus.Histogram
	OtherEvents        prometheus.Counter
}

// NewMetrics registers the provider metrics with registry, or with the
// default registerer when registry is nil.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "blobshare_provider_connections_total",
			Help: "Total number of client connections accepted",
		}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "blobshare_provider_connections_active",
			Help: "Number of currently open client connections",
		}),
		RequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "blobshare_provider_requests_total",
			Help: "Total number of blob requests received",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "blobshare_provider_bytes_sent_total",
			Help: "Total number of blob bytes sent to clients",
		}),
		TransfersCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "blobshare_provider_transfers_completed_total",
			Help: "Total number of transfers that finished successfully",
		}),
		TransfersAborted: factory.NewCounter(prometheus.CounterOpts{
			Name: "blobshare_provider_transfers_aborted_total",
			Help: "Total number of transfers that ended early",
		}),
		TransferDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "blobshare_provider_transfer_duration_seconds",
			Help:    "Duration of completed transfers",
			Buckets: prometheus.DefBuckets,
		}),
		OtherEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "blobshare_provider_other_events_total",
			Help: "Total number of events without a dedicated metric",
		}),
	}
}

// RegisterSink exposes the sink's queue depth and drop count.
func RegisterSink(registry prometheus.Registerer, s *Sink) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "blobshare_event_queue_length",
		Help: "Number of provider events waiting to be consumed",
	}, func() float64 { return float64(s.Len()) })
	factory.NewCounterFunc(prometheus.CounterOpts{
		Name: "blobshare_events_dropped_total",
		Help: "Number of provider events dropped because the queue was full",
	}, func() float64 { return float64(s.Dropped()) })
}
