package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway.
type Metrics struct {
	LiveConnections prometheus.Gauge
	KnownSessions   prometheus.Gauge
	StreamEvents    *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	SinkWriteErrors prometheus.Counter
	MediaChunkBytes prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		LiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Number of bound carrier connections.",
		}),
		KnownSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_sessions",
			Help:      "Number of sessions held by the live store.",
		}),
		StreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Protocol events by kind and outcome.",
		}, []string{"event", "outcome"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and event kind.",
		}, []string{"direction", "event"}),
		SinkWriteErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_write_errors_total",
			Help:      "Audio sink write failures.",
		}),
		MediaChunkBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "media_chunk_bytes",
			Help:      "Size of received audio chunk payloads in bytes.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
