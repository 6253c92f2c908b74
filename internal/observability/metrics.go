package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	RunningSessions    prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	SnapshotsDelivered prometheus.Counter
	DriftSeconds       prometheus.Histogram
	WSMessages         *prometheus.CounterVec

	// Window holds the recent per-routine drift samples behind the
	// /v1/stats/drift endpoint.
	Window *DriftWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Window: NewDriftWindow(defaultDriftWindowSize),
		RunningSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "running_sessions",
			Help:      "Number of routine sessions currently running.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		SnapshotsDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_delivered_total",
			Help:      "Progress snapshots handed to the display adapter.",
		}),
		DriftSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "drift_seconds",
			Help:      "Signed schedule drift observed in delivered snapshots. Negative means behind plan.",
			Buckets:   []float64{-1800, -600, -300, -120, -60, 0, 60, 120, 300, 600, 1800},
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
	}
}

func (m *Metrics) ObserveSnapshot(drift time.Duration) {
	m.SnapshotsDelivered.Inc()
	m.DriftSeconds.Observe(drift.Seconds())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
