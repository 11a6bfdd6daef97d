package monitoring

import (
	"net/http"
	"time"

	"rsvp-system/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	admissionOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_operations_total",
			Help: "Total admission operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	conflictRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admission_conflict_retries_total",
			Help: "Session transactions retried after losing a write race",
		},
		[]string{"operation"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admission_operation_duration_seconds",
			Help:    "Duration of admission operations including retries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"operation"},
	)

	occupancyRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_occupancy_ratio",
			Help: "Confirmed seats over capacity per session",
		},
		[]string{"session_id"},
	)

	waitlistLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "session_waitlist_length",
			Help: "Current waitlist length per session",
		},
		[]string{"session_id"},
	)
)

// Monitor records admission metrics into the default Prometheus registry.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) TrackOperation(operation, outcome string, elapsed time.Duration) {
	admissionOperations.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Monitor) TrackConflictRetry(operation string) {
	conflictRetries.WithLabelValues(operation).Inc()
}

func (m *Monitor) TrackCapacity(snapshot models.CapacitySnapshot) {
	if snapshot.Capacity > 0 {
		occupancyRatio.WithLabelValues(snapshot.SessionID).Set(float64(snapshot.Confirmed) / float64(snapshot.Capacity))
	}
	waitlistLength.WithLabelValues(snapshot.SessionID).Set(float64(snapshot.Waitlisted))
}

// Handler exposes the default registry for scraping.
func (m *Monitor) Handler() http.Handler {
	return promhttp.Handler()
}
