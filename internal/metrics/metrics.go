package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	blocksScanned        prometheus.Counter
	eventsApplied        *prometheus.CounterVec
	eventsSkipped        *prometheus.CounterVec
	reconcileErrors      *prometheus.CounterVec
	reorgs               prometheus.Counter
	notificationsSent    prometheus.Counter
	notificationsDropped prometheus.Counter
	cursorHeight         prometheus.Gauge
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = &Metrics{
			blocksScanned: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "equb_sync_blocks_scanned_total",
				Help: "Total number of confirmed blocks reconciled",
			}),
			eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "equb_sync_events_applied_total",
				Help: "Contract events that changed the off-chain store",
			}, []string{"event"}),
			eventsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "equb_sync_events_skipped_total",
				Help: "Contract events that were replays or referenced unknown records",
			}, []string{"event", "reason"}),
			reconcileErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "equb_sync_reconcile_errors_total",
				Help: "Store or decode failures while applying contract events",
			}, []string{"event"}),
			reorgs: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "equb_sync_reorgs_total",
				Help: "Chain reorganisations detected at the cursor",
			}),
			notificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "equb_sync_notifications_sent_total",
				Help: "Total number of notifications sent to sinks",
			}),
			notificationsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "equb_sync_notifications_dropped_total",
				Help: "Total number of notifications dropped by the rate limit or a failed send",
			}),
			cursorHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "equb_sync_cursor_height",
				Help: "Last block fully reconciled",
			}),
		}
		prometheus.MustRegister(
			metrics.blocksScanned,
			metrics.eventsApplied,
			metrics.eventsSkipped,
			metrics.reconcileErrors,
			metrics.reorgs,
			metrics.notificationsSent,
			metrics.notificationsDropped,
			metrics.cursorHeight,
		)
	})
	return metrics
}

// BlocksScanned adds n reconciled blocks and records the new cursor height.
func (m *Metrics) BlocksScanned(n, height uint64) {
	if m != nil {
		m.blocksScanned.Add(float64(n))
		m.cursorHeight.Set(float64(height))
	}
}

func (m *Metrics) EventApplied(event string) {
	if m != nil {
		m.eventsApplied.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) EventSkipped(event, reason string) {
	if m != nil {
		m.eventsSkipped.WithLabelValues(event, reason).Inc()
	}
}

func (m *Metrics) ReconcileError(event string) {
	if m != nil {
		m.reconcileErrors.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Reorg() {
	if m != nil {
		m.reorgs.Inc()
	}
}

// NotificationSent increments the notifications sent counter.
func (m *Metrics) NotificationSent() {
	if m != nil {
		m.notificationsSent.Inc()
	}
}

// NotificationDropped increments the notifications dropped counter.
func (m *Metrics) NotificationDropped() {
	if m != nil {
		m.notificationsDropped.Inc()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
