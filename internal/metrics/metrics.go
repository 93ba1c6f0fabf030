package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlerMetrics holds the collectors of the settlement pipeline.
type SettlerMetrics struct {
	depositsSeen       *prometheus.CounterVec
	swapTransitions    *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	deliveryFee        prometheus.Histogram
	reconciliations    *prometheus.CounterVec
	priceAge           *prometheus.GaugeVec
	taskDuration       *prometheus.HistogramVec
	notificationErrors *prometheus.CounterVec
	feedReconnects     *prometheus.CounterVec
}

var (
	settlerOnce     sync.Once
	settlerRegistry *SettlerMetrics
)

// Settler returns the process-wide collectors, registering them on first use.
func Settler() *SettlerMetrics {
	settlerOnce.Do(func() {
		settlerRegistry = &SettlerMetrics{
			depositsSeen: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settler_deposits_seen_total",
				Help: "Deposits inserted by the scanner per currency.",
			}, []string{"currency"}),
			swapTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settler_swap_transitions_total",
				Help: "Swap status transitions by target status.",
			}, []string{"status"}),
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settler_deliveries_total",
				Help: "Delivery attempts by outcome.",
			}, []string{"outcome"}),
			deliveryFee: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "settler_delivery_fee_shannons",
				Help:    "Fee paid per delivery transaction.",
				Buckets: prometheus.ExponentialBuckets(500, 2, 12),
			}),
			reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settler_reconciliations_total",
				Help: "Reconciliation groups by currency and outcome.",
			}, []string{"currency", "outcome"}),
			priceAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "settler_price_age_seconds",
				Help: "Age of the cached price per symbol at its last read.",
			}, []string{"symbol"}),
			taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "settler_task_duration_seconds",
				Help:    "Duration of scheduled task runs.",
				Buckets: prometheus.DefBuckets,
			}, []string{"task", "outcome"}),
			notificationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settler_notification_errors_total",
				Help: "Failed notification deliveries by sink.",
			}, []string{"sink"}),
			feedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "settler_feed_reconnects_total",
				Help: "Market data stream reconnects per exchange.",
			}, []string{"exchange"}),
		}
		prometheus.MustRegister(
			settlerRegistry.depositsSeen,
			settlerRegistry.swapTransitions,
			settlerRegistry.deliveries,
			settlerRegistry.deliveryFee,
			settlerRegistry.reconciliations,
			settlerRegistry.priceAge,
			settlerRegistry.taskDuration,
			settlerRegistry.notificationErrors,
			settlerRegistry.feedReconnects,
		)
	})
	return settlerRegistry
}

func (m *SettlerMetrics) ObserveDeposit(currency string) {
	if m == nil {
		return
	}
	m.depositsSeen.WithLabelValues(label(currency)).Inc()
}

func (m *SettlerMetrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.swapTransitions.WithLabelValues(label(status)).Inc()
}

// ObserveDelivery records a delivery outcome and, for broadcast transactions, its fee.
func (m *SettlerMetrics) ObserveDelivery(outcome string, fee uint64) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(label(outcome)).Inc()
	if fee > 0 {
		m.deliveryFee.Observe(float64(fee))
	}
}

func (m *SettlerMetrics) ObserveReconcile(currency, outcome string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(label(currency), label(outcome)).Inc()
}

func (m *SettlerMetrics) ObservePriceAge(symbol string, age time.Duration) {
	if m == nil {
		return
	}
	m.priceAge.WithLabelValues(label(symbol)).Set(age.Seconds())
}

func (m *SettlerMetrics) ObserveTask(task string, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.taskDuration.WithLabelValues(label(task), outcome).Observe(took.Seconds())
}

func (m *SettlerMetrics) ObserveNotificationError(sink string) {
	if m == nil {
		return
	}
	m.notificationErrors.WithLabelValues(label(sink)).Inc()
}

func (m *SettlerMetrics) ObserveFeedReconnect(exchange string) {
	if m == nil {
		return
	}
	m.feedReconnects.WithLabelValues(label(exchange)).Inc()
}

func label(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}
