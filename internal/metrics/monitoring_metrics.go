package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MonitoringMetrics отражает клиентские события сохранения в Prometheus.
type MonitoringMetrics struct {
	outcomes    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	duplicates  prometheus.Counter
	rejected    *prometheus.CounterVec
	windowRate  *prometheus.GaugeVec
	alertActive *prometheus.GaugeVec
}

// NewMonitoringMetrics создаёт метрики в глобальном реестре.
func NewMonitoringMetrics() *MonitoringMetrics {
	return NewMonitoringMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMonitoringMetricsWithRegisterer создаёт метрики в переданном реестре.
func NewMonitoringMetricsWithRegisterer(registerer prometheus.Registerer) *MonitoringMetrics {
	return &MonitoringMetrics{
		outcomes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "quotes_save_client_outcomes_total",
			Help: "Total number of terminal save outcomes reported by clients.",
		}, []string{"outcome"}),
		latency: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "quotes_save_client_latency_seconds",
			Help:    "Client-observed save latency in seconds grouped by outcome.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"outcome"}),
		duplicates: registerCounter(registerer, prometheus.CounterOpts{
			Name: "quotes_save_events_duplicate_total",
			Help: "Total number of monitoring events dropped as duplicates.",
		}),
		rejected: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "quotes_save_events_rejected_total",
			Help: "Total number of malformed monitoring events grouped by reason.",
		}, []string{"reason"}),
		windowRate: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "quotes_save_window_rate",
			Help: "Share of outcomes within the rolling monitoring window.",
		}, []string{"outcome"}),
		alertActive: registerGaugeVec(registerer, prometheus.GaugeOpts{
			Name: "quotes_save_alert_active",
			Help: "Whether a save monitoring alert is currently firing (1) or not (0).",
		}, []string{"alert"}),
	}
}

// RecordOutcome учитывает терминальный исход и его латентность.
func (m *MonitoringMetrics) RecordOutcome(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
	m.latency.WithLabelValues(outcome).Observe(latency.Seconds())
}

// RecordDuplicate учитывает отброшенный дубликат.
func (m *MonitoringMetrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

// RecordRejected учитывает некорректное событие.
func (m *MonitoringMetrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// SetWindowRate публикует долю исхода в текущем окне.
func (m *MonitoringMetrics) SetWindowRate(outcome string, rate float64) {
	if m == nil {
		return
	}
	m.windowRate.WithLabelValues(outcome).Set(rate)
}

// SetAlertActive включает или выключает алерт.
func (m *MonitoringMetrics) SetAlertActive(alert string, active bool) {
	if m == nil {
		return
	}
	value := 0.0
	if active {
		value = 1
	}
	m.alertActive.WithLabelValues(alert).Set(value)
}
