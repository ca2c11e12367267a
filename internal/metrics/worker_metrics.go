package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RelayMetrics описывает публикацию событий котировок из outbox.
type RelayMetrics struct {
	published *prometheus.CounterVec
	attempts  *prometheus.CounterVec
	deferred  prometheus.Counter
	pending   prometheus.Gauge
	oldestAge prometheus.Gauge
}

// NewRelayMetricsWithRegisterer создаёт метрики outbox relay в переданном реестре.
func NewRelayMetricsWithRegisterer(registerer prometheus.Registerer) *RelayMetrics {
	return &RelayMetrics{
		published: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "quotes_outbox_published_total",
			Help: "Total number of quote events published from outbox grouped by event type.",
		}, []string{"event_type"}),
		attempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "quotes_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result.",
		}, []string{"result"}),
		deferred: registerCounter(registerer, prometheus.CounterOpts{
			Name: "quotes_outbox_deferred_total",
			Help: "Total number of events left pending because an earlier event of the same quote failed.",
		}),
		pending: register(registerer, "quotes_outbox_pending_records", prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotes_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox.",
		})),
		oldestAge: register(registerer, "quotes_outbox_oldest_pending_age_seconds", prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotes_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		})),
	}
}

// RecordAttempt учитывает попытку публикации.
func (m *RelayMetrics) RecordAttempt(result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(result).Inc()
}

// RecordPublished учитывает успешно опубликованное событие.
func (m *RelayMetrics) RecordPublished(eventType string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(eventType).Inc()
}

// RecordDeferred учитывает событие, отложенное ради порядка внутри котировки.
func (m *RelayMetrics) RecordDeferred() {
	if m == nil {
		return
	}
	m.deferred.Inc()
}

// SetBacklog публикует размер и возраст backlog.
func (m *RelayMetrics) SetBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.pending.Set(float64(pending))
	m.oldestAge.Set(oldestAge.Seconds())
}

// CleanupMetrics описывает очистку просроченных ключей попыток сохранения.
type CleanupMetrics struct {
	runs        *prometheus.CounterVec
	deleted     prometheus.Counter
	lastDeleted prometheus.Gauge
}

// NewCleanupMetricsWithRegisterer создаёт метрики очистки в переданном реестре.
func NewCleanupMetricsWithRegisterer(registerer prometheus.Registerer) *CleanupMetrics {
	return &CleanupMetrics{
		runs: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "quotes_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result.",
		}, []string{"result"}),
		deleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "quotes_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records.",
		}),
		lastDeleted: register(registerer, "quotes_idempotency_cleanup_last_deleted", prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotes_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run.",
		})),
	}
}

// RecordRun фиксирует завершение цикла очистки.
func (m *CleanupMetrics) RecordRun(result string, deleted int) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
	if result == "ok" {
		m.lastDeleted.Set(float64(deleted))
	}
}

// AddDeleted увеличивает счётчик удалённых записей.
func (m *CleanupMetrics) AddDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deleted.Add(float64(n))
}
