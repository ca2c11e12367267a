package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты обработки запроса сохранения на сервере.
const (
	ResultSuccess      = "success"
	ResultConflict     = "conflict"
	ResultHashMismatch = "hash_mismatch"
	ResultInvalid      = "invalid"
	ResultNotFound     = "not_found"
	ResultError        = "error"
)

// SaveMetrics содержит серверные метрики save endpoint.
type SaveMetrics struct {
	requests      *prometheus.CounterVec
	duration      prometheus.Histogram
	replays       *prometheus.CounterVec
	historyEvents prometheus.Counter
	outboxEvents  prometheus.Counter
	quotesCreated prometheus.Counter
	releasedKeys  prometheus.Counter
}

// NewSaveMetrics создаёт метрики в глобальном реестре.
func NewSaveMetrics() *SaveMetrics {
	return NewSaveMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewSaveMetricsWithRegisterer создаёт метрики в переданном реестре.
func NewSaveMetricsWithRegisterer(registerer prometheus.Registerer) *SaveMetrics {
	return &SaveMetrics{
		requests: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "quotes_save_requests_total",
			Help: "Total number of processed save requests grouped by result.",
		}, []string{"result"}),
		duration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "quotes_save_duration_seconds",
			Help:    "Server-side duration of save request processing in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		replays: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "quotes_save_idempotent_replays_total",
			Help: "Total number of save requests answered from the idempotency store grouped by status.",
		}, []string{"status"}),
		historyEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "quotes_history_events_total",
			Help: "Total number of quote history events recorded.",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "quotes_outbox_events_total",
			Help: "Total number of quote events enqueued to outbox.",
		}),
		quotesCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "quotes_created_total",
			Help: "Total number of quotes created.",
		}),
		releasedKeys: registerCounter(registerer, prometheus.CounterOpts{
			Name: "quotes_save_idempotency_released_total",
			Help: "Total number of idempotency keys released after transient failures.",
		}),
	}
}

// RecordSave фиксирует результат и длительность обработки запроса.
func (m *SaveMetrics) RecordSave(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(result).Inc()
	m.duration.Observe(duration.Seconds())
}

// RecordReplay фиксирует ответ из хранилища идемпотентности.
func (m *SaveMetrics) RecordReplay(status string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(status).Inc()
}

// RecordHistoryEvent увеличивает счётчик событий истории.
func (m *SaveMetrics) RecordHistoryEvent() {
	if m == nil {
		return
	}
	m.historyEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *SaveMetrics) RecordOutboxEvent() {
	if m == nil {
		return
	}
	m.outboxEvents.Inc()
}

// RecordQuoteCreated увеличивает счётчик созданных котировок.
func (m *SaveMetrics) RecordQuoteCreated() {
	if m == nil {
		return
	}
	m.quotesCreated.Inc()
}

// RecordKeyReleased увеличивает счётчик освобождённых ключей идемпотентности.
func (m *SaveMetrics) RecordKeyReleased() {
	if m == nil {
		return
	}
	m.releasedKeys.Inc()
}
