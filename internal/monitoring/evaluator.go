package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/metrics"
)

const (
	// AlertConflictRate срабатывает при высокой доле конфликтов версий.
	AlertConflictRate = "conflict_rate"
	// AlertErrorRate срабатывает при высокой доле ошибок и несовпадений хеша.
	AlertErrorRate = "error_rate"

	defaultConflictThreshold = 0.2
	defaultErrorThreshold    = 0.1
	defaultMinSamples        = 20
	defaultEvaluateInterval  = 15 * time.Second
)

// StatsSource отдаёт агрегаты окна.
type StatsSource interface {
	Stats(now time.Time) Stats
}

// Thresholds — пороги алертов. Алерт оценивается только при Total >= MinSamples.
type Thresholds struct {
	ConflictRate float64
	ErrorRate    float64
	MinSamples   int
}

// DefaultThresholds возвращает пороги по умолчанию.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ConflictRate: defaultConflictThreshold,
		ErrorRate:    defaultErrorThreshold,
		MinSamples:   defaultMinSamples,
	}
}

// Alert — состояние одного алерта.
type Alert struct {
	Name      string    `json:"name"`
	Rate      float64   `json:"rate"`
	Threshold float64   `json:"threshold"`
	Since     time.Time `json:"since"`
}

// Evaluator периодически сравнивает доли исходов с порогами.
type Evaluator struct {
	source     StatsSource
	thresholds Thresholds
	metrics    *metrics.MonitoringMetrics
	logger     *log.Entry
	now        func() time.Time

	mu     sync.Mutex
	active map[string]Alert
}

// EvaluatorOption настраивает Evaluator.
type EvaluatorOption func(*Evaluator)

// WithThresholds задаёт пороги. Нулевые поля остаются по умолчанию.
func WithThresholds(t Thresholds) EvaluatorOption {
	return func(e *Evaluator) {
		if t.ConflictRate > 0 {
			e.thresholds.ConflictRate = t.ConflictRate
		}
		if t.ErrorRate > 0 {
			e.thresholds.ErrorRate = t.ErrorRate
		}
		if t.MinSamples > 0 {
			e.thresholds.MinSamples = t.MinSamples
		}
	}
}

// WithEvaluatorMetrics включает gauge активных алертов.
func WithEvaluatorMetrics(m *metrics.MonitoringMetrics) EvaluatorOption {
	return func(e *Evaluator) {
		e.metrics = m
	}
}

// WithEvaluatorLogger задаёт логгер.
func WithEvaluatorLogger(logger *log.Entry) EvaluatorOption {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEvaluatorClock подменяет источник времени.
func WithEvaluatorClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEvaluator создаёт Evaluator поверх источника статистики.
func NewEvaluator(source StatsSource, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		source:     source,
		thresholds: DefaultThresholds(),
		logger:     log.WithField("component", "save-alerts"),
		now:        func() time.Time { return time.Now().UTC() },
		active:     make(map[string]Alert),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate проверяет пороги на момент now и возвращает активные алерты.
// Переход в firing и обратно логируется один раз.
func (e *Evaluator) Evaluate(now time.Time) []Alert {
	if now.IsZero() {
		now = e.now()
	}
	stats := e.source.Stats(now)
	enough := stats.Total >= e.thresholds.MinSamples

	e.mu.Lock()
	defer e.mu.Unlock()

	e.checkLocked(AlertConflictRate, enough && stats.ConflictRate > e.thresholds.ConflictRate,
		stats.ConflictRate, e.thresholds.ConflictRate, stats.Total, now)
	e.checkLocked(AlertErrorRate, enough && stats.ErrorRate > e.thresholds.ErrorRate,
		stats.ErrorRate, e.thresholds.ErrorRate, stats.Total, now)

	e.metrics.SetWindowRate("success", stats.SuccessRate)
	e.metrics.SetWindowRate("conflict", stats.ConflictRate)
	e.metrics.SetWindowRate("hash_mismatch", stats.HashMismatchRate)
	e.metrics.SetWindowRate("error", stats.ErrorRate)

	return e.activeLocked()
}

func (e *Evaluator) checkLocked(name string, firing bool, rate, threshold float64, total int, now time.Time) {
	prev, wasFiring := e.active[name]
	fields := log.Fields{
		"alert":     name,
		"rate":      rate,
		"threshold": threshold,
		"samples":   total,
	}

	switch {
	case firing && !wasFiring:
		e.active[name] = Alert{Name: name, Rate: rate, Threshold: threshold, Since: now}
		e.metrics.SetAlertActive(name, true)
		e.logger.WithFields(fields).Warn("save alert firing")
	case firing && wasFiring:
		prev.Rate = rate
		e.active[name] = prev
	case !firing && wasFiring:
		delete(e.active, name)
		e.metrics.SetAlertActive(name, false)
		fields["firing_for"] = now.Sub(prev.Since).String()
		e.logger.WithFields(fields).Info("save alert resolved")
	}
}

// Active возвращает активные алерты, отсортированные по имени.
func (e *Evaluator) Active() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeLocked()
}

func (e *Evaluator) activeLocked() []Alert {
	alerts := make([]Alert, 0, len(e.active))
	for _, alert := range e.active {
		alerts = append(alerts, alert)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Name < alerts[j].Name })
	return alerts
}

// Run оценивает алерты по тикеру до отмены контекста.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultEvaluateInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.WithField("interval", interval).Info("save alert evaluator started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("save alert evaluator stopped")
			return nil
		case <-ticker.C:
			e.Evaluate(e.now())
		}
	}
}
