// Package monitoring агрегирует события сохранения котировок в скользящем окне
// и поднимает алерты по доле конфликтов и ошибок.
package monitoring

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/metrics"
)

const (
	// DefaultWindow — длина скользящего окна.
	DefaultWindow = 5 * time.Minute
	// DefaultBucket — ширина одной корзины окна.
	DefaultBucket = 10 * time.Second
)

var (
	// ErrInvalidEvent — событие без attempt id или с неизвестным исходом.
	ErrInvalidEvent = errors.New("invalid save monitoring event")
)

type outcomeAgg struct {
	count      int
	latencySum int64
	latencyMax int64
}

type bucket struct {
	start    time.Time
	outcomes map[domain.SaveOutcome]*outcomeAgg
}

// Collector считает терминальные исходы попыток сохранения.
// Повторная доставка одного и того же (attemptId, try, outcome) учитывается один раз;
// каждый Retry той же попытки несёт новый try и считается отдельной отправкой.
type Collector struct {
	mu        sync.Mutex
	window    time.Duration
	width     time.Duration
	buckets   []bucket
	seen      map[string]time.Time
	nextPrune time.Time
	metrics   *metrics.MonitoringMetrics
	logger    *log.Entry
	now       func() time.Time
}

// CollectorOption настраивает Collector.
type CollectorOption func(*Collector)

// WithWindow задаёт длину окна и ширину корзины.
func WithWindow(window, bucketWidth time.Duration) CollectorOption {
	return func(c *Collector) {
		if window > 0 {
			c.window = window
		}
		if bucketWidth > 0 {
			c.width = bucketWidth
		}
	}
}

// WithCollectorMetrics зеркалирует события в Prometheus.
func WithCollectorMetrics(m *metrics.MonitoringMetrics) CollectorOption {
	return func(c *Collector) {
		c.metrics = m
	}
}

// WithCollectorLogger задаёт логгер.
func WithCollectorLogger(logger *log.Entry) CollectorOption {
	return func(c *Collector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCollectorClock подменяет источник времени.
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCollector создаёт Collector с окном 5 минут и корзинами по 10 секунд.
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		window: DefaultWindow,
		width:  DefaultBucket,
		seen:   make(map[string]time.Time),
		logger: log.WithField("component", "save-monitoring"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.width > c.window {
		c.width = c.window
	}
	n := int(c.window / c.width)
	if c.window%c.width != 0 {
		n++
	}
	// лишняя корзина не даёт самой старой корзине окна совпасть с текущей
	c.buckets = make([]bucket, n+1)
	return c
}

// Window возвращает длину окна.
func (c *Collector) Window() time.Duration {
	return c.window
}

// Record учитывает событие. Возвращает true, если событие посчитано.
// Промежуточные события (pending), дубликаты и события старше окна пропускаются без ошибки.
func (c *Collector) Record(ev domain.SaveEvent) (bool, error) {
	if ev.AttemptID == "" {
		c.metrics.RecordRejected("missing_attempt_id")
		return false, fmt.Errorf("%w: attempt id is required", ErrInvalidEvent)
	}
	if ev.Outcome != domain.SaveOutcomePending && !ev.Outcome.Terminal() {
		c.metrics.RecordRejected("unknown_outcome")
		return false, fmt.Errorf("%w: unknown outcome %q", ErrInvalidEvent, ev.Outcome)
	}
	if !ev.Outcome.Terminal() {
		return false, nil
	}
	if ev.LatencyMs < 0 {
		ev.LatencyMs = 0
	}

	now := c.now()
	at := ev.Timestamp
	if at.IsZero() || at.After(now) {
		at = now
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !now.Before(c.nextPrune) {
		c.pruneSeenLocked(now)
		c.nextPrune = now.Add(c.width)
	}
	key := ev.AttemptID + "|" + strconv.Itoa(ev.Try) + "|" + string(ev.Outcome)
	if _, dup := c.seen[key]; dup {
		c.metrics.RecordDuplicate()
		return false, nil
	}
	if !at.After(now.Add(-c.window)) {
		return false, nil
	}
	c.seen[key] = now

	b := c.bucketLocked(at)
	agg, ok := b.outcomes[ev.Outcome]
	if !ok {
		agg = &outcomeAgg{}
		b.outcomes[ev.Outcome] = agg
	}
	agg.count++
	agg.latencySum += ev.LatencyMs
	if ev.LatencyMs > agg.latencyMax {
		agg.latencyMax = ev.LatencyMs
	}

	c.metrics.RecordOutcome(string(ev.Outcome), time.Duration(ev.LatencyMs)*time.Millisecond)
	if ev.Outcome == domain.SaveOutcomeHashMismatch {
		c.logger.WithFields(log.Fields{
			"attempt_id":       ev.AttemptID,
			"quote_id":         ev.QuoteID,
			"tamper_suspected": true,
		}).Warn("client reported pricing hash mismatch")
	}
	return true, nil
}

func (c *Collector) bucketLocked(at time.Time) *bucket {
	start := at.Truncate(c.width)
	idx := int((start.UnixNano() / int64(c.width)) % int64(len(c.buckets)))
	if idx < 0 {
		idx += len(c.buckets)
	}
	b := &c.buckets[idx]
	if !b.start.Equal(start) {
		b.start = start
		b.outcomes = make(map[domain.SaveOutcome]*outcomeAgg)
	}
	return b
}

// pruneSeenLocked забывает ключи дедупликации старше двух окон.
// Вызывается не чаще раза за ширину корзины.
func (c *Collector) pruneSeenLocked(now time.Time) {
	cutoff := now.Add(-2 * c.window)
	for key, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, key)
		}
	}
}

// OutcomeStats — агрегаты по одному исходу.
type OutcomeStats struct {
	Count        int     `json:"count"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	MaxLatencyMs int64   `json:"maxLatencyMs"`
}

// Stats — срез окна на момент To.
type Stats struct {
	From             time.Time                           `json:"from"`
	To               time.Time                           `json:"to"`
	Total            int                                 `json:"total"`
	Outcomes         map[domain.SaveOutcome]OutcomeStats `json:"outcomes"`
	SuccessRate      float64                             `json:"successRate"`
	ConflictRate     float64                             `json:"conflictRate"`
	HashMismatchRate float64                             `json:"hashMismatchRate"`
	// ErrorRate включает и hash_mismatch, и сетевые/серверные ошибки.
	ErrorRate float64 `json:"errorRate"`
}

// Stats возвращает агрегаты за окно, заканчивающееся в now.
// Граница окна округляется вверх до начала корзины: корзина, начатая раньше now-window,
// не учитывается целиком, поэтому события старше окна в срез не попадают.
func (c *Collector) Stats(now time.Time) Stats {
	if now.IsZero() {
		now = c.now()
	}
	from := now.Add(-c.window)

	type acc struct {
		count      int
		latencySum int64
		latencyMax int64
	}
	sums := make(map[domain.SaveOutcome]*acc)

	c.mu.Lock()
	for i := range c.buckets {
		b := &c.buckets[i]
		if b.start.IsZero() || b.start.Before(from) || b.start.After(now) {
			continue
		}
		for outcome, agg := range b.outcomes {
			a, ok := sums[outcome]
			if !ok {
				a = &acc{}
				sums[outcome] = a
			}
			a.count += agg.count
			a.latencySum += agg.latencySum
			if agg.latencyMax > a.latencyMax {
				a.latencyMax = agg.latencyMax
			}
		}
	}
	c.mu.Unlock()

	stats := Stats{
		From:     from,
		To:       now,
		Outcomes: make(map[domain.SaveOutcome]OutcomeStats, len(sums)),
	}
	for outcome, a := range sums {
		stats.Total += a.count
		stats.Outcomes[outcome] = OutcomeStats{
			Count:        a.count,
			AvgLatencyMs: float64(a.latencySum) / float64(a.count),
			MaxLatencyMs: a.latencyMax,
		}
	}
	if stats.Total == 0 {
		return stats
	}

	total := float64(stats.Total)
	stats.SuccessRate = float64(stats.Outcomes[domain.SaveOutcomeSuccess].Count) / total
	stats.ConflictRate = float64(stats.Outcomes[domain.SaveOutcomeConflict].Count) / total
	stats.HashMismatchRate = float64(stats.Outcomes[domain.SaveOutcomeHashMismatch].Count) / total
	stats.ErrorRate = float64(stats.Outcomes[domain.SaveOutcomeError].Count+stats.Outcomes[domain.SaveOutcomeHashMismatch].Count) / total
	return stats
}

// Emit реализует клиентский Sink для процесса, где координатор и сборщик живут вместе.
func (c *Collector) Emit(ev domain.SaveEvent) {
	if _, err := c.Record(ev); err != nil {
		c.logger.WithError(err).Debug("save monitoring event dropped")
	}
}
