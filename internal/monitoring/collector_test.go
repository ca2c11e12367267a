package monitoring_test

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/metrics"
	"github.com/vladislavdragonenkov/quotesave/internal/monitoring"
)

var baseTime = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func event(attempt string, outcome domain.SaveOutcome, latencyMs int64, at time.Time) domain.SaveEvent {
	return domain.SaveEvent{
		AttemptID: attempt,
		QuoteID:   "q-1",
		Outcome:   outcome,
		LatencyMs: latencyMs,
		Timestamp: at,
	}
}

func newCollector(clock *fakeClock, opts ...monitoring.CollectorOption) *monitoring.Collector {
	opts = append([]monitoring.CollectorOption{monitoring.WithCollectorClock(clock.Now)}, opts...)
	return monitoring.NewCollector(opts...)
}

func TestCollector_RatesAndLatency(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	c := newCollector(clock)

	for i, latency := range []int64{100, 200, 100, 200, 100, 200, 100, 200, 100, 200} {
		counted, err := c.Record(event("ok-"+string(rune('a'+i)), domain.SaveOutcomeSuccess, latency, clock.Now()))
		require.NoError(t, err)
		require.True(t, counted)
	}
	for _, id := range []string{"c-1", "c-2", "c-3"} {
		_, err := c.Record(event(id, domain.SaveOutcomeConflict, 50, clock.Now()))
		require.NoError(t, err)
	}
	_, err := c.Record(event("h-1", domain.SaveOutcomeHashMismatch, 40, clock.Now()))
	require.NoError(t, err)
	_, err = c.Record(event("e-1", domain.SaveOutcomeError, 3000, clock.Now()))
	require.NoError(t, err)

	stats := c.Stats(clock.Now())
	require.Equal(t, 15, stats.Total)
	require.InDelta(t, 10.0/15, stats.SuccessRate, 1e-9)
	require.InDelta(t, 0.2, stats.ConflictRate, 1e-9)
	require.InDelta(t, 1.0/15, stats.HashMismatchRate, 1e-9)
	require.InDelta(t, 2.0/15, stats.ErrorRate, 1e-9)

	success := stats.Outcomes[domain.SaveOutcomeSuccess]
	require.Equal(t, 10, success.Count)
	require.InDelta(t, 150, success.AvgLatencyMs, 1e-9)
	require.Equal(t, int64(200), success.MaxLatencyMs)
	require.Equal(t, int64(3000), stats.Outcomes[domain.SaveOutcomeError].MaxLatencyMs)
}

func TestCollector_DedupesRedeliveredEvents(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	registry := prometheus.NewRegistry()
	c := newCollector(clock, monitoring.WithCollectorMetrics(metrics.NewMonitoringMetricsWithRegisterer(registry)))

	counted, err := c.Record(event("a-1", domain.SaveOutcomeError, 10, clock.Now()))
	require.NoError(t, err)
	require.True(t, counted)

	counted, err = c.Record(event("a-1", domain.SaveOutcomeError, 10, clock.Now()))
	require.NoError(t, err)
	require.False(t, counted)

	// повтор той же попытки завершился успехом: это другой исход
	counted, err = c.Record(event("a-1", domain.SaveOutcomeSuccess, 80, clock.Now()))
	require.NoError(t, err)
	require.True(t, counted)

	stats := c.Stats(clock.Now())
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.Outcomes[domain.SaveOutcomeError].Count)
	require.Equal(t, 1, stats.Outcomes[domain.SaveOutcomeSuccess].Count)

	require.Equal(t, 1.0, metricValue(t, registry, "quotes_save_events_duplicate_total", "", ""))
	require.Equal(t, 1.0, metricValue(t, registry, "quotes_save_client_outcomes_total", "outcome", "success"))
}

func TestCollector_IgnoresPendingAndRejectsInvalid(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	c := newCollector(clock)

	counted, err := c.Record(event("p-1", domain.SaveOutcomePending, 0, clock.Now()))
	require.NoError(t, err)
	require.False(t, counted)

	_, err = c.Record(event("", domain.SaveOutcomeSuccess, 10, clock.Now()))
	require.ErrorIs(t, err, monitoring.ErrInvalidEvent)

	_, err = c.Record(event("x-1", domain.SaveOutcome("exploded"), 10, clock.Now()))
	require.ErrorIs(t, err, monitoring.ErrInvalidEvent)

	require.Zero(t, c.Stats(clock.Now()).Total)
}

func TestCollector_WindowRollsOff(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	c := newCollector(clock, monitoring.WithWindow(time.Minute, 10*time.Second))

	_, err := c.Record(event("old", domain.SaveOutcomeConflict, 10, clock.Now()))
	require.NoError(t, err)

	clock.Advance(40 * time.Second)
	_, err = c.Record(event("new", domain.SaveOutcomeSuccess, 10, clock.Now()))
	require.NoError(t, err)
	require.Equal(t, 2, c.Stats(clock.Now()).Total)

	clock.Advance(30 * time.Second)
	stats := c.Stats(clock.Now())
	require.Equal(t, 1, stats.Total)
	require.Equal(t, 1, stats.Outcomes[domain.SaveOutcomeSuccess].Count)

	clock.Advance(2 * time.Minute)
	require.Zero(t, c.Stats(clock.Now()).Total)
}

func TestCollector_DropsEventsOlderThanWindow(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	c := newCollector(clock, monitoring.WithWindow(time.Minute, 10*time.Second))

	counted, err := c.Record(event("late", domain.SaveOutcomeSuccess, 10, clock.Now().Add(-5*time.Minute)))
	require.NoError(t, err)
	require.False(t, counted)
	require.Zero(t, c.Stats(clock.Now()).Total)
}

func TestCollector_EmitFeedsWindow(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	c := newCollector(clock)

	c.Emit(event("s-1", domain.SaveOutcomeSuccess, 25, time.Time{}))
	c.Emit(event("", domain.SaveOutcomeSuccess, 25, time.Time{}))

	require.Equal(t, 1, c.Stats(clock.Now()).Total)
}

func TestCollector_RetriesOfOneAttemptCountSeparately(t *testing.T) {
	clock := &fakeClock{now: baseTime}
	c := newCollector(clock)

	for try := 1; try <= 3; try++ {
		ev := event("a-1", domain.SaveOutcomeError, 10, clock.Now())
		ev.Try = try
		counted, err := c.Record(ev)
		require.NoError(t, err)
		require.True(t, counted, "try %d", try)

		// повторная доставка той же отправки
		counted, err = c.Record(ev)
		require.NoError(t, err)
		require.False(t, counted)
	}

	stats := c.Stats(clock.Now())
	require.Equal(t, 3, stats.Outcomes[domain.SaveOutcomeError].Count)
	require.InDelta(t, 1.0, stats.ErrorRate, 1e-9)
}
