package quotes_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/metrics"
	"github.com/vladislavdragonenkov/quotesave/internal/pricing"
	"github.com/vladislavdragonenkov/quotesave/internal/service/quotes"
	"github.com/vladislavdragonenkov/quotesave/internal/storage/memory"
)

type fixture struct {
	svc     *quotes.Service
	repo    domain.QuoteRepository
	history domain.HistoryRepository
	outbox  *memory.OutboxRepository
	idem    domain.IdempotencyRepository
	metrics *metrics.SaveMetrics
}

func loggerForTests() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "quote-service-test")
}

func newFixture(t *testing.T, repo domain.QuoteRepository) fixture {
	t.Helper()
	if repo == nil {
		repo = memory.NewQuoteRepository()
	}
	f := fixture{
		repo:    repo,
		history: memory.NewHistoryRepository(),
		outbox:  memory.NewOutboxRepository(),
		idem:    memory.NewIdempotencyRepository(),
		metrics: metrics.NewSaveMetricsWithRegisterer(prometheus.NewRegistry()),
	}
	f.svc = quotes.NewService(f.repo, f.history, f.outbox, f.idem,
		quotes.WithLogger(loggerForTests()),
		quotes.WithMetrics(f.metrics),
	)
	return f
}

func sampleContent() domain.QuoteContent {
	return domain.QuoteContent{
		Currency:  "EUR",
		Travelers: 2,
		Items: []domain.LineItem{
			{ID: "fl-1", Kind: domain.LineItemFlight, Title: "LIS-FNC", Quantity: 2, UnitPrice: 450.50},
		},
		Subtotal:           901.00,
		AgentMarkupPercent: 10,
		AgentMarkup:        90.10,
		Taxes:              50,
		Fees:               10,
		Total:              1051.10,
	}
}

func editedContent() domain.QuoteContent {
	c := sampleContent()
	c.Items = append(c.Items, domain.LineItem{ID: "ht-1", Kind: domain.LineItemHotel, Title: "Funchal 3n", Quantity: 1, UnitPrice: 300})
	c.Subtotal = 1201.00
	c.Total = 1351.10
	return c
}

func createQuote(t *testing.T, f fixture, id string) domain.Quote {
	t.Helper()
	content := sampleContent()
	quote, err := f.svc.Create(context.Background(), quotes.CreateQuoteInput{
		ID:          id,
		AgentID:     "agent-1",
		ClientID:    "client-1",
		Content:     content,
		PricingHash: pricing.ComputeHash(content),
	})
	require.NoError(t, err)
	return quote
}

func saveRequest(quoteID string, expected int64, content domain.QuoteContent) domain.SaveRequest {
	return domain.SaveRequest{
		QuoteID:         quoteID,
		ExpectedVersion: expected,
		Content:         content,
		PricingHash:     pricing.ComputeHash(content),
	}
}

func historyTypes(t *testing.T, f fixture, quoteID string) []string {
	t.Helper()
	events, err := f.history.List(quoteID)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func outboxTypes(f fixture) []string {
	pending := f.outbox.AllPending()
	types := make([]string, 0, len(pending))
	for _, msg := range pending {
		types = append(types, msg.EventType)
	}
	return types
}

func TestCreate_AssignsVersionOneAndRecordsHistory(t *testing.T) {
	f := newFixture(t, nil)
	quote := createQuote(t, f, "q-1")

	require.Equal(t, int64(1), quote.Version)
	require.Equal(t, domain.QuoteStatusDraft, quote.Status)
	require.Equal(t, []string{domain.HistoryQuoteCreated}, historyTypes(t, f, "q-1"))
	require.Equal(t, []string{domain.EventQuoteCreated}, outboxTypes(f))
}

func TestCreate_RejectsHashMismatchAndInvalidContent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, quotes.CreateQuoteInput{ID: "q-1", Content: sampleContent(), PricingHash: "v1:bogus"})
	require.True(t, domain.IsPricingHashMismatch(err))

	empty := domain.QuoteContent{Currency: "EUR"}
	_, err = f.svc.Create(ctx, quotes.CreateQuoteInput{ID: "q-2", Content: empty, PricingHash: pricing.ComputeHash(empty)})
	require.True(t, quotes.IsInvalidRequest(err))

	createQuote(t, f, "q-3")
	content := sampleContent()
	_, err = f.svc.Create(ctx, quotes.CreateQuoteInput{ID: "q-3", Content: content, PricingHash: pricing.ComputeHash(content)})
	require.ErrorIs(t, err, domain.ErrQuoteAlreadyExists)
}

func TestSave_SuccessIncrementsVersion(t *testing.T) {
	f := newFixture(t, nil)
	createQuote(t, f, "q-1")

	resp, err := f.svc.Save(context.Background(), "attempt-1", saveRequest("q-1", 1, editedContent()))
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, int64(2), resp.NewVersion)

	stored, err := f.repo.Get("q-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Version)
	require.Len(t, stored.Content.Items, 2)

	require.Equal(t, []string{domain.HistoryQuoteCreated, domain.HistoryQuoteSaved}, historyTypes(t, f, "q-1"))
	require.Equal(t, []string{domain.EventQuoteCreated, domain.EventQuoteSaved}, outboxTypes(f))
}

func TestSave_StaleVersionReturnsConflictWithSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	createQuote(t, f, "q-1")
	ctx := context.Background()

	_, err := f.svc.Save(ctx, "attempt-a", saveRequest("q-1", 1, editedContent()))
	require.NoError(t, err)

	resp, err := f.svc.Save(ctx, "attempt-b", saveRequest("q-1", 1, sampleContent()))
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, domain.SaveReasonConflict, resp.Reason)
	require.NotNil(t, resp.ServerSnapshot)
	require.Equal(t, int64(2), resp.ServerSnapshot.Version)
	require.Len(t, resp.ServerSnapshot.Content.Items, 2)
	require.Equal(t, http.StatusConflict, quotes.ResponseStatus(resp))

	stored, err := f.repo.Get("q-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Version, "conflict must not write")

	types := historyTypes(t, f, "q-1")
	require.Equal(t, domain.HistoryVersionConflict, types[len(types)-1])

	events, err := f.history.List("q-1")
	require.NoError(t, err)
	require.Equal(t, "expected 1, server 2", events[len(events)-1].Reason)
}

func TestSave_HashMismatchIsRejectedBeforeVersionCheck(t *testing.T) {
	f := newFixture(t, nil)
	createQuote(t, f, "q-1")

	req := saveRequest("q-1", 7, editedContent())
	req.Content.Total = 1.00
	req.Content.Subtotal = 1.00
	req.Content.Items = []domain.LineItem{{ID: "fl-1", Kind: domain.LineItemFlight, Quantity: 1, UnitPrice: 1.00}}
	req.Content.AgentMarkup, req.Content.Taxes, req.Content.Fees = 0, 0, 0

	resp, err := f.svc.Save(context.Background(), "attempt-1", req)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, domain.SaveReasonHashMismatch, resp.Reason)
	require.Nil(t, resp.ServerSnapshot)
	require.Equal(t, http.StatusUnprocessableEntity, quotes.ResponseStatus(resp))

	stored, err := f.repo.Get("q-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), stored.Version)

	types := historyTypes(t, f, "q-1")
	require.Equal(t, domain.HistoryPricingHashMismatch, types[len(types)-1])
	outbox := outboxTypes(f)
	require.Equal(t, domain.EventQuotePricingHashMismatch, outbox[len(outbox)-1])
}

func TestSave_RoundingDriftDoesNotTripHash(t *testing.T) {
	f := newFixture(t, nil)
	createQuote(t, f, "q-1")

	req := saveRequest("q-1", 1, sampleContent())
	req.Content.Taxes = 50.004
	req.Content.Total = 1051.104

	resp, err := f.svc.Save(context.Background(), "attempt-1", req)
	require.NoError(t, err)
	require.True(t, resp.Success)
}

func TestSave_ValidationAndNotFound(t *testing.T) {
	f := newFixture(t, nil)
	createQuote(t, f, "q-1")
	ctx := context.Background()

	empty := domain.QuoteContent{Currency: "EUR"}
	_, err := f.svc.Save(ctx, "attempt-1", saveRequest("q-1", 1, empty))
	require.True(t, quotes.IsInvalidRequest(err))

	_, err = f.svc.Save(ctx, "attempt-2", saveRequest("missing", 1, sampleContent()))
	require.ErrorIs(t, err, domain.ErrQuoteNotFound)

	req := saveRequest("q-1", 1, sampleContent())
	req.Resolution = &domain.ConflictDecision{Choice: "merge-somehow"}
	_, err = f.svc.Save(ctx, "attempt-3", req)
	require.True(t, quotes.IsInvalidRequest(err))

	_, err = f.svc.Save(ctx, "", saveRequest("q-1", 1, sampleContent()))
	require.True(t, quotes.IsInvalidRequest(err))
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
}

func TestSave_ResolutionIsRecordedInHistory(t *testing.T) {
	f := newFixture(t, nil)
	createQuote(t, f, "q-1")
	ctx := context.Background()

	_, err := f.svc.Save(ctx, "attempt-a", saveRequest("q-1", 1, editedContent()))
	require.NoError(t, err)

	req := saveRequest("q-1", 2, sampleContent())
	req.Resolution = &domain.ConflictDecision{
		Choice:          domain.ConflictKeepMine,
		ConflictAttempt: "attempt-b",
		ServerVersion:   2,
		DecidedAt:       time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
	resp, err := f.svc.Save(ctx, "attempt-c", req)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, int64(3), resp.NewVersion)

	events, err := f.history.List("q-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, domain.HistoryConflictResolved, last.Type)
	require.Equal(t, string(domain.ConflictKeepMine), last.Reason)
	require.Equal(t, "attempt-c", last.AttemptID)
}

func TestSave_DoubleSubmitReplaysStoredResponse(t *testing.T) {
	f := newFixture(t, nil)
	createQuote(t, f, "q-1")
	ctx := context.Background()
	req := saveRequest("q-1", 1, editedContent())

	first, err := f.svc.Save(ctx, "attempt-1", req)
	require.NoError(t, err)
	second, err := f.svc.Save(ctx, "attempt-1", req)
	require.NoError(t, err)
	require.Equal(t, first, second)

	stored, err := f.repo.Get("q-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), stored.Version, "replay must not apply the save twice")
	require.Equal(t, []string{domain.HistoryQuoteCreated, domain.HistoryQuoteSaved}, historyTypes(t, f, "q-1"))
}

func TestSave_ReplaysConflictOutcome(t *testing.T) {
	f := newFixture(t, nil)
	createQuote(t, f, "q-1")
	ctx := context.Background()

	_, err := f.svc.Save(ctx, "attempt-a", saveRequest("q-1", 1, editedContent()))
	require.NoError(t, err)

	stale := saveRequest("q-1", 1, sampleContent())
	first, err := f.svc.Save(ctx, "attempt-b", stale)
	require.NoError(t, err)
	second, err := f.svc.Save(ctx, "attempt-b", stale)
	require.NoError(t, err)
	require.Equal(t, domain.SaveReasonConflict, second.Reason)
	require.Equal(t, first.ServerSnapshot.Version, second.ServerSnapshot.Version)

	record, err := f.idem.Get("attempt-b")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusDone, record.Status)
	require.Equal(t, http.StatusConflict, record.HTTPStatus)
}

func TestSave_KeyReusedWithDifferentBody(t *testing.T) {
	f := newFixture(t, nil)
	createQuote(t, f, "q-1")
	ctx := context.Background()

	_, err := f.svc.Save(ctx, "attempt-1", saveRequest("q-1", 1, editedContent()))
	require.NoError(t, err)

	_, err = f.svc.Save(ctx, "attempt-1", saveRequest("q-1", 2, sampleContent()))
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestSave_FailedOutcomeIsReplayed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Save(ctx, "attempt-1", saveRequest("missing", 1, sampleContent()))
	require.ErrorIs(t, err, domain.ErrQuoteNotFound)

	_, err = f.svc.Save(ctx, "attempt-1", saveRequest("missing", 1, sampleContent()))
	require.ErrorIs(t, err, domain.ErrQuoteNotFound)

	record, err := f.idem.Get("attempt-1")
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyStatusFailed, record.Status)
	require.Equal(t, http.StatusNotFound, record.HTTPStatus)
}

// gatedRepo останавливает первый Save, пока тест не откроет gate.
type gatedRepo struct {
	domain.QuoteRepository
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (r *gatedRepo) Save(quote domain.Quote) error {
	r.once.Do(func() {
		close(r.entered)
		<-r.gate
	})
	return r.QuoteRepository.Save(quote)
}

func TestSave_ConcurrentDuplicateSeesInProgress(t *testing.T) {
	repo := &gatedRepo{
		QuoteRepository: memory.NewQuoteRepository(),
		entered:         make(chan struct{}),
		gate:            make(chan struct{}),
	}
	f := newFixture(t, repo)
	createQuote(t, f, "q-1")
	req := saveRequest("q-1", 1, editedContent())

	type result struct {
		resp domain.SaveResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := f.svc.Save(context.Background(), "attempt-1", req)
		done <- result{resp: resp, err: err}
	}()

	<-repo.entered
	_, err := f.svc.Save(context.Background(), "attempt-1", req)
	require.ErrorIs(t, err, quotes.ErrSaveInProgress)

	close(repo.gate)
	res := <-done
	require.NoError(t, res.err)
	require.True(t, res.resp.Success)
}

// racingRepo меняет версию между проверкой и записью, как параллельный writer.
type racingRepo struct {
	domain.QuoteRepository
	once sync.Once
}

func (r *racingRepo) Save(quote domain.Quote) error {
	r.once.Do(func() {
		other := quote
		other.Content = quote.Content.Clone()
		other.Content.Notes = "saved by another session"
		_ = r.QuoteRepository.Save(other)
	})
	return r.QuoteRepository.Save(quote)
}

func TestSave_LostRaceReturnsFreshSnapshot(t *testing.T) {
	f := newFixture(t, &racingRepo{QuoteRepository: memory.NewQuoteRepository()})
	createQuote(t, f, "q-1")

	resp, err := f.svc.Save(context.Background(), "attempt-1", saveRequest("q-1", 1, editedContent()))
	require.NoError(t, err)
	require.Equal(t, domain.SaveReasonConflict, resp.Reason)
	require.NotNil(t, resp.ServerSnapshot)
	require.Equal(t, int64(2), resp.ServerSnapshot.Version)
	require.Equal(t, "saved by another session", resp.ServerSnapshot.Content.Notes)
}

// failingRepo возвращает временную ошибку хранилища при записи.
type failingRepo struct {
	domain.QuoteRepository
	mu    sync.Mutex
	fails int
}

var errStorageDown = errors.New("storage unavailable")

func (r *failingRepo) Save(quote domain.Quote) error {
	r.mu.Lock()
	if r.fails > 0 {
		r.fails--
		r.mu.Unlock()
		return errStorageDown
	}
	r.mu.Unlock()
	return r.QuoteRepository.Save(quote)
}

func TestSave_TransientFailureReleasesKey(t *testing.T) {
	repo := &failingRepo{QuoteRepository: memory.NewQuoteRepository(), fails: 1}
	f := newFixture(t, repo)
	createQuote(t, f, "q-1")
	ctx := context.Background()
	req := saveRequest("q-1", 1, editedContent())

	_, err := f.svc.Save(ctx, "attempt-1", req)
	require.ErrorIs(t, err, errStorageDown)
	require.False(t, quotes.IsInvalidRequest(err))

	_, err = f.idem.Get("attempt-1")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	resp, err := f.svc.Save(ctx, "attempt-1", req)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, int64(2), resp.NewVersion)
}

func TestSave_MetricsByResult(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.NewSaveMetricsWithRegisterer(registry)
	repo := memory.NewQuoteRepository()
	svc := quotes.NewService(repo, memory.NewHistoryRepository(), memory.NewOutboxRepository(), memory.NewIdempotencyRepository(),
		quotes.WithLogger(loggerForTests()),
		quotes.WithMetrics(m),
	)
	f := fixture{svc: svc, repo: repo}
	createQuote(t, f, "q-1")
	ctx := context.Background()

	_, err := svc.Save(ctx, "a-1", saveRequest("q-1", 1, editedContent()))
	require.NoError(t, err)
	_, err = svc.Save(ctx, "a-2", saveRequest("q-1", 1, sampleContent()))
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(registry, "quotes_save_requests_total")
	require.NoError(t, err)
	require.Equal(t, 2, count, "one series per result label")
	count, err = testutil.GatherAndCount(registry, "quotes_save_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestListByAgentAndHistory(t *testing.T) {
	f := newFixture(t, nil)
	createQuote(t, f, "q-1")
	createQuote(t, f, "q-2")
	ctx := context.Background()

	list, err := f.svc.ListByAgent(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, list, 2)

	_, err = f.svc.ListByAgent(ctx, " ", 10)
	require.True(t, quotes.IsInvalidRequest(err))

	events, err := f.svc.History(ctx, "q-1")
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, err = f.svc.History(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrQuoteNotFound)
}

func TestChangeStatus_LifecycleWithVersionGuard(t *testing.T) {
	f := newFixture(t, nil)
	createQuote(t, f, "q-1")
	ctx := context.Background()

	sent, err := f.svc.ChangeStatus(ctx, quotes.ChangeStatusInput{QuoteID: "q-1", ExpectedVersion: 1, Status: domain.QuoteStatusSent})
	require.NoError(t, err)
	require.Equal(t, domain.QuoteStatusSent, sent.Status)
	require.Equal(t, int64(2), sent.Version)

	_, err = f.svc.ChangeStatus(ctx, quotes.ChangeStatusInput{QuoteID: "q-1", ExpectedVersion: 1, Status: domain.QuoteStatusAccepted})
	require.ErrorIs(t, err, domain.ErrQuoteVersionConflict)

	_, err = f.svc.ChangeStatus(ctx, quotes.ChangeStatusInput{QuoteID: "q-1", ExpectedVersion: 2, Status: domain.QuoteStatusSent})
	require.ErrorIs(t, err, domain.ErrQuoteStatusTransition)

	_, err = f.svc.ChangeStatus(ctx, quotes.ChangeStatusInput{QuoteID: "q-1", ExpectedVersion: 2, Status: "archived"})
	require.True(t, quotes.IsInvalidRequest(err))

	_, err = f.svc.ChangeStatus(ctx, quotes.ChangeStatusInput{QuoteID: "missing", ExpectedVersion: 1, Status: domain.QuoteStatusSent})
	require.ErrorIs(t, err, domain.ErrQuoteNotFound)

	stored, err := f.repo.Get("q-1")
	require.NoError(t, err)
	require.Equal(t, domain.QuoteStatusSent, stored.Status)
	require.Equal(t, int64(2), stored.Version)

	events, err := f.history.List("q-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	require.Equal(t, domain.HistoryStatusChanged, last.Type)
	require.Equal(t, "draft -> sent", last.Reason)
	require.Equal(t, domain.EventQuoteStatusChanged, outboxTypes(f)[len(outboxTypes(f))-1])
}

func TestSave_AllowedWhileSentRejectedOnceAccepted(t *testing.T) {
	f := newFixture(t, nil)
	createQuote(t, f, "q-1")
	ctx := context.Background()

	_, err := f.svc.ChangeStatus(ctx, quotes.ChangeStatusInput{QuoteID: "q-1", ExpectedVersion: 1, Status: domain.QuoteStatusSent})
	require.NoError(t, err)

	resp, err := f.svc.Save(ctx, "attempt-sent", saveRequest("q-1", 2, editedContent()))
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, int64(3), resp.NewVersion)

	_, err = f.svc.ChangeStatus(ctx, quotes.ChangeStatusInput{QuoteID: "q-1", ExpectedVersion: 3, Status: domain.QuoteStatusAccepted})
	require.NoError(t, err)

	_, err = f.svc.Save(ctx, "attempt-accepted", saveRequest("q-1", 4, sampleContent()))
	require.ErrorIs(t, err, domain.ErrQuoteNotEditable)
	require.True(t, quotes.IsInvalidRequest(err))

	// отказ детерминирован, поэтому повтор той же попытки получает его же из кэша
	_, err = f.svc.Save(ctx, "attempt-accepted", saveRequest("q-1", 4, sampleContent()))
	require.True(t, quotes.IsInvalidRequest(err))

	stored, err := f.repo.Get("q-1")
	require.NoError(t, err)
	require.Equal(t, int64(4), stored.Version)
	require.Len(t, stored.Content.Items, 2, "frozen quote must keep its content")
}
