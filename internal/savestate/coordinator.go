package savestate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/pricing"
)

// Saver отправляет запрос сохранения на сервер.
// Ошибка означает сбой транспорта; отказ сервера приходит в SaveResponse.
type Saver interface {
	Save(ctx context.Context, req domain.SaveRequest) (domain.SaveResponse, error)
}

// Sink принимает события мониторинга. Emit не должен блокировать вызывающего.
type Sink interface {
	Emit(event domain.SaveEvent)
}

// NopSink отбрасывает события.
type NopSink struct{}

// Emit ничего не делает.
func (NopSink) Emit(domain.SaveEvent) {}

// Observer получает уведомление о каждом переходе состояния.
// Вызывается под блокировкой координатора: методы Coordinator из него вызывать нельзя.
type Observer func(from, to State)

// Options задаёт параметры координатора.
type Options struct {
	Logger   *log.Entry
	Sink     Sink
	Observer Observer
	Now      func() time.Time
	NewID    func() string
}

// Option настраивает Coordinator.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithSink задаёт приёмник событий мониторинга.
func WithSink(sink Sink) Option {
	return func(opts *Options) {
		opts.Sink = sink
	}
}

// WithObserver подписывает UI на смену состояний.
func WithObserver(observer Observer) Option {
	return func(opts *Options) {
		opts.Observer = observer
	}
}

// WithClock подменяет источник времени (для тестов).
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Now = now
	}
}

// WithIDGenerator подменяет генератор идентификаторов попыток.
func WithIDGenerator(newID func() string) Option {
	return func(opts *Options) {
		opts.NewID = newID
	}
}

// Coordinator владеет черновиком одной котировки и ведёт автомат сохранения.
//
// Методы безопасны для вызова из разных горутин. Во время запроса к серверу
// блокировка отпущена, поэтому пользователь может продолжать редактирование.
type Coordinator struct {
	saver    Saver
	sink     Sink
	observer Observer
	logger   *log.Entry
	now      func() time.Time
	newID    func() string

	mu        sync.Mutex
	draft     domain.QuoteDraft
	revision  uint64
	state     State
	decisions []domain.ConflictDecision
}

// NewCoordinator создаёт координатор для черновика, загруженного с сервера.
func NewCoordinator(draft domain.QuoteDraft, saver Saver, options ...Option) *Coordinator {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "save-coordinator")
	}
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	return &Coordinator{
		saver:    saver,
		sink:     sink,
		observer: opts.Observer,
		logger:   logger.WithField("quote_id", draft.QuoteID),
		now:      now,
		newID:    newID,
		draft:    draft.Clone(),
		revision: 1,
		state:    Idle(),
	}
}

// State возвращает текущее состояние.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.snapshot()
}

// Draft возвращает копию текущего черновика.
func (c *Coordinator) Draft() domain.QuoteDraft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft.Clone()
}

// Decisions возвращает решения пользователя по конфликтам в порядке принятия.
func (c *Coordinator) Decisions() []domain.ConflictDecision {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ConflictDecision, len(c.decisions))
	copy(out, c.decisions)
	return out
}

// Edit заменяет содержимое черновика. Разрешено в любом состоянии:
// попытка в полёте и снимки конфликта хранят собственные копии.
func (c *Coordinator) Edit(content domain.QuoteContent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.draft.Content = content.Clone()
	c.draft.Dirty = true
	c.revision++
}

// Save отправляет текущий черновик. Результат сервера отражается в состоянии;
// ошибка возвращается только если отправка не начиналась.
func (c *Coordinator) Save(ctx context.Context) (State, error) {
	c.mu.Lock()
	switch c.state.Kind {
	case KindSaving:
		c.mu.Unlock()
		return c.State(), ErrSaveInFlight
	case KindConflict:
		c.mu.Unlock()
		return c.State(), ErrConflictPending
	case KindError:
		c.mu.Unlock()
		return c.State(), ErrUnacknowledged
	}
	if c.draft.Content.IsEmpty() {
		c.mu.Unlock()
		return c.State(), ErrEmptyDraft
	}

	attempt := c.newAttempt(c.draft.Content, c.draft.Version, nil)
	if err := c.applyLocked(Event{Kind: EventSubmit, Attempt: attempt}); err != nil {
		c.mu.Unlock()
		return c.State(), err
	}
	revision := c.revision
	c.mu.Unlock()

	return c.submit(ctx, attempt, revision), nil
}

// Retry повторяет упавшую попытку с тем же идентификатором и телом.
// Сервер по ключу идемпотентности вернёт уже зафиксированный результат, если он есть.
func (c *Coordinator) Retry(ctx context.Context) (State, error) {
	c.mu.Lock()
	if c.state.Kind != KindError || !c.state.ErrKind.Retryable() || c.state.Attempt == nil {
		c.mu.Unlock()
		return c.State(), ErrRetryNotAllowed
	}

	prev := c.state.Attempt
	attempt := &domain.SaveAttempt{
		ID:              prev.ID,
		Try:             prev.Try + 1,
		QuoteID:         prev.QuoteID,
		ExpectedVersion: prev.ExpectedVersion,
		PricingHash:     prev.PricingHash,
		Content:         prev.Content.Clone(),
		Resolution:      prev.Resolution,
		Outcome:         domain.SaveOutcomePending,
		StartedAt:       c.now(),
	}
	if err := c.applyLocked(Event{Kind: EventRetry, Attempt: attempt}); err != nil {
		c.mu.Unlock()
		return c.State(), err
	}
	// Тело повторяется как есть; dirty снимаем, только если черновик с тех пор не менялся
	// и совпадает с отправленным.
	revision := c.revision
	if pricing.ComputeHash(c.draft.Content) != attempt.PricingHash {
		revision = 0
	}
	c.mu.Unlock()

	c.logger.WithField("attempt_id", attempt.ID).Info("retrying save attempt")
	return c.submit(ctx, attempt, revision), nil
}

// Acknowledge закрывает conflict, error или saved и возвращает автомат в idle.
// Локальный черновик не меняется.
func (c *Coordinator) Acknowledge() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.applyLocked(Event{Kind: EventAcknowledged}); err != nil {
		return c.state.snapshot(), err
	}
	return c.state.snapshot(), nil
}

// ResolveConflict применяет явное решение пользователя по конфликту.
// merged обязателен только для ConflictManual.
func (c *Coordinator) ResolveConflict(ctx context.Context, choice domain.ConflictChoice, merged *domain.QuoteContent) (State, error) {
	c.mu.Lock()
	if c.state.Kind != KindConflict || c.state.Conflict == nil {
		c.mu.Unlock()
		return c.State(), ErrNoConflict
	}
	if !choice.Valid() {
		c.mu.Unlock()
		return c.State(), domain.ErrConflictChoiceInvalid
	}
	if choice == domain.ConflictManual && (merged == nil || merged.IsEmpty()) {
		c.mu.Unlock()
		return c.State(), domain.ErrMergedContentRequired
	}
	if choice == domain.ConflictKeepMine && c.draft.Content.IsEmpty() {
		c.mu.Unlock()
		return c.State(), ErrEmptyDraft
	}

	conflict := c.state.Conflict
	decision := domain.ConflictDecision{
		Choice:          choice,
		ConflictAttempt: conflict.AttemptID,
		ServerVersion:   conflict.ServerVersion,
		DecidedAt:       c.now(),
	}

	if choice == domain.ConflictTakeServer {
		c.draft.Content = conflict.ServerContent.Clone()
		c.draft.Version = conflict.ServerVersion
		c.draft.PricingHash = pricing.ComputeHash(conflict.ServerContent)
		c.draft.Dirty = false
		c.revision++
		c.decisions = append(c.decisions, decision)
		err := c.applyLocked(Event{Kind: EventResolvedDiscard})
		state := c.state.snapshot()
		c.mu.Unlock()

		c.logger.WithField("server_version", conflict.ServerVersion).Info("conflict resolved with server snapshot")
		return state, err
	}

	if choice == domain.ConflictManual {
		c.draft.Content = merged.Clone()
		c.draft.Dirty = true
		c.revision++
	}

	attempt := c.newAttempt(c.draft.Content, conflict.ServerVersion, &decision)
	if err := c.applyLocked(Event{Kind: EventResolvedResubmit, Attempt: attempt}); err != nil {
		c.mu.Unlock()
		return c.State(), err
	}
	c.decisions = append(c.decisions, decision)
	revision := c.revision
	c.mu.Unlock()

	c.logger.WithFields(log.Fields{
		"choice":         choice,
		"server_version": conflict.ServerVersion,
	}).Info("conflict resolved, resubmitting")
	return c.submit(ctx, attempt, revision), nil
}

func (c *Coordinator) newAttempt(content domain.QuoteContent, expectedVersion int64, resolution *domain.ConflictDecision) *domain.SaveAttempt {
	snapshot := content.Clone()
	return &domain.SaveAttempt{
		ID:              c.newID(),
		Try:             1,
		QuoteID:         c.draft.QuoteID,
		ExpectedVersion: expectedVersion,
		PricingHash:     pricing.ComputeHash(snapshot),
		Content:         snapshot,
		Resolution:      resolution,
		Outcome:         domain.SaveOutcomePending,
		StartedAt:       c.now(),
	}
}

// submit выполняет запрос без блокировки и применяет ответ сервера.
// revision — ревизия черновика на момент отправки; 0 означает «dirty не снимать».
func (c *Coordinator) submit(ctx context.Context, attempt *domain.SaveAttempt, revision uint64) State {
	resp, err := c.saver.Save(ctx, attempt.Request())

	c.mu.Lock()
	defer c.mu.Unlock()

	attempt.FinishedAt = c.now()
	logger := c.logger.WithFields(log.Fields{
		"attempt_id":       attempt.ID,
		"expected_version": attempt.ExpectedVersion,
	})

	var ev Event
	switch {
	case err != nil:
		attempt.Outcome = domain.SaveOutcomeError
		kind := ErrorNetwork
		if errors.Is(err, ErrRequestInvalid) {
			kind = ErrorValidation
		}
		ev = Event{Kind: EventFailed, Attempt: attempt, Err: err, ErrKind: kind}
		logger.WithError(err).Warn("save attempt failed")

	case resp.Success && resp.NewVersion <= attempt.ExpectedVersion:
		attempt.Outcome = domain.SaveOutcomeError
		ev = Event{
			Kind:    EventFailed,
			Attempt: attempt,
			Err:     fmt.Errorf("%w: new version %d, expected above %d", ErrBadServerVersion, resp.NewVersion, attempt.ExpectedVersion),
			ErrKind: ErrorServer,
		}
		logger.WithField("new_version", resp.NewVersion).Error("server acknowledged save without advancing version")

	case resp.Success:
		attempt.Outcome = domain.SaveOutcomeSuccess
		newVersion := resp.NewVersion
		c.draft.Version = newVersion
		if revision != 0 && revision == c.revision {
			c.draft.Dirty = false
			c.draft.PricingHash = attempt.PricingHash
		}
		ev = Event{Kind: EventSucceeded, Attempt: attempt}
		logger.WithField("new_version", newVersion).Info("quote saved")

	case resp.Reason == domain.SaveReasonConflict && resp.ServerSnapshot != nil:
		attempt.Outcome = domain.SaveOutcomeConflict
		snapshot := resp.ServerSnapshot
		ev = Event{Kind: EventConflicted, Attempt: attempt, Conflict: &domain.Conflict{
			QuoteID:         attempt.QuoteID,
			AttemptID:       attempt.ID,
			ExpectedVersion: attempt.ExpectedVersion,
			ServerVersion:   snapshot.Version,
			ServerContent:   snapshot.Content.Clone(),
			ClientContent:   c.draft.Content.Clone(),
			DetectedAt:      attempt.FinishedAt,
		}}
		logger.WithField("server_version", snapshot.Version).Warn("version conflict")

	case resp.Reason == domain.SaveReasonConflict:
		attempt.Outcome = domain.SaveOutcomeError
		ev = Event{Kind: EventFailed, Attempt: attempt, Err: ErrMissingSnapshot, ErrKind: ErrorServer}
		logger.Error("conflict response without server snapshot")

	case resp.Reason == domain.SaveReasonHashMismatch:
		attempt.Outcome = domain.SaveOutcomeHashMismatch
		ev = Event{Kind: EventHashMismatch, Attempt: attempt}
		logger.Error("pricing hash mismatch")

	default:
		attempt.Outcome = domain.SaveOutcomeError
		ev = Event{Kind: EventFailed, Attempt: attempt, Err: fmt.Errorf("%w: %s", ErrServerRejected, resp.Message), ErrKind: ErrorServer}
		logger.WithField("message", resp.Message).Warn("server rejected save")
	}

	if applyErr := c.applyLocked(ev); applyErr != nil {
		logger.WithError(applyErr).Error("cannot apply save result")
	}
	return c.state.snapshot()
}

// applyLocked выполняет переход и публикует событие мониторинга. Вызывается под c.mu.
func (c *Coordinator) applyLocked(ev Event) error {
	from := c.state
	to, err := Transition(from, ev)
	if err != nil {
		return err
	}
	c.state = to

	c.sink.Emit(c.eventFor(from, to))
	if c.observer != nil {
		c.observer(from.snapshot(), to.snapshot())
	}
	return nil
}

func (c *Coordinator) eventFor(from, to State) domain.SaveEvent {
	attempt := to.Attempt
	if attempt == nil {
		attempt = from.Attempt
	}

	event := domain.SaveEvent{
		QuoteID:   c.draft.QuoteID,
		Outcome:   domain.SaveOutcomePending,
		State:     string(to.Kind),
		Timestamp: c.now(),
	}
	if attempt != nil {
		event.AttemptID = attempt.ID
		event.Try = attempt.Try
		event.Outcome = attempt.Outcome
		event.LatencyMs = attempt.Latency().Milliseconds()
	}
	if to.Kind == KindError {
		event.ErrorKind = string(to.ErrKind)
	}
	return event
}
