package domain

import "time"

// Порты хранилища, которыми пользуется сервис котировок помимо QuoteRepository.

// HistoryRepository ведёт журнал сохранений и разрешений конфликтов по котировке.
type HistoryRepository interface {
	Append(event HistoryEvent) error
	// List возвращает события котировки в порядке записи.
	List(quoteID string) ([]HistoryEvent, error)
}

// IdempotencyRepository хранит ответы на попытки сохранения по их attempt id.
//
// CreateProcessing занимает ключ; для уже занятого ключа возвращает сохранённую запись
// вместе с ErrIdempotencyKeyAlreadyExists или ErrIdempotencyHashMismatch.
type IdempotencyRepository interface {
	CreateProcessing(key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(key string) (IdempotencyRecord, error)
	MarkDone(key string, responseBody []byte, httpStatus int) error
	MarkFailed(key string, responseBody []byte, httpStatus int) error
	// Release освобождает ключ после временной ошибки, и повтор выполнится заново.
	Release(key string) error
	// DeleteExpired удаляет не больше limit просроченных записей, начиная с самых старых.
	DeleteExpired(before time.Time, limit int) (int, error)
}

// OutboxMessage — событие о котировке, ожидающее публикации в брокер.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxRepository копит события до публикации relay-воркером.
type OutboxRepository interface {
	Enqueue(msg OutboxMessage) (OutboxMessage, error)
	PullPending(limit int) ([]OutboxMessage, error)
	MarkSent(id string) error
	MarkFailed(id string) error
	Stats() (OutboxStats, error)
}

// OutboxStats — размер и возраст неопубликованного хвоста.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OutboxPublisher доставляет событие наружу. Повторная доставка того же ID допустима.
type OutboxPublisher interface {
	Publish(event OutboxMessage) error
}
