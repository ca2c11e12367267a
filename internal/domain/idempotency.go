package domain

import (
	"strings"
	"time"
)

// DefaultAttemptTTL — срок хранения ответа по attempt id, если вызывающий его не задал.
const DefaultAttemptTTL = 24 * time.Hour

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности (attempt id попытки сохранения).
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что попытка принята и ещё обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone: попытка завершена, ответ сохранён для повторов.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed: попытка отклонена окончательно (невалидное тело, нет котировки).
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyRecord хранит состояние обработки попытки по её attempt id.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NormalizeAttemptKey обрезает пробелы и отклоняет пустой ключ.
func NormalizeAttemptKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrIdempotencyKeyRequired
	}
	return key, nil
}

// NewProcessingRecord собирает запись processing для нового attempt id.
// Нулевой ttlAt заменяется на now + DefaultAttemptTTL.
func NewProcessingRecord(key, requestHash string, ttlAt, now time.Time) (IdempotencyRecord, error) {
	key, err := NormalizeAttemptKey(key)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	requestHash = strings.TrimSpace(requestHash)
	if requestHash == "" {
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}

	now = now.UTC()
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultAttemptTTL)
	}
	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       ttlAt.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Expired сообщает, что срок хранения записи истёк к моменту now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.IsZero() && !r.TTLAt.After(now)
}

// ReuseError объясняет, почему действующий ключ нельзя занять запросом с requestHash.
func (r IdempotencyRecord) ReuseError(requestHash string) error {
	if r.RequestHash != strings.TrimSpace(requestHash) {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}

// Finished возвращает копию записи с итоговым статусом и телом ответа.
func (r IdempotencyRecord) Finished(status IdempotencyStatus, responseBody []byte, httpStatus int, now time.Time) IdempotencyRecord {
	out := r.Clone()
	out.Status = status
	out.ResponseBody = append([]byte(nil), responseBody...)
	out.HTTPStatus = httpStatus
	out.UpdatedAt = now.UTC()
	return out
}

// Clone возвращает копию без общего буфера ответа.
func (r IdempotencyRecord) Clone() IdempotencyRecord {
	out := r
	out.ResponseBody = append([]byte(nil), r.ResponseBody...)
	return out
}
