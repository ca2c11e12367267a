package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

const (
	// Просроченную запись перезаписываем, действующую не трогаем: тогда RETURNING пуст.
	claimAttemptSQL = `
		INSERT INTO idempotency_keys AS k (key, request_hash, status, ttl_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
		    response_body = NULL,
		    http_status = NULL,
		    status = EXCLUDED.status,
		    ttl_at = EXCLUDED.ttl_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE k.ttl_at <= $5
		RETURNING k.key`

	selectAttemptSQL = `
		SELECT key, request_hash, response_body, http_status, status, ttl_at, created_at, updated_at
		FROM idempotency_keys
		WHERE key = $1`

	finishAttemptSQL = `
		UPDATE idempotency_keys
		SET status = $2, response_body = $3, http_status = $4, updated_at = $5
		WHERE key = $1`

	releaseAttemptSQL = `DELETE FROM idempotency_keys WHERE key = $1`

	purgeExpiredSQL = `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE ttl_at <= $1
			ORDER BY ttl_at
			LIMIT NULLIF($2, 0)
		)`
)

// attemptStore хранит ответы по attempt id в таблице idempotency_keys.
type attemptStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &attemptStore{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *attemptStore) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	rec, err := domain.NewProcessingRecord(key, requestHash, ttlAt, s.now())
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var claimed string
	err = s.db.QueryRowContext(ctx, claimAttemptSQL,
		rec.Key, rec.RequestHash, string(rec.Status), rec.TTLAt, rec.CreatedAt,
	).Scan(&claimed)
	switch {
	case err == nil:
		return rec, nil
	case !errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, fmt.Errorf("claim attempt %s: %w", rec.Key, err)
	}

	existing, err := s.load(ctx, rec.Key)
	if err != nil {
		// Запись успели удалить между INSERT и SELECT; клиент повторит попытку.
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	return existing, existing.ReuseError(rec.RequestHash)
}

func (s *attemptStore) Get(key string) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeAttemptKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return s.load(ctx, key)
}

func (s *attemptStore) MarkDone(key string, responseBody []byte, httpStatus int) error {
	return s.finish(key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (s *attemptStore) MarkFailed(key string, responseBody []byte, httpStatus int) error {
	return s.finish(key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

// Release удаляет ключ после временной ошибки, чтобы повтор той же попытки выполнился заново.
func (s *attemptStore) Release(key string) error {
	key, err := domain.NormalizeAttemptKey(key)
	if err != nil {
		return err
	}
	return s.execOne("release attempt", releaseAttemptSQL, key)
}

func (s *attemptStore) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = s.now()
	}
	if limit < 0 {
		limit = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, purgeExpiredSQL, before, limit)
	if err != nil {
		return 0, fmt.Errorf("purge expired attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired attempts: %w", err)
	}
	return int(n), nil
}

func (s *attemptStore) finish(key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key, err := domain.NormalizeAttemptKey(key)
	if err != nil {
		return err
	}
	return s.execOne("finish attempt", finishAttemptSQL, key, string(status), responseBody, httpStatus, s.now())
}

// execOne выполняет запрос по одному ключу; ноль затронутых строк означает, что ключа нет.
func (s *attemptStore) execOne(op, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func (s *attemptStore) load(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	var (
		rec        domain.IdempotencyRecord
		status     string
		body       []byte
		httpStatus sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, selectAttemptSQL, key).Scan(
		&rec.Key, &rec.RequestHash, &body, &httpStatus, &status,
		&rec.TTLAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("load attempt %s: %w", key, err)
	}

	rec.Status = domain.IdempotencyStatus(status)
	if !rec.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("attempt %s has unknown status %q", key, status)
	}
	rec.ResponseBody = body
	rec.HTTPStatus = int(httpStatus.Int64)
	return rec, nil
}

var _ domain.IdempotencyRepository = (*attemptStore)(nil)
