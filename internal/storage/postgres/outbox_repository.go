package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

// Статусы строк outbox_messages.
const (
	outboxPending = "pending"
	outboxSent    = "sent"
	outboxFailed  = "failed"
)

// defaultOutboxLease — на это время захваченные сообщения скрыты от других экземпляров relay.
const defaultOutboxLease = 30 * time.Second

const (
	enqueueOutboxSQL = `
		INSERT INTO outbox_messages
			(id, aggregate_type, aggregate_id, event_type, payload, status, attempt_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6, $6)`

	// SKIP LOCKED разводит экземпляры по разным строкам, внешний SELECT возвращает порядок вставки.
	claimOutboxSQL = `
		WITH picked AS (
			SELECT id FROM outbox_messages
			WHERE status = 'pending' AND (locked_until IS NULL OR locked_until < $1)
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		), leased AS (
			UPDATE outbox_messages AS m
			SET locked_until = $3
			FROM picked
			WHERE m.id = picked.id
			RETURNING m.id, m.aggregate_type, m.aggregate_id, m.event_type, m.payload, m.created_at
		)
		SELECT id, aggregate_type, aggregate_id, event_type, payload
		FROM leased
		ORDER BY created_at, id`

	outboxBacklogSQL = `
		SELECT COUNT(*), MIN(created_at) FROM outbox_messages WHERE status = 'pending'`

	settleOutboxSQL = `
		UPDATE outbox_messages
		SET status = $2, attempt_count = attempt_count + 1, locked_until = NULL, updated_at = $3
		WHERE id = $1`
)

type outboxStore struct {
	db    *sql.DB
	lease time.Duration
	now   func() time.Time
}

// NewOutboxRepository создаёт PostgreSQL-реализацию OutboxRepository.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxStore{
		db:    store.DB(),
		lease: defaultOutboxLease,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (o *outboxStore) Enqueue(msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	_, err := o.db.ExecContext(ctx, enqueueOutboxSQL,
		msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, o.now())
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue %s for %s: %w", msg.EventType, msg.AggregateID, err)
	}
	return msg, nil
}

// PullPending захватывает до limit сообщений на время lease.
func (o *outboxStore) PullPending(limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	now := o.now()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := o.db.QueryContext(ctx, claimOutboxSQL, now, limit, now.Add(o.lease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	batch := make([]domain.OutboxMessage, 0, limit)
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.AggregateType, &m.AggregateID, &m.EventType, &m.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		batch = append(batch, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read outbox batch: %w", err)
	}
	return batch, nil
}

func (o *outboxStore) Stats() (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	if err := o.db.QueryRowContext(ctx, outboxBacklogSQL).Scan(&stats.PendingCount, &oldest); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox backlog: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (o *outboxStore) MarkSent(id string) error   { return o.settle(id, outboxSent) }
func (o *outboxStore) MarkFailed(id string) error { return o.settle(id, outboxFailed) }

// settle снимает lease и фиксирует итог публикации.
func (o *outboxStore) settle(id, status string) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	res, err := o.db.ExecContext(ctx, settleOutboxSQL, id, status, o.now())
	if err != nil {
		return fmt.Errorf("mark outbox %s as %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark outbox %s as %s: %w", id, status, err)
	}
	if n == 0 {
		return domain.ErrOutboxPublish
	}
	return nil
}

var _ domain.OutboxRepository = (*outboxStore)(nil)
