package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

type historyRepository struct {
	db *sql.DB
}

// NewHistoryRepository создаёт PostgreSQL-реализацию HistoryRepository.
func NewHistoryRepository(store *Store) domain.HistoryRepository {
	return &historyRepository{db: store.DB()}
}

func (r *historyRepository) Append(event domain.HistoryEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if event.Occurred.IsZero() {
		event.Occurred = time.Now().UTC()
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO quote_history (quote_id, type, attempt_id, version, reason, occurred)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, event.QuoteID, event.Type, event.AttemptID, event.Version, event.Reason, event.Occurred); err != nil {
		return fmt.Errorf("append quote history event: %w", err)
	}

	return nil
}

func (r *historyRepository) List(quoteID string) ([]domain.HistoryEvent, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT quote_id, type, attempt_id, version, reason, occurred
		FROM quote_history
		WHERE quote_id = $1
		ORDER BY occurred ASC, id ASC
	`, quoteID)
	if err != nil {
		return nil, fmt.Errorf("list quote history: %w", err)
	}
	defer rows.Close()

	events := make([]domain.HistoryEvent, 0)
	for rows.Next() {
		var event domain.HistoryEvent
		if err := rows.Scan(&event.QuoteID, &event.Type, &event.AttemptID, &event.Version, &event.Reason, &event.Occurred); err != nil {
			return nil, fmt.Errorf("scan quote history event: %w", err)
		}
		event.Occurred = event.Occurred.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quote history: %w", err)
	}

	return events, nil
}

var _ domain.HistoryRepository = (*historyRepository)(nil)
