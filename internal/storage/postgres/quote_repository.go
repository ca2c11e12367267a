package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

const quoteColumns = `id, agent_id, client_id, status, content, pricing_hash, version, created_at, updated_at`

type quoteRepository struct {
	db *sql.DB
}

// NewQuoteRepository создаёт PostgreSQL-реализацию QuoteRepository.
// Содержимое котировки хранится в JSONB, итог дублируется в NUMERIC для отчётов.
func NewQuoteRepository(store *Store) domain.QuoteRepository {
	return &quoteRepository{db: store.DB()}
}

func (r *quoteRepository) Create(quote domain.Quote) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	content, err := json.Marshal(quote.Content)
	if err != nil {
		return fmt.Errorf("marshal quote content: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO quotes (
			id, agent_id, client_id, status, currency, content, pricing_hash, total,
			version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		quote.ID, quote.AgentID, quote.ClientID, string(quote.Status), quote.Content.Currency,
		content, quote.PricingHash, domain.FormatMoney(quote.Content.Total),
		quote.Version, quote.CreatedAt, quote.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrQuoteAlreadyExists
		}
		return fmt.Errorf("insert quote: %w", err)
	}

	return nil
}

func (r *quoteRepository) Get(id string) (domain.Quote, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	quote, err := scanQuote(r.db.QueryRowContext(ctx, `
		SELECT `+quoteColumns+`
		FROM quotes
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Quote{}, domain.ErrQuoteNotFound
		}
		return domain.Quote{}, fmt.Errorf("select quote: %w", err)
	}

	return quote, nil
}

func (r *quoteRepository) ListByAgent(agentID string, limit int) ([]domain.Quote, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	query := `
		SELECT ` + quoteColumns + `
		FROM quotes
		WHERE agent_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var (
		rows *sql.Rows
		err  error
	)

	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", agentID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("list quotes: %w", err)
	}
	defer rows.Close()

	quotes := make([]domain.Quote, 0)
	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quote row: %w", err)
		}
		quotes = append(quotes, quote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quote rows: %w", err)
	}

	return quotes, nil
}

// Save выполняет условный UPDATE по версии: сравнение и запись атомарны на стороне БД.
func (r *quoteRepository) Save(quote domain.Quote) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	content, err := json.Marshal(quote.Content)
	if err != nil {
		return fmt.Errorf("marshal quote content: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE quotes
		SET client_id = $1,
		    status = $2,
		    currency = $3,
		    content = $4,
		    pricing_hash = $5,
		    total = $6,
		    version = version + 1,
		    updated_at = $7
		WHERE id = $8
		  AND version = $9
	`,
		quote.ClientID,
		string(quote.Status),
		quote.Content.Currency,
		content,
		quote.PricingHash,
		domain.FormatMoney(quote.Content.Total),
		quote.UpdatedAt,
		quote.ID,
		quote.Version,
	)
	if err != nil {
		return fmt.Errorf("update quote: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, existsErr := quoteExistsTx(ctx, tx, quote.ID)
		if existsErr != nil {
			err = existsErr
			return err
		}
		err = domain.ErrQuoteVersionConflict
		if !exists {
			err = domain.ErrQuoteNotFound
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit save quote: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (domain.Quote, error) {
	var (
		quote   domain.Quote
		status  string
		content []byte
	)

	if err := row.Scan(
		&quote.ID, &quote.AgentID, &quote.ClientID, &status, &content,
		&quote.PricingHash, &quote.Version, &quote.CreatedAt, &quote.UpdatedAt,
	); err != nil {
		return domain.Quote{}, err
	}

	quote.Status = domain.QuoteStatus(status)
	if err := json.Unmarshal(content, &quote.Content); err != nil {
		return domain.Quote{}, fmt.Errorf("decode quote %s content: %w", quote.ID, err)
	}
	quote.CreatedAt = quote.CreatedAt.UTC()
	quote.UpdatedAt = quote.UpdatedAt.UTC()

	return quote, nil
}

func quoteExistsTx(ctx context.Context, tx *sql.Tx, quoteID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM quotes WHERE id = $1`, quoteID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check quote exists: %w", err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.QuoteRepository = (*quoteRepository)(nil)
