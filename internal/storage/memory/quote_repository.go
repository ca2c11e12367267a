package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

// quoteRepositoryInMemory — in-memory реализация QuoteRepository.
type quoteRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Quote
}

// NewQuoteRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewQuoteRepository() domain.QuoteRepository {
	return &quoteRepositoryInMemory{
		items: make(map[string]domain.Quote),
	}
}

// Create сохраняет новую котировку, если ID ещё не занят.
func (r *quoteRepositoryInMemory) Create(quote domain.Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[quote.ID]; exists {
		return domain.ErrQuoteAlreadyExists
	}
	// Храним копию: слайс позиций не должен разделяться с вызывающим.
	quote.Content = quote.Content.Clone()
	r.items[quote.ID] = quote
	return nil
}

// Get возвращает котировку или ErrQuoteNotFound.
func (r *quoteRepositoryInMemory) Get(id string) (domain.Quote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	quote, ok := r.items[id]
	if !ok {
		return domain.Quote{}, domain.ErrQuoteNotFound
	}
	quote.Content = quote.Content.Clone()
	return quote, nil
}

// ListByAgent возвращает котировки агента, новые первыми; limit > 0 ограничивает выборку.
func (r *quoteRepositoryInMemory) ListByAgent(agentID string, limit int) ([]domain.Quote, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Quote, 0, len(r.items))
	for _, quote := range r.items {
		if quote.AgentID != agentID {
			continue
		}
		quote.Content = quote.Content.Clone()
		result = append(result, quote)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

// Save перезаписывает котировку, сверяя ожидаемую версию (optimistic locking).
// Проверка и запись выполняются под одной блокировкой.
func (r *quoteRepositoryInMemory) Save(quote domain.Quote) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[quote.ID]
	if !ok {
		return domain.ErrQuoteNotFound
	}
	if current.Version != quote.Version {
		return domain.ErrQuoteVersionConflict
	}
	quote.Version++
	quote.CreatedAt = current.CreatedAt
	quote.Content = quote.Content.Clone()
	r.items[quote.ID] = quote
	return nil
}

var _ domain.QuoteRepository = (*quoteRepositoryInMemory)(nil)
