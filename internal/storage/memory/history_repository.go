package memory

import (
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

// historyRepositoryInMemory хранит историю котировок в памяти (для разработки/тестов).
type historyRepositoryInMemory struct {
	mu     sync.RWMutex
	events map[string][]domain.HistoryEvent
}

// NewHistoryRepository создаёт in-memory реализацию HistoryRepository.
func NewHistoryRepository() domain.HistoryRepository {
	return &historyRepositoryInMemory{events: make(map[string][]domain.HistoryEvent)}
}

// Append добавляет событие в хранилище.
func (r *historyRepositoryInMemory) Append(event domain.HistoryEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	events := append(r.events[event.QuoteID], event)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Occurred.Before(events[j].Occurred)
	})
	r.events[event.QuoteID] = events

	return nil
}

// List возвращает события котировки в хронологическом порядке.
func (r *historyRepositoryInMemory) List(quoteID string) ([]domain.HistoryEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := r.events[quoteID]
	result := make([]domain.HistoryEvent, len(events))
	copy(result, events)
	return result, nil
}

var _ domain.HistoryRepository = (*historyRepositoryInMemory)(nil)
