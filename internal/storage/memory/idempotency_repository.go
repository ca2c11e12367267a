package memory

import (
	"container/heap"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

// attemptLedger хранит ответы по attempt id и очередь сроков жизни,
// чтобы DeleteExpired удалял самые старые записи первыми.
type attemptLedger struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*ledgerEntry
	expiry  expiryQueue
}

type ledgerEntry struct {
	record domain.IdempotencyRecord
	index  int
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return newAttemptLedger(func() time.Time { return time.Now().UTC() })
}

func newAttemptLedger(now func() time.Time) *attemptLedger {
	return &attemptLedger{
		now:     now,
		entries: make(map[string]*ledgerEntry),
	}
}

func (l *attemptLedger) CreateProcessing(key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	now := l.now()
	record, err := domain.NewProcessingRecord(key, requestHash, ttlAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.entries[record.Key]; ok {
		// Просроченная запись ещё не вычищена, но ключ уже свободен.
		if !entry.record.Expired(now) {
			return entry.record.Clone(), entry.record.ReuseError(record.RequestHash)
		}
		l.drop(entry)
	}

	entry := &ledgerEntry{record: record}
	l.entries[record.Key] = entry
	heap.Push(&l.expiry, entry)
	return record.Clone(), nil
}

func (l *attemptLedger) Get(key string) (domain.IdempotencyRecord, error) {
	key, err := domain.NormalizeAttemptKey(key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return entry.record.Clone(), nil
}

func (l *attemptLedger) MarkDone(key string, responseBody []byte, httpStatus int) error {
	return l.finish(key, domain.IdempotencyStatusDone, responseBody, httpStatus)
}

func (l *attemptLedger) MarkFailed(key string, responseBody []byte, httpStatus int) error {
	return l.finish(key, domain.IdempotencyStatusFailed, responseBody, httpStatus)
}

func (l *attemptLedger) Release(key string) error {
	key, err := domain.NormalizeAttemptKey(key)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	l.drop(entry)
	return nil
}

func (l *attemptLedger) DeleteExpired(before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for l.expiry.Len() > 0 {
		if limit > 0 && removed >= limit {
			break
		}
		oldest := l.expiry[0]
		if oldest.record.TTLAt.After(before) {
			break
		}
		l.drop(oldest)
		removed++
	}
	return removed, nil
}

func (l *attemptLedger) finish(key string, status domain.IdempotencyStatus, responseBody []byte, httpStatus int) error {
	key, err := domain.NormalizeAttemptKey(key)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	entry.record = entry.record.Finished(status, responseBody, httpStatus, l.now())
	return nil
}

// drop вызывается под l.mu.
func (l *attemptLedger) drop(entry *ledgerEntry) {
	delete(l.entries, entry.record.Key)
	if entry.index >= 0 {
		heap.Remove(&l.expiry, entry.index)
	}
}

// expiryQueue — min-heap по TTLAt.
type expiryQueue []*ledgerEntry

func (q expiryQueue) Len() int { return len(q) }

func (q expiryQueue) Less(i, j int) bool {
	return q[i].record.TTLAt.Before(q[j].record.TTLAt)
}

func (q expiryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *expiryQueue) Push(x any) {
	entry := x.(*ledgerEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *expiryQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}

var _ domain.IdempotencyRepository = (*attemptLedger)(nil)
