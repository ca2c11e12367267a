package domain

// QuoteRepository описывает требования к хранилищу котировок.
type QuoteRepository interface {
	// Create сохраняет новую котировку. Возвращает ErrQuoteAlreadyExists, если ID занят.
	Create(quote Quote) error
	// Get возвращает котировку по идентификатору или ErrQuoteNotFound.
	Get(id string) (Quote, error)
	// ListByAgent возвращает котировки агента с опциональным ограничением на количество.
	ListByAgent(agentID string, limit int) ([]Quote, error)
	// Save применяет обновления с учётом optimistic locking: quote.Version содержит ожидаемую версию,
	// при успехе версия в хранилище становится quote.Version+1.
	Save(quote Quote) error
}
