package domain

import "errors"

var (
	// Ошибка отсутствующего идентификатора котировки.
	ErrQuoteIDRequired = errors.New("quote_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка пустого черновика: в котировке нет ни одной позиции.
	ErrItemsRequired = errors.New("quote must contain at least one line item")
	// Ошибка при некорректном количестве в позиции (<= 0).
	ErrItemQtyInvalid = errors.New("line item quantity must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("line item price must be non-negative")
	// Ошибка отрицательной денежной суммы в итогах котировки.
	ErrAmountNegative = errors.New("quote amounts must be non-negative")
	// Ошибка несоответствия subtotal и суммы позиций.
	ErrSubtotalMismatch = errors.New("quote subtotal does not match line items sum")
	// Ошибка несоответствия total и слагаемых итога.
	ErrTotalMismatch = errors.New("quote total does not match subtotal, markup, taxes, fees and discount")
	// Ошибка неизвестного статуса котировки.
	ErrQuoteStatusInvalid = errors.New("quote status is invalid")
	// ErrQuoteStatusTransition — переход статуса не разрешён из текущего статуса.
	ErrQuoteStatusTransition = errors.New("quote status transition is not allowed")
	// ErrQuoteNotEditable — котировка в конечном статусе, содержимое менять нельзя.
	ErrQuoteNotEditable = errors.New("quote is not editable in its current status")
	// ErrQuoteNotFound возвращается, если котировка не найдена в репозитории.
	ErrQuoteNotFound = errors.New("quote not found")
	// ErrQuoteAlreadyExists возвращается при повторном создании котировки с тем же ID.
	ErrQuoteAlreadyExists = errors.New("quote already exists")
	// ErrQuoteVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrQuoteVersionConflict = errors.New("quote version conflict")
	// ErrPricingHashMismatch — хеш цен не совпал с пересчитанным на сервере (подмена или дрейф округления).
	ErrPricingHashMismatch = errors.New("pricing hash mismatch")
	// ErrConflictChoiceInvalid — неизвестный вариант разрешения конфликта.
	ErrConflictChoiceInvalid = errors.New("conflict resolution choice is invalid")
	// ErrMergedContentRequired — для ручного слияния нужен объединённый контент.
	ErrMergedContentRequired = errors.New("merged content is required for manual resolution")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired — не передан ключ идемпотентности.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — не передан хеш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже зарегистрирован.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound — записи с таким ключом нет.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrQuoteVersionConflict)
}

// IsPricingHashMismatch проверяет, является ли ошибка несовпадением хеша цен.
func IsPricingHashMismatch(err error) bool {
	return errors.Is(err, ErrPricingHashMismatch)
}

// IsIdempotencyConflict проверяет, связана ли ошибка с повторным использованием ключа идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
