package quotes

import "errors"

var (
	// ErrInvalidRequest — запрос не прошёл валидацию; повтор с тем же телом не поможет.
	ErrInvalidRequest = errors.New("invalid save request")
	// ErrSaveInProgress — попытка с тем же ключом ещё обрабатывается.
	ErrSaveInProgress = errors.New("save with the same idempotency key is in progress")
)

// IsInvalidRequest проверяет, что ошибка вызвана некорректным запросом.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}
