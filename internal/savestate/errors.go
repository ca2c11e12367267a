package savestate

import "errors"

var (
	// Предыдущая попытка ещё не завершена.
	ErrSaveInFlight = errors.New("save already in flight")
	// В черновике нет ни одной позиции.
	ErrEmptyDraft = errors.New("draft is empty")
	// Есть неразрешённый конфликт; нужно решение пользователя.
	ErrConflictPending = errors.New("conflict must be resolved or acknowledged first")
	// Ошибка предыдущей попытки ещё не подтверждена пользователем.
	ErrUnacknowledged = errors.New("previous save error must be acknowledged or retried")
	// Повтор возможен только после сетевой или серверной ошибки.
	ErrRetryNotAllowed = errors.New("retry is not allowed in current state")
	// Разрешать нечего.
	ErrNoConflict = errors.New("no conflict to resolve")
	// Сервер ответил success=false с reason=error.
	ErrServerRejected = errors.New("server rejected save")
	// Сервер сообщил о конфликте без снимка состояния.
	ErrMissingSnapshot = errors.New("conflict response without server snapshot")
	// Сервер подтвердил сохранение, но не увеличил версию.
	ErrBadServerVersion = errors.New("server returned non-increasing version")
	// ErrRequestInvalid возвращает транспорт Saver, когда сервер отклонил тело запроса (4xx без конфликта).
	ErrRequestInvalid = errors.New("save request rejected as invalid")
)
