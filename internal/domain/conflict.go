package domain

import "time"

// ConflictChoice — явное решение пользователя по конфликту версий.
type ConflictChoice string

const (
	// ConflictKeepMine — перезаписать сервер локальным содержимым.
	ConflictKeepMine ConflictChoice = "keepMine"
	// ConflictTakeServer — отбросить локальные правки и взять серверный снимок.
	ConflictTakeServer ConflictChoice = "takeServer"
	// ConflictManual — сохранить вручную объединённое содержимое.
	ConflictManual ConflictChoice = "manual"
)

// Valid проверяет, что решение относится к поддерживаемым значениям.
func (c ConflictChoice) Valid() bool {
	switch c {
	case ConflictKeepMine, ConflictTakeServer, ConflictManual:
		return true
	default:
		return false
	}
}

// Conflict возникает, когда версия на сервере отличается от ожидаемой клиентом.
// Автоматически не разрешается никогда.
type Conflict struct {
	QuoteID         string
	AttemptID       string
	ExpectedVersion int64
	ServerVersion   int64
	ServerContent   QuoteContent
	ClientContent   QuoteContent
	DetectedAt      time.Time
}

// ConflictDecision фиксирует решение пользователя; передаётся на сервер вместе с повторной отправкой.
type ConflictDecision struct {
	Choice          ConflictChoice `json:"choice"`
	ConflictAttempt string         `json:"conflictAttemptId"`
	ServerVersion   int64          `json:"serverVersion"`
	DecidedAt       time.Time      `json:"decidedAt"`
}
