package domain

import "time"

// Типы событий истории котировки.
const (
	HistoryQuoteCreated        = "QuoteCreated"
	HistoryQuoteSaved          = "QuoteSaved"
	HistoryVersionConflict     = "VersionConflict"
	HistoryPricingHashMismatch = "PricingHashMismatch"
	HistoryConflictResolved    = "ConflictResolved"
	HistoryStatusChanged       = "StatusChanged"
)

// HistoryEvent описывает событие в жизни котировки.
type HistoryEvent struct {
	QuoteID   string
	Type      string
	AttemptID string
	Version   int64
	Reason    string
	Occurred  time.Time
}
