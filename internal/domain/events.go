package domain

// Типы событий outbox по котировкам.
const (
	AggregateTypeQuote = "quote"

	EventQuoteCreated             = "quote.created"
	EventQuoteSaved               = "quote.saved"
	EventQuoteVersionConflict     = "quote.version_conflict"
	EventQuotePricingHashMismatch = "quote.pricing_hash_mismatch"
	EventQuoteStatusChanged       = "quote.status_changed"
)
