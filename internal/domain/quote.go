package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteStatus описывает жизненный цикл котировки, которую агент отправляет клиенту.
type QuoteStatus string

const (
	// Котировка редактируется агентом.
	QuoteStatusDraft QuoteStatus = "draft"
	// Котировка отправлена клиенту.
	QuoteStatusSent QuoteStatus = "sent"
	// Клиент принял котировку.
	QuoteStatusAccepted QuoteStatus = "accepted"
	// Клиент отказался.
	QuoteStatusDeclined QuoteStatus = "declined"
	// Срок действия котировки истёк.
	QuoteStatusExpired QuoteStatus = "expired"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s QuoteStatus) Valid() bool {
	switch s {
	case QuoteStatusDraft, QuoteStatusSent, QuoteStatusAccepted, QuoteStatusDeclined, QuoteStatusExpired:
		return true
	default:
		return false
	}
}

// quoteStatusTransitions — допустимые переходы статуса. Accepted, declined и expired конечны.
var quoteStatusTransitions = map[QuoteStatus][]QuoteStatus{
	QuoteStatusDraft: {QuoteStatusSent, QuoteStatusExpired},
	QuoteStatusSent:  {QuoteStatusDraft, QuoteStatusAccepted, QuoteStatusDeclined, QuoteStatusExpired},
}

// CanTransitionTo сообщает, можно ли перевести котировку из s в next.
func (s QuoteStatus) CanTransitionTo(next QuoteStatus) bool {
	for _, allowed := range quoteStatusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Editable сообщает, принимает ли котировка в этом статусе сохранение содержимого.
// Отправленную котировку агент ещё может поправить; после ответа клиента она заморожена.
func (s QuoteStatus) Editable() bool {
	return s == QuoteStatusDraft || s == QuoteStatusSent
}

// LineItemKind — тип продукта в котировке.
type LineItemKind string

const (
	LineItemFlight    LineItemKind = "flight"
	LineItemHotel     LineItemKind = "hotel"
	LineItemActivity  LineItemKind = "activity"
	LineItemTransfer  LineItemKind = "transfer"
	LineItemCar       LineItemKind = "car"
	LineItemInsurance LineItemKind = "insurance"
	LineItemCustom    LineItemKind = "custom"
)

// LineItem представляет одну позицию котировки.
type LineItem struct {
	ID        string       `json:"id"`
	Kind      LineItemKind `json:"kind"`
	Title     string       `json:"title"`
	Quantity  int32        `json:"quantity"`
	UnitPrice float64      `json:"unitPrice"`
}

// QuoteContent — рабочее содержимое котировки: позиции и итоги.
// Денежные поля хранятся в основных единицах валюты и сверяются с точностью до центов.
type QuoteContent struct {
	Currency           string     `json:"currency"`
	Travelers          int32      `json:"travelers"`
	Items              []LineItem `json:"items"`
	Subtotal           float64    `json:"subtotal"`
	AgentMarkupPercent float64    `json:"agentMarkupPercent"`
	AgentMarkup        float64    `json:"agentMarkup"`
	Taxes              float64    `json:"taxes"`
	Fees               float64    `json:"fees"`
	Discount           float64    `json:"discount"`
	Total              float64    `json:"total"`
	Notes              string     `json:"notes,omitempty"`
}

// Clone возвращает глубокую копию содержимого, чтобы снимки не разделяли слайс позиций.
func (c QuoteContent) Clone() QuoteContent {
	dst := c
	if c.Items != nil {
		dst.Items = make([]LineItem, len(c.Items))
		copy(dst.Items, c.Items)
	}
	return dst
}

// IsEmpty сообщает, что в черновике нет ни одной позиции.
func (c QuoteContent) IsEmpty() bool {
	return len(c.Items) == 0
}

// Validate проверяет инварианты содержимого и возвращает список замечаний.
func (c QuoteContent) Validate() []error {
	var errs []error

	if c.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(c.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}

	// Сверяем subtotal с суммой позиций: qty * price, всё в центах.
	calc := decimal.Zero
	for _, item := range c.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPrice < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc = calc.Add(RoundMoney(item.UnitPrice).Mul(decimal.NewFromInt32(item.Quantity)))
	}

	for _, v := range []float64{c.Subtotal, c.AgentMarkup, c.Taxes, c.Fees, c.Discount, c.Total} {
		if v < 0 {
			errs = append(errs, ErrAmountNegative)
			break
		}
	}

	if len(c.Items) > 0 && !calc.Equal(RoundMoney(c.Subtotal)) {
		errs = append(errs, ErrSubtotalMismatch)
	}

	total := RoundMoney(c.Subtotal).
		Add(RoundMoney(c.AgentMarkup)).
		Add(RoundMoney(c.Taxes)).
		Add(RoundMoney(c.Fees)).
		Sub(RoundMoney(c.Discount))
	if !total.Equal(RoundMoney(c.Total)) {
		errs = append(errs, ErrTotalMismatch)
	}

	return errs
}

// Quote — серверная запись котировки с версией для optimistic locking.
type Quote struct {
	ID          string
	AgentID     string
	ClientID    string
	Status      QuoteStatus
	Content     QuoteContent
	PricingHash string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ValidateInvariants проверяет базовые инварианты котировки.
func (q *Quote) ValidateInvariants() []error {
	var errs []error

	if q.ID == "" {
		errs = append(errs, ErrQuoteIDRequired)
	}
	if !q.Status.Valid() {
		errs = append(errs, ErrQuoteStatusInvalid)
	}
	errs = append(errs, q.Content.Validate()...)

	return errs
}

// Snapshot возвращает серверный снимок котировки для передачи клиенту при конфликте.
func (q *Quote) Snapshot() ServerSnapshot {
	return ServerSnapshot{
		Version:     q.Version,
		Content:     q.Content.Clone(),
		PricingHash: q.PricingHash,
		UpdatedAt:   q.UpdatedAt,
	}
}
