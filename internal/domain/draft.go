package domain

// QuoteDraft — рабочая копия котировки на клиенте.
// Принадлежит одной клиентской сессии до успешного сохранения.
type QuoteDraft struct {
	QuoteID     string
	Version     int64
	Content     QuoteContent
	PricingHash string
	Dirty       bool
}

// Clone возвращает копию черновика без общих слайсов.
func (d QuoteDraft) Clone() QuoteDraft {
	dst := d
	dst.Content = d.Content.Clone()
	return dst
}
