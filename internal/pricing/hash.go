// Package pricing считает и проверяет хеш денежных полей котировки.
//
// Каждая сумма перед хешированием фиксируется до двух знаков, поэтому представление
// float на клиенте и на сервере не даёт ложных расхождений.
package pricing

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

// Algorithm — префикс версии алгоритма в хеше.
const Algorithm = "v1"

// ComputeHash возвращает детерминированный хеш денежных полей котировки.
func ComputeHash(content domain.QuoteContent) string {
	sum := sha256.Sum256([]byte(canonical(content)))
	return Algorithm + ":" + hex.EncodeToString(sum[:])
}

// VerifyHash пересчитывает хеш и сравнивает с присланным.
// Пустой или отличающийся хеш даёт ErrPricingHashMismatch.
func VerifyHash(content domain.QuoteContent, submitted string) error {
	submitted = strings.TrimSpace(submitted)
	if submitted == "" || submitted != ComputeHash(content) {
		return domain.ErrPricingHashMismatch
	}
	return nil
}

// canonical строит по строке на поле. id берётся в кавычки, чтобы перевод строки в нём не порождал чужих полей.
func canonical(content domain.QuoteContent) string {
	var b strings.Builder

	writeField(&b, "currency", strings.ToUpper(strings.TrimSpace(content.Currency)))
	for i, item := range content.Items {
		prefix := "items[" + strconv.Itoa(i) + "]."
		writeField(&b, prefix+"id", strconv.Quote(item.ID))
		writeField(&b, prefix+"quantity", strconv.FormatInt(int64(item.Quantity), 10))
		writeField(&b, prefix+"unitPrice", domain.FormatMoney(item.UnitPrice))
	}
	writeField(&b, "subtotal", domain.FormatMoney(content.Subtotal))
	writeField(&b, "agentMarkup", domain.FormatMoney(content.AgentMarkup))
	writeField(&b, "taxes", domain.FormatMoney(content.Taxes))
	writeField(&b, "fees", domain.FormatMoney(content.Fees))
	writeField(&b, "discount", domain.FormatMoney(content.Discount))
	writeField(&b, "total", domain.FormatMoney(content.Total))

	return b.String()
}

func writeField(b *strings.Builder, key, value string) {
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(value)
	b.WriteByte('\n')
}
