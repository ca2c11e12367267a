package domain

import "github.com/shopspring/decimal"

// MoneyScale — количество знаков после запятой для всех денежных сумм котировки.
const MoneyScale = 2

// RoundMoney округляет сумму до центов (half away from zero) по точному десятичному представлению.
// Округление идёт от десятичной записи числа, поэтому 1.005 даёт 1.01, а не 1.00.
func RoundMoney(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(MoneyScale)
}

// FormatMoney возвращает сумму с ровно двумя знаками после запятой.
func FormatMoney(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(MoneyScale)
}
