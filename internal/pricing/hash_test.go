package pricing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/quotesave/internal/domain"
)

func sampleContent() domain.QuoteContent {
	return domain.QuoteContent{
		Currency: "EUR",
		Items: []domain.LineItem{
			{ID: "tr-1", Kind: domain.LineItemTransfer, Title: "Airport pickup", Quantity: 1, UnitPrice: 45},
			{ID: "ac-1", Kind: domain.LineItemActivity, Title: "Sintra tour", Quantity: 2, UnitPrice: 55.004},
		},
		Subtotal: 155,
		Total:    155,
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	content := sampleContent()

	first := ComputeHash(content)
	for i := 0; i < 10; i++ {
		require.Equal(t, first, ComputeHash(content))
	}
	require.True(t, strings.HasPrefix(first, Algorithm+":"))
}

func TestComputeHash_RoundsBeforeHashing(t *testing.T) {
	client := domain.QuoteContent{Total: 100.00}
	server := domain.QuoteContent{Total: 100.004}

	require.Equal(t, ComputeHash(client), ComputeHash(server))
	require.NoError(t, VerifyHash(server, ComputeHash(client)))
}

func TestComputeHash_DetectsCentChange(t *testing.T) {
	original := sampleContent()
	tampered := original.Clone()
	tampered.Items[0].UnitPrice = 44.99

	require.NotEqual(t, ComputeHash(original), ComputeHash(tampered))
}

func TestComputeHash_IgnoresNonMonetaryFields(t *testing.T) {
	original := sampleContent()
	edited := original.Clone()
	edited.Notes = "window seat please"
	edited.Items[1].Title = "Sintra & Cascais tour"
	edited.Travelers = 3

	require.Equal(t, ComputeHash(original), ComputeHash(edited))
}

func TestComputeHash_ItemOrderMatters(t *testing.T) {
	original := sampleContent()
	swapped := original.Clone()
	swapped.Items[0], swapped.Items[1] = swapped.Items[1], swapped.Items[0]

	require.NotEqual(t, ComputeHash(original), ComputeHash(swapped))
}

func TestComputeHash_CurrencyNormalized(t *testing.T) {
	lower := sampleContent()
	lower.Currency = " eur"

	require.Equal(t, ComputeHash(sampleContent()), ComputeHash(lower))
}

func TestComputeHash_ItemIDCannotForgeFields(t *testing.T) {
	forged := domain.QuoteContent{
		Currency: "EUR",
		Items:    []domain.LineItem{{ID: "a\nitems[0].quantity=9", Quantity: 1, UnitPrice: 10}},
	}
	plain := domain.QuoteContent{
		Currency: "EUR",
		Items:    []domain.LineItem{{ID: "a", Quantity: 9, UnitPrice: 10}},
	}

	text := canonical(forged)
	require.Contains(t, text, `items[0].id="a\nitems[0].quantity=9"`+"\n")
	require.Equal(t, 10, strings.Count(text, "\n"))
	require.NotEqual(t, ComputeHash(plain), ComputeHash(forged))
}

func TestVerifyHash(t *testing.T) {
	content := sampleContent()

	tests := []struct {
		name      string
		submitted string
		wantErr   bool
	}{
		{name: "match", submitted: ComputeHash(content), wantErr: false},
		{name: "match with whitespace", submitted: " " + ComputeHash(content) + "\n", wantErr: false},
		{name: "empty", submitted: "", wantErr: true},
		{name: "tampered", submitted: ComputeHash(domain.QuoteContent{Total: 1}), wantErr: true},
		{name: "foreign algorithm", submitted: "v0:deadbeef", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyHash(content, tt.submitted)
			if tt.wantErr {
				require.ErrorIs(t, err, domain.ErrPricingHashMismatch)
				return
			}
			require.NoError(t, err)
		})
	}
}
