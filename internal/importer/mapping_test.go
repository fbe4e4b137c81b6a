package importer

import (
	"testing"

	"catalog-import-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHeader(t *testing.T) {
	assert.Equal(t, "variant_sku", NormalizeHeader("  Variant SKU *"))
	assert.Equal(t, "product_name", NormalizeHeader("Product-Name"))
	assert.Equal(t, "retail_price", NormalizeHeader("retail.price"))
}

func TestAutoMap(t *testing.T) {
	mapping := AutoMap([]string{"Name *", "SKU *", "Colour", "EAN", "Price", "Notes", "Item Code"})

	assert.Equal(t, 0, mapping[models.FieldProductName])
	assert.Equal(t, 1, mapping[models.FieldVariantSKU], "first column claiming a field wins")
	assert.Equal(t, 2, mapping[models.FieldVariantColor])
	assert.Equal(t, 3, mapping[models.FieldBarcode])
	assert.Equal(t, 4, mapping[models.FieldRetailPrice])
	assert.Len(t, mapping, 5)
	assert.Empty(t, mapping.Missing())
}

func TestColumnMapping_Missing(t *testing.T) {
	assert.Equal(t, []string{"product_name", "variant_sku"}, ColumnMapping{}.Missing())
	assert.Equal(t, []string{"product_name"}, ColumnMapping{models.FieldVariantSKU: 0, models.FieldProductName: -1}.Missing())
}

func TestColumnMapping_Apply(t *testing.T) {
	mapping := ColumnMapping{models.FieldProductName: 0, models.FieldVariantSKU: 2, models.FieldBarcode: 5}
	row := mapping.Apply(Record{Number: 7, Cells: []string{" Oak Table ", "ignored", "T-1"}})

	assert.Equal(t, 7, row.Number)
	assert.Equal(t, "Oak Table", row.Get(models.FieldProductName))
	assert.Equal(t, "T-1", row.Get(models.FieldVariantSKU))
	assert.Equal(t, "", row.Get(models.FieldBarcode), "short rows leave trailing fields empty")
	assert.Nil(t, row.optional(models.FieldBarcode))
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		raw      string
		expected string
		wantErr  bool
	}{
		{"24.99", "24.99", false},
		{"£24.99", "24.99", false},
		{"$1,299.00", "1299", false},
		{"12,50", "12.5", false},
		{"1,299", "1299", false},
		{"1,299,000", "1299000", false},
		{"1.299,00", "1299", false},
		{"1,2,3", "", true},
		{" € 7 ", "7", false},
		{"-1", "", true},
		{"abc", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			d, err := parsePrice(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, d)
			assert.True(t, decimal.RequireFromString(tt.expected).Equal(*d), "got %s", d)
		})
	}

	d, err := parsePrice("  ")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestParseBool(t *testing.T) {
	for _, v := range []string{"1", "TRUE", "yes", "Y", "x", "parent"} {
		assert.True(t, parseBool(v), v)
	}
	for _, v := range []string{"", "0", "false", "no", "maybe"} {
		assert.False(t, parseBool(v), v)
	}
}
