package importer

import (
	"sort"
	"strings"

	"catalog-import-service/internal/models"
)

// requiredFields must be mapped for an import to be planned
var requiredFields = []string{models.FieldVariantSKU, models.FieldProductName}

// headerAliases lists the header spellings accepted for each field, after normalisation
var headerAliases = map[string][]string{
	models.FieldProductName:  {"product_name", "name", "product", "title", "product_title", "parent_name"},
	models.FieldVariantSKU:   {"variant_sku", "sku", "item_sku", "code", "item_code", "product_code"},
	models.FieldVariantName:  {"variant_name", "variant", "variant_title", "option_name"},
	models.FieldVariantColor: {"variant_color", "variant_colour", "color", "colour"},
	models.FieldVariantSize:  {"variant_size", "size", "dimensions"},
	models.FieldBarcode:      {"barcode", "ean", "ean13", "upc", "gtin"},
	models.FieldRetailPrice:  {"retail_price", "price", "rrp", "sell_price", "selling_price"},
	models.FieldCostPrice:    {"cost_price", "cost", "buy_price", "purchase_price"},
	models.FieldIsParent:     {"is_parent", "parent", "is_parent_product"},
	models.FieldDescription:  {"description", "desc", "product_description"},
	models.FieldBrand:        {"brand", "brand_name", "manufacturer"},
}

var aliasIndex = func() map[string]string {
	idx := make(map[string]string)
	for field, aliases := range headerAliases {
		for _, a := range aliases {
			idx[a] = field
		}
	}
	return idx
}()

// NormalizeHeader lower-cases a header, drops the " *" required marker and
// joins words with underscores
func NormalizeHeader(header string) string {
	h := strings.ToLower(strings.TrimSpace(header))
	h = strings.TrimSpace(strings.TrimSuffix(h, "*"))
	h = strings.NewReplacer("-", " ", "_", " ", ".", " ").Replace(h)
	return strings.Join(strings.Fields(h), "_")
}

// AutoMap builds a mapping from header names. The first column claiming a field wins.
func AutoMap(headers []string) ColumnMapping {
	mapping := make(ColumnMapping)
	for i, h := range headers {
		field, ok := aliasIndex[NormalizeHeader(h)]
		if !ok {
			continue
		}
		if _, taken := mapping[field]; !taken {
			mapping[field] = i
		}
	}
	return mapping
}

// Missing returns the required fields the mapping does not cover, sorted
func (m ColumnMapping) Missing() []string {
	var missing []string
	for _, f := range requiredFields {
		if idx, ok := m[f]; !ok || idx < 0 {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}

// Apply projects a record through the mapping
func (m ColumnMapping) Apply(rec Record) Row {
	row := Row{Number: rec.Number, Fields: make(map[string]string, len(m))}
	for field, idx := range m {
		if idx >= 0 && idx < len(rec.Cells) {
			row.Fields[field] = rec.Cells[idx]
		}
	}
	return row
}
