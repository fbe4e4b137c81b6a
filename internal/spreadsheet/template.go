package spreadsheet

import (
	"encoding/csv"
	"fmt"
	"io"

	"catalog-import-service/internal/models"

	"github.com/xuri/excelize/v2"
)

const instructionsSheet = "Instructions"

// WriteCSVTemplate writes the header row of the template
func WriteCSVTemplate(w io.Writer, template models.ImportTemplate) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(headerRow(template)); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// WriteXLSXTemplate writes a workbook with a styled header row on the Products
// sheet and the column definitions on an Instructions sheet
func WriteXLSXTemplate(w io.Writer, template models.ImportTemplate) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ProductsSheet); err != nil {
		return err
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})
	if err != nil {
		return err
	}
	requiredStyle, err := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"C65911"}, Pattern: 1},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})
	if err != nil {
		return err
	}

	for i, header := range headerRow(template) {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(ProductsSheet, cell, header); err != nil {
			return err
		}
		style := headerStyle
		if template.Columns[i].Required {
			style = requiredStyle
		}
		if err := f.SetCellStyle(ProductsSheet, cell, cell, style); err != nil {
			return err
		}
		col, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(ProductsSheet, col, col, 20)
	}

	if _, err := f.NewSheet(instructionsSheet); err != nil {
		return err
	}
	lines := [][]interface{}{
		{"Catalog Import Instructions"},
		{},
		{"PARENT PRODUCTS:"},
		{"- SKUs shaped NNN-NNN (e.g. 120-004) are grouped under parent NNN automatically."},
		{"- Other rows are grouped by product name with colour, size and material words removed."},
		{"- Without automatic parents, mark parent rows with is_parent; following rows become its variants."},
		{},
		{"BARCODES:"},
		{"- Leave barcode empty to assign one from the barcode pool (when enabled)."},
		{"- Variants that already carry a barcode never receive a second one."},
		{},
		{"Column", "Description", "Required", "Type", "Example"},
	}
	for _, col := range template.Columns {
		required := "Optional"
		if col.Required {
			required = "Required"
		}
		lines = append(lines, []interface{}{col.Name, col.Description, required, col.Type, col.Example})
	}
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		cell := fmt.Sprintf("A%d", i+1)
		if err := f.SetSheetRow(instructionsSheet, cell, &line); err != nil {
			return err
		}
	}
	for col, width := range map[string]float64{"A": 25, "B": 60, "C": 15, "D": 15, "E": 40} {
		_ = f.SetColWidth(instructionsSheet, col, col, width)
	}

	if idx, err := f.GetSheetIndex(ProductsSheet); err == nil {
		f.SetActiveSheet(idx)
	}
	return f.Write(w)
}

// headerRow lists the template columns, required ones marked with " *"
func headerRow(template models.ImportTemplate) []string {
	headers := make([]string, len(template.Columns))
	for i, col := range template.Columns {
		headers[i] = col.Name
		if col.Required {
			headers[i] += " *"
		}
	}
	return headers
}
