package spreadsheet

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"catalog-import-service/internal/importer"
	"catalog-import-service/internal/models"

	"github.com/xuri/excelize/v2"
)

// ProductsSheet is the sheet read from workbooks that have one
const ProductsSheet = "Products"

var (
	ErrUnsupportedFormat = errors.New("only CSV and XLSX files are supported")
	ErrNoHeader          = errors.New("file has no header row")
)

// FormatFromFilename picks the decoder for an uploaded file name
func FormatFromFilename(name string) (models.ImportFormat, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv":
		return models.ImportFormatCSV, nil
	case ".xlsx":
		return models.ImportFormatXLSX, nil
	}
	return "", ErrUnsupportedFormat
}

// Decode reads the header row and the non-blank data rows of a file.
// Record numbers are 1-based spreadsheet rows, so the first data row is 2.
func Decode(r io.Reader, format models.ImportFormat) ([]string, []importer.Record, error) {
	switch format {
	case models.ImportFormatCSV:
		return decodeCSV(r)
	case models.ImportFormatXLSX:
		return decodeXLSX(r)
	}
	return nil, nil, ErrUnsupportedFormat
}

func decodeCSV(r io.Reader) ([]string, []importer.Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	headers, err := reader.Read()
	if err == io.EOF {
		return nil, nil, ErrNoHeader
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	if len(headers) > 0 {
		headers[0] = strings.TrimPrefix(headers[0], "\ufeff")
	}

	var records []importer.Record
	for {
		cells, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read CSV: %w", err)
		}
		if blank(cells) {
			continue
		}
		// quoted cells may span lines; number rows by where they start
		line, _ := reader.FieldPos(0)
		records = append(records, importer.Record{Number: line, Cells: cells})
	}
	return trimAll(headers), records, nil
}

func decodeXLSX(r io.Reader) ([]string, []importer.Record, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil, fmt.Errorf("no sheets found in Excel file")
	}
	sheetName := sheets[0]
	for _, name := range sheets {
		if strings.EqualFold(name, ProductsSheet) {
			sheetName = name
			break
		}
	}

	rows, err := f.GetRows(sheetName)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read sheet %q: %w", sheetName, err)
	}
	if len(rows) == 0 {
		return nil, nil, ErrNoHeader
	}

	var records []importer.Record
	for i, cells := range rows[1:] {
		if blank(cells) {
			continue
		}
		records = append(records, importer.Record{Number: i + 2, Cells: cells})
	}
	return trimAll(rows[0]), records, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func trimAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.TrimSpace(v)
	}
	return out
}

// FileSource reads an import from a stored upload
type FileSource struct {
	Path   string
	Format models.ImportFormat
}

var _ importer.Source = FileSource{}

func (s FileSource) Read(ctx context.Context) ([]string, []importer.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()
	return Decode(f, s.Format)
}
