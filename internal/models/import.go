package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ImportFormat represents the file format for import
type ImportFormat string

const (
	ImportFormatCSV  ImportFormat = "csv"
	ImportFormatXLSX ImportFormat = "xlsx"
)

// ImportStatus represents the status of an import job
type ImportStatus string

const (
	ImportStatusPending    ImportStatus = "PENDING"
	ImportStatusProcessing ImportStatus = "PROCESSING"
	ImportStatusCompleted  ImportStatus = "COMPLETED"
	ImportStatusFailed     ImportStatus = "FAILED"
)

// ImportMode selects how incoming rows reconcile with existing records
type ImportMode string

const (
	ImportModeCreateOnly     ImportMode = "create_only"
	ImportModeUpdateExisting ImportMode = "update_existing"
	ImportModeCreateOrUpdate ImportMode = "create_or_update"
)

// ParseImportMode parses a mode name, accepting a few legacy spellings
func ParseImportMode(value string) (ImportMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "create_or_update", "upsert":
		return ImportModeCreateOrUpdate, nil
	case "create_only", "create":
		return ImportModeCreateOnly, nil
	case "update_existing", "update":
		return ImportModeUpdateExisting, nil
	}
	return "", fmt.Errorf("unknown import mode %q", value)
}

// ImportOptions is the immutable configuration of one import.
type ImportOptions struct {
	Mode                ImportMode `json:"mode"`
	AutoGenerateParents bool       `json:"autoGenerateParents"`
	AutoAssignBarcodes  bool       `json:"autoAssignBarcodes"`
	DryRun              bool       `json:"dryRun"`
}

// Validate checks the options are usable
func (o ImportOptions) Validate() error {
	switch o.Mode {
	case ImportModeCreateOnly, ImportModeUpdateExisting, ImportModeCreateOrUpdate:
		return nil
	}
	return fmt.Errorf("invalid import mode %q", o.Mode)
}

// Logical import fields. Column mappings map these names to spreadsheet columns.
const (
	FieldProductName  = "product_name"
	FieldVariantSKU   = "variant_sku"
	FieldVariantName  = "variant_name"
	FieldVariantColor = "variant_color"
	FieldVariantSize  = "variant_size"
	FieldBarcode      = "barcode"
	FieldRetailPrice  = "retail_price"
	FieldCostPrice    = "cost_price"
	FieldIsParent     = "is_parent"
	FieldDescription  = "description"
	FieldBrand        = "brand"
)

// ImportTemplateColumn defines a column in the import template
type ImportTemplateColumn struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
	Type        string `json:"type"` // string, number, boolean
	Example     string `json:"example"`
}

// ImportTemplate defines the structure of an import template
type ImportTemplate struct {
	Entity  string                 `json:"entity"`
	Version string                 `json:"version"`
	Columns []ImportTemplateColumn `json:"columns"`
}

// ImportRowError represents an error for a specific row
type ImportRowError struct {
	Row     int    `json:"row"`
	Column  string `json:"column,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CatalogImportColumns returns the column definitions for catalog import
func CatalogImportColumns() []ImportTemplateColumn {
	return []ImportTemplateColumn{
		{Name: FieldProductName, Description: "Product name", Required: true, Type: "string", Example: "Blackout Roller Blind Blue 60cm"},
		{Name: FieldVariantSKU, Description: "Variant SKU (NNN-NNN groups variants under parent NNN)", Required: true, Type: "string", Example: "120-004"},
		{Name: FieldVariantName, Description: "Variant display name (defaults to product name)", Required: false, Type: "string", Example: ""},
		{Name: FieldVariantColor, Description: "Variant colour", Required: false, Type: "string", Example: "Blue"},
		{Name: FieldVariantSize, Description: "Variant size", Required: false, Type: "string", Example: "60cm"},
		{Name: FieldBarcode, Description: "Barcode (leave empty to assign from the pool)", Required: false, Type: "string", Example: ""},
		{Name: FieldRetailPrice, Description: "Retail price", Required: false, Type: "number", Example: "24.99"},
		{Name: FieldCostPrice, Description: "Cost price", Required: false, Type: "number", Example: ""},
		{Name: FieldIsParent, Description: "Marks a parent product row (standard mode)", Required: false, Type: "boolean", Example: "false"},
		{Name: FieldDescription, Description: "Product description", Required: false, Type: "string", Example: ""},
		{Name: FieldBrand, Description: "Brand name", Required: false, Type: "string", Example: ""},
	}
}

// CatalogImportTemplate returns the template definition for catalog imports
func CatalogImportTemplate() ImportTemplate {
	return ImportTemplate{
		Entity:  "catalog",
		Version: "2.0",
		Columns: CatalogImportColumns(),
	}
}

// ImportPhase is the pipeline stage reported in progress events
type ImportPhase string

const (
	PhaseReadingFile      ImportPhase = "reading_file"
	PhaseValidating       ImportPhase = "validating"
	PhaseResolvingParents ImportPhase = "resolving_parents"
	PhaseMatching         ImportPhase = "matching"
	PhaseCreating         ImportPhase = "creating"
	PhaseUpdating         ImportPhase = "updating"
	PhaseCompleted        ImportPhase = "completed"
	PhaseError            ImportPhase = "error"
)

var phaseRank = map[ImportPhase]int{
	PhaseReadingFile:      1,
	PhaseValidating:       2,
	PhaseResolvingParents: 3,
	PhaseMatching:         4,
	PhaseCreating:         5,
	PhaseUpdating:         5,
	PhaseCompleted:        6,
	PhaseError:            6,
}

// Rank orders phases; creating and updating share a rank and may alternate
func (p ImportPhase) Rank() int {
	return phaseRank[p]
}

// Terminal reports whether no event follows this phase
func (p ImportPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// ImportProgress is one progress event of an import job. Stats are cumulative.
type ImportProgress struct {
	JobID         string         `json:"jobId"`
	Status        ImportPhase    `json:"status"`
	CurrentAction string         `json:"currentAction"`
	Stats         map[string]int `json:"stats"`
	Timestamp     time.Time      `json:"timestamp"`
}

// ImportJob is the status record of an asynchronous import
type ImportJob struct {
	ID        string          `json:"id"`
	Status    ImportStatus    `json:"status"`
	FileName  string          `json:"fileName"`
	Options   ImportOptions   `json:"options"`
	Progress  *ImportProgress `json:"progress,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
