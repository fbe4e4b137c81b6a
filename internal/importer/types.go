package importer

import (
	"errors"
	"fmt"
	"strings"

	"catalog-import-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptyImport       = errors.New("import contains no data rows")
	ErrMappingIncomplete = errors.New("column mapping is missing required fields")
	ErrNoPlan            = errors.New("no plan to execute")
)

// Record is one decoded spreadsheet row. Number is the 1-based source row.
type Record struct {
	Number int
	Cells  []string
}

// ColumnMapping maps logical field names to column indexes
type ColumnMapping map[string]int

// Row is a record viewed through a column mapping
type Row struct {
	Number int               `json:"row"`
	Fields map[string]string `json:"fields"`
}

// Get returns the trimmed value of a field, or "" when unmapped
func (r Row) Get(field string) string {
	return strings.TrimSpace(r.Fields[field])
}

func (r Row) optional(field string) *string {
	v := r.Get(field)
	if v == "" {
		return nil
	}
	return &v
}

// ParentKey identifies a parent group within one import
type ParentKey string

func skuParentKey(prefix string) ParentKey {
	return ParentKey("sku:" + prefix)
}

func nameParentKey(name string) ParentKey {
	return ParentKey("name:" + normalizeKey(name))
}

// ParentCandidate is the resolved parent of a group of variants
type ParentCandidate struct {
	ParentSKU     *string          `json:"parentSku,omitempty"`
	Name          string           `json:"name"`
	AutoGenerated bool             `json:"autoGenerated"`
	ExistingID    *uuid.UUID       `json:"existingId,omitempty"`
	Description   *string          `json:"description,omitempty"`
	Brand         *string          `json:"brand,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
}

// VariantCandidate is a validated variant row
type VariantCandidate struct {
	SKU       string           `json:"sku"`
	Name      string           `json:"name"`
	Color     *string          `json:"color,omitempty"`
	Size      *string          `json:"size,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	CostPrice *decimal.Decimal `json:"costPrice,omitempty"`
	Barcode   *string          `json:"barcode,omitempty"`
	Parent    ParentKey        `json:"parent"`
	Raw       Row              `json:"-"`
}

// attributeKey is the batch-level secondary key (parent, color, size)
func (v VariantCandidate) attributeKey() string {
	return fmt.Sprintf("%s|%s|%s", v.Parent, normalizeKey(deref(v.Color)), normalizeKey(deref(v.Size)))
}

func (v VariantCandidate) hasAttributes() bool {
	return v.Color != nil || v.Size != nil
}

// Action is what reconciliation decided for a record
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionSkip   Action = "skip"
)

// Match reasons
const (
	ReasonNew              = "new_record"
	ReasonMatchedSKU       = "matched_sku"
	ReasonMatchedAttrs     = "matched_color_size"
	ReasonMatchedParentSKU = "matched_parent_sku"
	ReasonResolvedParent   = "resolved_parent"
	ReasonExistsCreateOnly = "exists_create_only"
	ReasonMissingUpdate    = "missing_update_only"
	ReasonDuplicateInBatch = "duplicate_in_batch"
)

// MatchResult is the reconciliation decision for one product or variant
type MatchResult struct {
	Action     Action     `json:"action"`
	ExistingID *uuid.UUID `json:"existingId,omitempty"`
	Reason     string     `json:"reason"`
}

// RowError is a row excluded from the import
type RowError struct {
	Row     int
	Column  string
	Code    string
	Message string
}

func (e *RowError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("row %d, %s: %s", e.Row, e.Column, e.Message)
	}
	return fmt.Sprintf("row %d: %s", e.Row, e.Message)
}

func (e *RowError) toModel() models.ImportRowError {
	return models.ImportRowError{Row: e.Row, Column: e.Column, Code: e.Code, Message: e.Message}
}

// Row error codes
const (
	CodeRequired     = "REQUIRED_FIELD"
	CodeInvalidPrice = "INVALID_PRICE"
	CodeUnitFailed   = "UNIT_FAILED"
)

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
