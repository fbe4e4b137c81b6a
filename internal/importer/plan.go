package importer

import (
	"sort"

	"catalog-import-service/internal/models"

	"github.com/google/uuid"
)

// Counts summarises a plan or an execution
type Counts struct {
	ProductsToCreate int `json:"products_to_create"`
	ProductsToUpdate int `json:"products_to_update"`
	ProductsToSkip   int `json:"products_to_skip"`
	VariantsToCreate int `json:"variants_to_create"`
	VariantsToUpdate int `json:"variants_to_update"`
	VariantsToSkip   int `json:"variants_to_skip"`
	ErrorRows        int `json:"error_rows"`
	ValidRows        int `json:"valid_rows"`
}

// Stats flattens counts for progress events
func (c Counts) Stats() map[string]int {
	return map[string]int{
		"products_to_create": c.ProductsToCreate,
		"products_to_update": c.ProductsToUpdate,
		"products_to_skip":   c.ProductsToSkip,
		"variants_to_create": c.VariantsToCreate,
		"variants_to_update": c.VariantsToUpdate,
		"variants_to_skip":   c.VariantsToSkip,
		"error_rows":         c.ErrorRows,
		"valid_rows":         c.ValidRows,
	}
}

// VariantPlan is the decision for one variant row
type VariantPlan struct {
	Row              int              `json:"row"`
	Candidate        VariantCandidate `json:"candidate"`
	Match            MatchResult      `json:"match"`
	CurrentProductID *uuid.UUID       `json:"-"`
	NeedsBarcode     bool             `json:"needsBarcode"`
}

// UnitPlan is one parent with its variants; it commits or fails as a whole
type UnitPlan struct {
	Key       ParentKey       `json:"key"`
	Parent    ParentCandidate `json:"parent"`
	ParentRow int             `json:"parentRow,omitempty"` // 0 when the parent was inferred
	Product   MatchResult     `json:"product"`
	Variants  []VariantPlan   `json:"variants"`
}

// Rows returns the source rows the unit was built from
func (u UnitPlan) Rows() []int {
	rows := make([]int, 0, len(u.Variants)+1)
	if u.ParentRow > 0 {
		rows = append(rows, u.ParentRow)
	}
	for _, v := range u.Variants {
		rows = append(rows, v.Row)
	}
	return rows
}

func (u UnitPlan) barcodeDemand() int {
	n := 0
	for _, v := range u.Variants {
		if v.NeedsBarcode {
			n++
		}
	}
	return n
}

// RowKind tells what a source row turned into
type RowKind string

const (
	RowKindParent  RowKind = "parent"
	RowKindVariant RowKind = "variant"
	RowKindError   RowKind = "error"
)

// RowResult is the per-row outcome of planning
type RowResult struct {
	Row       int                    `json:"row"`
	Kind      RowKind                `json:"kind"`
	ParentKey ParentKey              `json:"parentKey,omitempty"`
	SKU       string                 `json:"sku,omitempty"`
	Product   *MatchResult           `json:"product,omitempty"`
	Variant   *MatchResult           `json:"variant,omitempty"`
	Error     *models.ImportRowError `json:"error,omitempty"`
}

// Plan is the dry-run result of an import. Executing it performs exactly these actions.
type Plan struct {
	Options           models.ImportOptions    `json:"options"`
	Mapping           ColumnMapping           `json:"mapping"`
	Counts            Counts                  `json:"counts"`
	Rows              []RowResult             `json:"rows"`
	Units             []UnitPlan              `json:"units"`
	Errors            []models.ImportRowError `json:"errors"`
	BarcodesRequired  int                     `json:"identifiers_required"`
	BarcodesAvailable int64                   `json:"identifiers_available"`
	PoolSufficient    bool                    `json:"pool_sufficient"`
}

// FoldCounts derives counts from units. Plans and execution results both use it,
// so a clean execution reports exactly the counts its plan predicted.
func FoldCounts(units []UnitPlan, errorRows int) Counts {
	c := Counts{ErrorRows: errorRows}
	for _, u := range units {
		switch u.Product.Action {
		case ActionCreate:
			c.ProductsToCreate++
		case ActionUpdate:
			c.ProductsToUpdate++
		case ActionSkip:
			c.ProductsToSkip++
		}
		if u.ParentRow > 0 {
			c.ValidRows++
		}
		for _, v := range u.Variants {
			switch v.Match.Action {
			case ActionCreate:
				c.VariantsToCreate++
			case ActionUpdate:
				c.VariantsToUpdate++
			case ActionSkip:
				c.VariantsToSkip++
			}
			c.ValidRows++
		}
	}
	return c
}

// buildRowResults lists every source row once, in row order
func buildRowResults(units []UnitPlan, errs []models.ImportRowError) []RowResult {
	var rows []RowResult
	for i := range errs {
		e := errs[i]
		rows = append(rows, RowResult{Row: e.Row, Kind: RowKindError, Error: &e})
	}
	for _, u := range units {
		product := u.Product
		if u.ParentRow > 0 {
			rows = append(rows, RowResult{
				Row:       u.ParentRow,
				Kind:      RowKindParent,
				ParentKey: u.Key,
				SKU:       deref(u.Parent.ParentSKU),
				Product:   &product,
			})
		}
		for _, v := range u.Variants {
			match := v.Match
			rows = append(rows, RowResult{
				Row:       v.Row,
				Kind:      RowKindVariant,
				ParentKey: u.Key,
				SKU:       v.Candidate.SKU,
				Product:   &product,
				Variant:   &match,
			})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Row < rows[j].Row })
	return rows
}
