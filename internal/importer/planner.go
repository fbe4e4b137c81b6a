package importer

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// PlanRequest is the input of one planning pass
type PlanRequest struct {
	Headers  []string
	Records  []Record
	Mapping  ColumnMapping // auto-mapped from Headers when empty
	Options  models.ImportOptions
	Progress *Progress
}

// Planner turns decoded rows into a Plan without writing anything
type Planner struct {
	store   repository.Store
	logger  *logrus.Entry
	workers int
}

// NewPlanner creates a Planner. workers bounds parallel row mapping; <= 0 uses GOMAXPROCS.
func NewPlanner(store repository.Store, logger *logrus.Entry, workers int) *Planner {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Planner{
		store:   store,
		logger:  logger.WithField("component", "importer"),
		workers: workers,
	}
}

// mappedRow is a record after mapping and validation
type mappedRow struct {
	row      Row
	variant  VariantCandidate
	isParent bool
	err      *RowError
}

// unitBuilder collects the rows of one unit during grouping
type unitBuilder struct {
	key       ParentKey
	explicit  *mappedRow
	variants  []*mappedRow
	duplicate bool
}

// Plan maps, groups and matches the records. Row problems are reported in the
// plan; only option, mapping and repository failures return an error.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	opts := req.Options
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(req.Records) == 0 {
		return nil, ErrEmptyImport
	}

	mapping := req.Mapping
	if len(mapping) == 0 {
		mapping = AutoMap(req.Headers)
	}
	if missing := mapping.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMappingIncomplete, strings.Join(missing, ", "))
	}

	log := p.logger.WithFields(logrus.Fields{
		"rows": len(req.Records),
		"mode": opts.Mode,
	})

	req.Progress.Set("total_rows", len(req.Records))
	req.Progress.Enter(ctx, models.PhaseValidating, fmt.Sprintf("Validating %d rows", len(req.Records)))
	mapped, err := p.mapRecords(ctx, req.Records, mapping)
	if err != nil {
		return nil, err
	}

	var rowErrors []models.ImportRowError
	for _, m := range mapped {
		if m.err != nil {
			rowErrors = append(rowErrors, m.err.toModel())
		}
	}
	req.Progress.Set("error_rows", len(rowErrors))

	req.Progress.Enter(ctx, models.PhaseResolvingParents, "Resolving parent products")
	var builders []*unitBuilder
	if opts.AutoGenerateParents {
		builders = p.groupByParentKey(mapped)
	} else {
		builders = p.groupByDeclaredParents(mapped, log)
	}

	catalog := p.store.Catalog()
	resolver := NewResolver(catalog, p.logger)
	units := make([]UnitPlan, 0, len(builders))
	for _, b := range builders {
		units = append(units, p.resolveUnit(ctx, resolver, b))
	}
	req.Progress.Set("units", len(units))

	req.Progress.Enter(ctx, models.PhaseMatching, "Matching against existing catalog")
	if err := p.match(ctx, NewMatcher(catalog, opts.Mode), units, opts); err != nil {
		return nil, err
	}

	plan := &Plan{
		Options: opts,
		Mapping: mapping,
		Counts:  FoldCounts(units, len(rowErrors)),
		Rows:    buildRowResults(units, rowErrors),
		Units:   units,
		Errors:  rowErrors,
	}
	if plan.Errors == nil {
		plan.Errors = []models.ImportRowError{}
	}

	plan.PoolSufficient = true
	if opts.AutoAssignBarcodes {
		for _, u := range units {
			plan.BarcodesRequired += u.barcodeDemand()
		}
		available, err := p.store.Barcodes().CountAvailable(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count available barcodes: %w", err)
		}
		plan.BarcodesAvailable = available
		plan.PoolSufficient = available >= int64(plan.BarcodesRequired)
	}
	req.Progress.Merge(plan.Counts.Stats())

	log.WithFields(logrus.Fields{
		"units":              len(units),
		"error_rows":         plan.Counts.ErrorRows,
		"products_to_create": plan.Counts.ProductsToCreate,
		"variants_to_create": plan.Counts.VariantsToCreate,
		"variants_to_update": plan.Counts.VariantsToUpdate,
	}).Info("Import plan ready")
	return plan, nil
}

// mapRecords validates records in parallel; output order follows input order
func (p *Planner) mapRecords(ctx context.Context, records []Record, mapping ColumnMapping) ([]mappedRow, error) {
	out := make([]mappedRow, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range records {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = mapRecord(records[i], mapping)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func mapRecord(rec Record, mapping ColumnMapping) mappedRow {
	row := mapping.Apply(rec)
	m := mappedRow{row: row}

	sku := row.Get(models.FieldVariantSKU)
	name := row.Get(models.FieldProductName)
	if sku == "" {
		m.err = &RowError{Row: row.Number, Column: models.FieldVariantSKU, Code: CodeRequired, Message: "variant SKU is required"}
		return m
	}
	if name == "" {
		m.err = &RowError{Row: row.Number, Column: models.FieldProductName, Code: CodeRequired, Message: "product name is required"}
		return m
	}

	price, err := parsePrice(row.Get(models.FieldRetailPrice))
	if err != nil {
		m.err = &RowError{Row: row.Number, Column: models.FieldRetailPrice, Code: CodeInvalidPrice, Message: err.Error()}
		return m
	}
	cost, err := parsePrice(row.Get(models.FieldCostPrice))
	if err != nil {
		m.err = &RowError{Row: row.Number, Column: models.FieldCostPrice, Code: CodeInvalidPrice, Message: err.Error()}
		return m
	}

	variantName := row.Get(models.FieldVariantName)
	if variantName == "" {
		variantName = name
	}
	m.isParent = parseBool(row.Get(models.FieldIsParent))
	m.variant = VariantCandidate{
		SKU:       sku,
		Name:      variantName,
		Color:     row.optional(models.FieldVariantColor),
		Size:      row.optional(models.FieldVariantSize),
		Price:     price,
		CostPrice: cost,
		Barcode:   row.optional(models.FieldBarcode),
		Raw:       row,
	}
	return m
}

// groupByParentKey groups rows by inferred parent. Rows with a SKU prefix group
// by prefix; the rest are clustered by the leading words of their stripped
// names and keyed by what each cluster has in common. Units keep
// first-appearance order.
func (p *Planner) groupByParentKey(rows []mappedRow) []*unitBuilder {
	var (
		order    []*unitBuilder
		clusters []*nameCluster
	)
	byKey := make(map[ParentKey]*unitBuilder)
	get := func(key ParentKey) *unitBuilder {
		b, ok := byKey[key]
		if !ok {
			b = &unitBuilder{key: key}
			byKey[key] = b
			order = append(order, b)
		}
		return b
	}

	for i := range rows {
		m := &rows[i]
		if m.err != nil {
			continue
		}
		if m.isParent {
			key := explicitParentKey(m)
			b := get(key)
			if b.explicit != nil {
				order = append(order, &unitBuilder{key: duplicateKey(key, m), explicit: m, duplicate: true})
				continue
			}
			b.explicit = m
			continue
		}
		if prefix, ok := ExtractParentSKUPrefix(m.variant.SKU); ok {
			b := get(skuParentKey(prefix))
			b.variants = append(b.variants, m)
			continue
		}

		name := m.row.Get(models.FieldProductName)
		c := joinCluster(clusters, name)
		if c == nil {
			c = &nameCluster{builder: &unitBuilder{}}
			clusters = append(clusters, c)
			order = append(order, c.builder)
		}
		c.add(name)
		c.builder.variants = append(c.builder.variants, m)
	}

	// clusters whose key is already taken (e.g. by a declared parent row) merge into it
	merged := make(map[*unitBuilder]bool)
	for _, c := range clusters {
		key := nameParentKey(SimilarityGroupKey(c.names))
		if b, ok := byKey[key]; ok {
			b.variants = append(b.variants, c.builder.variants...)
			merged[c.builder] = true
			continue
		}
		c.builder.key = key
		byKey[key] = c.builder
	}
	if len(merged) == 0 {
		return order
	}
	kept := order[:0]
	for _, b := range order {
		if !merged[b] {
			kept = append(kept, b)
		}
	}
	return kept
}

// minSharedWords is how many leading words two names without a SKU prefix
// must share to be grouped, unless one name is a word prefix of the other.
const minSharedWords = 2

// nameCluster is a group of rows whose stripped names share leading words.
// names holds the stripped names.
type nameCluster struct {
	common  []string
	names   []string
	builder *unitBuilder
}

func (c *nameCluster) add(name string) {
	stripped := StripVariantDescriptors(name)
	tokens := strings.Fields(stripped)
	if len(c.names) == 0 {
		c.common = tokens
	} else {
		c.common = c.common[:sharedLeadingWords(c.common, tokens)]
	}
	c.names = append(c.names, stripped)
}

// joinCluster returns the first cluster name belongs to, or nil
func joinCluster(clusters []*nameCluster, name string) *nameCluster {
	tokens := strings.Fields(StripVariantDescriptors(name))
	for _, c := range clusters {
		n := sharedLeadingWords(c.common, tokens)
		if n >= minSharedWords || (n > 0 && (n == len(c.common) || n == len(tokens))) {
			return c
		}
	}
	return nil
}

func sharedLeadingWords(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && strings.EqualFold(a[n], b[n]) {
		n++
	}
	return n
}

// groupByDeclaredParents attaches rows to the most recent parent row. Rows seen
// before any parent row fall back to inference.
func (p *Planner) groupByDeclaredParents(rows []mappedRow, log *logrus.Entry) []*unitBuilder {
	var (
		order    []*unitBuilder
		current  *unitBuilder
		declared = make(map[ParentKey]*unitBuilder)
		inferred = make(map[ParentKey]*unitBuilder)
	)

	for i := range rows {
		m := &rows[i]
		if m.err != nil {
			continue
		}
		if m.isParent {
			key := ParentKey("parent:" + normalizeKey(m.variant.SKU))
			if first, dup := declared[key]; dup {
				order = append(order, &unitBuilder{key: duplicateKey(key, m), explicit: m, duplicate: true})
				current = first
				continue
			}
			b := &unitBuilder{key: key, explicit: m}
			declared[key] = b
			order = append(order, b)
			current = b
			continue
		}

		if current == nil {
			key := ParentKeyFor(m.variant.SKU, m.row.Get(models.FieldProductName))
			log.WithFields(logrus.Fields{
				"row": m.row.Number,
				"sku": m.variant.SKU,
			}).Warn("Row precedes any parent row, inferring its parent")
			b, ok := inferred[key]
			if !ok {
				b = &unitBuilder{key: key}
				inferred[key] = b
				order = append(order, b)
			}
			b.variants = append(b.variants, m)
			continue
		}
		current.variants = append(current.variants, m)
	}
	return order
}

func (p *Planner) resolveUnit(ctx context.Context, resolver *Resolver, b *unitBuilder) UnitPlan {
	unit := UnitPlan{Key: b.key}

	switch {
	case b.explicit != nil:
		unit.Parent = explicitParent(b.explicit, b.key)
		unit.ParentRow = b.explicit.row.Number
	case strings.HasPrefix(string(b.key), "sku:"):
		first := b.variants[0].variant
		first.Parent = b.key
		unit.Parent = resolver.Resolve(ctx, first)
	default:
		names := make([]string, len(b.variants))
		for i, v := range b.variants {
			names[i] = v.row.Get(models.FieldProductName)
		}
		unit.Parent = resolver.ResolveGroup(ctx, b.key, names)
	}

	if b.duplicate {
		unit.Product = MatchResult{Action: ActionSkip, Reason: ReasonDuplicateInBatch}
	}

	unit.Variants = make([]VariantPlan, len(b.variants))
	for i, v := range b.variants {
		candidate := v.variant
		candidate.Parent = b.key
		unit.Variants[i] = VariantPlan{Row: v.row.Number, Candidate: candidate}
	}
	return unit
}

// match decides every product and variant action. The duplicate guard runs
// over rows in source order first, so the earliest row of a SKU or of a
// (parent, color, size) combination wins regardless of unit order.
func (p *Planner) match(ctx context.Context, matcher *Matcher, units []UnitPlan, opts models.ImportOptions) error {
	duplicates := duplicateRows(units)

	for ui := range units {
		unit := &units[ui]
		if unit.Product.Reason == ReasonDuplicateInBatch {
			continue
		}

		product, err := matcher.MatchProduct(ctx, unit.Parent)
		if err != nil {
			return err
		}
		unit.Product = product

		for vi := range unit.Variants {
			vp := &unit.Variants[vi]
			if duplicates[vp.Row] {
				vp.Match = MatchResult{Action: ActionSkip, Reason: ReasonDuplicateInBatch}
				continue
			}

			result, existing, err := matcher.MatchVariant(ctx, vp.Candidate, product.ExistingID)
			if err != nil {
				return err
			}
			vp.Match = result
			if existing != nil {
				pid := existing.ProductID
				vp.CurrentProductID = &pid
			}

			if opts.AutoAssignBarcodes && vp.Candidate.Barcode == nil {
				needs, err := needsBarcode(ctx, matcher.catalog, result)
				if err != nil {
					return err
				}
				vp.NeedsBarcode = needs
			}
		}
	}
	return nil
}

// duplicateRows returns the variant rows repeating the SKU or the
// (parent, color, size) of an earlier row
func duplicateRows(units []UnitPlan) map[int]bool {
	var variants []*VariantPlan
	for ui := range units {
		if units[ui].Product.Reason == ReasonDuplicateInBatch {
			continue
		}
		for vi := range units[ui].Variants {
			variants = append(variants, &units[ui].Variants[vi])
		}
	}
	sort.Slice(variants, func(i, j int) bool { return variants[i].Row < variants[j].Row })

	duplicates := make(map[int]bool)
	seenSKU := make(map[string]struct{})
	seenAttrs := make(map[string]struct{})
	for _, vp := range variants {
		skuKey := normalizeKey(vp.Candidate.SKU)
		if _, dup := seenSKU[skuKey]; dup {
			duplicates[vp.Row] = true
			continue
		}
		seenSKU[skuKey] = struct{}{}

		if vp.Candidate.hasAttributes() {
			attrKey := vp.Candidate.attributeKey()
			if _, dup := seenAttrs[attrKey]; dup {
				duplicates[vp.Row] = true
				continue
			}
			seenAttrs[attrKey] = struct{}{}
		}
	}
	return duplicates
}

func needsBarcode(ctx context.Context, catalog repository.CatalogRepository, result MatchResult) (bool, error) {
	switch result.Action {
	case ActionCreate:
		return true, nil
	case ActionUpdate:
		has, err := catalog.HasBarcode(ctx, *result.ExistingID)
		if err != nil {
			return false, fmt.Errorf("failed to check existing barcode: %w", err)
		}
		return !has, nil
	}
	return false, nil
}

var parentSKUOnly = regexp.MustCompile(`^\d{3}$`)

// explicitParentKey places a declared parent row in the same group its variants infer
func explicitParentKey(m *mappedRow) ParentKey {
	sku := m.variant.SKU
	if parentSKUOnly.MatchString(sku) {
		return skuParentKey(sku)
	}
	if prefix, ok := ExtractParentSKUPrefix(sku); ok {
		return skuParentKey(prefix)
	}
	return nameParentKey(StripVariantDescriptors(m.row.Get(models.FieldProductName)))
}

func explicitParent(m *mappedRow, key ParentKey) ParentCandidate {
	sku := m.variant.SKU
	if k := string(key); strings.HasPrefix(k, "sku:") {
		sku = strings.TrimPrefix(k, "sku:")
	}
	return ParentCandidate{
		ParentSKU:     &sku,
		Name:          m.row.Get(models.FieldProductName),
		AutoGenerated: false,
		Description:   m.row.optional(models.FieldDescription),
		Brand:         m.row.optional(models.FieldBrand),
		Price:         m.variant.Price,
	}
}

func duplicateKey(key ParentKey, m *mappedRow) ParentKey {
	return ParentKey(fmt.Sprintf("%s#row%d", key, m.row.Number))
}

// parsePrice accepts "12.50", "£12.50", "1,299.00" and "12,50"
var thousandsGrouped = regexp.MustCompile(`^\d{1,3}(,\d{3})+$`)

func parsePrice(raw string) (*decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	s = strings.TrimLeft(s, "$£€ ")
	s = strings.ReplaceAll(s, " ", "")
	// the last separator is the decimal point; "1,299" groups thousands
	comma, dot := strings.LastIndex(s, ","), strings.LastIndex(s, ".")
	switch {
	case comma < 0:
	case dot > comma, thousandsGrouped.MatchString(s):
		s = strings.ReplaceAll(s, ",", "")
	default:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q", raw)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("price %q must not be negative", raw)
	}
	return &d, nil
}

func parseBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "x", "parent":
		return true
	}
	return false
}
