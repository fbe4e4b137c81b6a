package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"catalog-import-service/internal/barcodes"
	"catalog-import-service/internal/metrics"
	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// UnitState is the lifecycle state of one unit during execution
type UnitState string

const (
	UnitPending   UnitState = "pending"
	UnitCreating  UnitState = "creating"
	UnitUpdating  UnitState = "updating"
	UnitAssigning UnitState = "assigning_identifiers"
	UnitCommitted UnitState = "committed"
	UnitFailed    UnitState = "failed"
)

const defaultBatchID = "inline"

// UnitOutcome is the execution result of one unit
type UnitOutcome struct {
	Key         ParentKey             `json:"key"`
	State       UnitState             `json:"state"`
	ProductID   *uuid.UUID            `json:"productId,omitempty"`
	VariantIDs  []uuid.UUID           `json:"variantIds,omitempty"`
	Assignments []barcodes.Assignment `json:"assignments,omitempty"`
	Rows        []int                 `json:"rows"`
	Error       string                `json:"error,omitempty"`
}

// ExecutionResult reports what an import actually did
type ExecutionResult struct {
	JobID            string                  `json:"jobId"`
	Counts           Counts                  `json:"counts"`
	Units            []UnitOutcome           `json:"units"`
	Errors           []models.ImportRowError `json:"errors"`
	BarcodesAssigned int                     `json:"identifiers_assigned"`
	Duration         time.Duration           `json:"duration"`
}

// FailedUnits returns how many units rolled back
func (r *ExecutionResult) FailedUnits() int {
	n := 0
	for _, u := range r.Units {
		if u.State == UnitFailed {
			n++
		}
	}
	return n
}

// ExecuteRequest is the input of one execution
type ExecuteRequest struct {
	JobID    string
	Plan     *Plan
	Artifact Artifact // released on every exit path; may be nil
	Progress *Progress
}

// Executor applies plans to the store, one transaction per unit
type Executor struct {
	store   repository.Store
	logger  *logrus.Entry
	metrics *metrics.Metrics
}

// NewExecutor creates an Executor. m may be nil.
func NewExecutor(store repository.Store, logger *logrus.Entry, m *metrics.Metrics) *Executor {
	return &Executor{
		store:   store,
		logger:  logger.WithField("component", "executor"),
		metrics: m,
	}
}

// Execute applies the plan. A failing unit rolls back alone and is reported in
// the result; the returned error is reserved for failures that stop the batch.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (result *ExecutionResult, err error) {
	start := time.Now()
	artifact := releaseOnce(req.Artifact)
	defer func() {
		if rerr := artifact.Release(); rerr != nil {
			e.logger.WithError(rerr).WithField("job_id", req.JobID).Warn("Failed to release import artifact")
		}
	}()

	if req.Plan == nil {
		return nil, ErrNoPlan
	}
	plan := req.Plan
	jobID := req.JobID
	if jobID == "" {
		jobID = defaultBatchID
	}
	log := e.logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"units":  len(plan.Units),
		"mode":   plan.Options.Mode,
	})

	defer func() {
		outcome := "completed"
		switch {
		case err != nil:
			outcome = "error"
		case result != nil && result.FailedUnits() > 0:
			outcome = "partial"
		}
		e.metrics.ObserveImport(string(plan.Options.Mode), outcome, time.Since(start))
	}()

	if err := e.checkPool(ctx, plan); err != nil {
		req.Progress.Enter(ctx, models.PhaseError, err.Error())
		log.WithError(err).Error("Import refused before writing")
		return nil, err
	}

	result = &ExecutionResult{JobID: jobID, Units: make([]UnitOutcome, 0, len(plan.Units))}
	errorRows := plan.Counts.ErrorRows
	rowErrors := append([]models.ImportRowError{}, plan.Errors...)
	var committed []UnitPlan

	for i := range plan.Units {
		unit := plan.Units[i]
		phase, state := models.PhaseUpdating, UnitUpdating
		if unitCreates(unit) {
			phase, state = models.PhaseCreating, UnitCreating
		}
		req.Progress.Enter(ctx, phase, fmt.Sprintf("Importing %s (%d of %d)", unitLabel(unit), i+1, len(plan.Units)))

		outcome, uerr := e.applyUnit(ctx, unit, state, log)
		e.metrics.ObserveUnit(string(outcome.State))
		result.Units = append(result.Units, outcome)

		if uerr != nil {
			errorRows += len(outcome.Rows)
			for _, row := range outcome.Rows {
				rowErrors = append(rowErrors, models.ImportRowError{
					Row:     row,
					Code:    CodeUnitFailed,
					Message: uerr.Error(),
				})
			}
			req.Progress.Add("failed_units", 1)

			if fatal(ctx, uerr) {
				result.finish(committed, errorRows, rowErrors, start)
				req.Progress.Merge(result.progressStats())
				req.Progress.Enter(ctx, models.PhaseError, uerr.Error())
				log.WithError(uerr).Error("Import aborted, store unavailable")
				return result, uerr
			}
			continue
		}

		committed = append(committed, unit)
		result.BarcodesAssigned += len(outcome.Assignments)
		result.Counts = FoldCounts(committed, errorRows)
		req.Progress.Merge(result.progressStats())
	}

	result.finish(committed, errorRows, rowErrors, start)
	e.recordRows(result.Counts)
	req.Progress.Merge(result.progressStats())
	req.Progress.Enter(ctx, models.PhaseCompleted, fmt.Sprintf("Imported %d of %d units", len(committed), len(plan.Units)))

	log.WithFields(logrus.Fields{
		"committed":            len(committed),
		"failed":               result.FailedUnits(),
		"identifiers_assigned": result.BarcodesAssigned,
		"duration_ms":          result.Duration.Milliseconds(),
	}).Info("Import executed")
	return result, nil
}

// checkPool refuses the run up front when the pool cannot cover the plan
func (e *Executor) checkPool(ctx context.Context, plan *Plan) error {
	if !plan.Options.AutoAssignBarcodes {
		return nil
	}
	demand := 0
	for _, u := range plan.Units {
		demand += u.barcodeDemand()
	}
	if demand == 0 {
		return nil
	}
	available, err := barcodes.NewAllocator(e.store.Barcodes(), e.logger, e.metrics).Available(ctx)
	if err != nil {
		return fmt.Errorf("failed to count available barcodes: %w", err)
	}
	if available < int64(demand) {
		e.metrics.ObservePoolShortfall()
		return &barcodes.InsufficientPoolError{Requested: demand, Available: int(available)}
	}
	return nil
}

// applyUnit runs one unit in its own transaction
func (e *Executor) applyUnit(ctx context.Context, unit UnitPlan, state UnitState, log *logrus.Entry) (UnitOutcome, error) {
	outcome := UnitOutcome{Key: unit.Key, State: UnitPending, Rows: unit.Rows()}
	ulog := log.WithField("unit", unit.Key)
	ulog.WithField("state", state).Debug("Applying unit")

	var claimed []models.BarcodePoolEntry
	err := e.store.WithTransaction(ctx, func(tx repository.Store) error {
		outcome.State = state
		catalog := tx.Catalog()

		productID, err := e.applyProduct(ctx, catalog, unit)
		if err != nil {
			return err
		}
		outcome.ProductID = productID

		var needIDs []uuid.UUID
		for _, vp := range unit.Variants {
			variantID, err := e.applyVariant(ctx, catalog, productID, vp)
			if err != nil {
				return fmt.Errorf("row %d: %w", vp.Row, err)
			}
			if variantID == nil {
				continue
			}
			outcome.VariantIDs = append(outcome.VariantIDs, *variantID)
			if vp.NeedsBarcode {
				needIDs = append(needIDs, *variantID)
			}
		}

		if len(needIDs) == 0 {
			return nil
		}
		outcome.State = UnitAssigning
		allocator := barcodes.NewAllocator(tx.Barcodes(), ulog, e.metrics)
		assignments, entries, err := allocator.AssignToVariants(ctx, catalog, needIDs)
		claimed = entries
		if err != nil {
			return err
		}
		outcome.Assignments = assignments
		return nil
	})

	if err != nil {
		if len(claimed) > 0 {
			pool := barcodes.NewAllocator(e.store.Barcodes(), ulog, e.metrics)
			if rerr := pool.Release(context.WithoutCancel(ctx), claimed); rerr != nil {
				ulog.WithError(rerr).Error("Failed to release barcodes of failed unit")
			}
		}
		outcome.State = UnitFailed
		outcome.Error = err.Error()
		outcome.ProductID = nil
		outcome.VariantIDs = nil
		outcome.Assignments = nil
		ulog.WithError(err).Warn("Unit rolled back")
		return outcome, err
	}

	outcome.State = UnitCommitted
	return outcome, nil
}

func (e *Executor) applyProduct(ctx context.Context, catalog repository.CatalogRepository, unit UnitPlan) (*uuid.UUID, error) {
	parent := unit.Parent
	switch unit.Product.Action {
	case ActionSkip:
		return unit.Product.ExistingID, nil
	case ActionUpdate:
		product := productFromCandidate(parent)
		product.ID = *unit.Product.ExistingID
		if err := catalog.UpsertProduct(ctx, product); err != nil {
			return nil, fmt.Errorf("failed to update product %q: %w", parent.Name, err)
		}
		return &product.ID, nil
	default:
		product := productFromCandidate(parent)
		if err := catalog.UpsertProduct(ctx, product); err != nil {
			return nil, fmt.Errorf("failed to create product %q: %w", parent.Name, err)
		}
		return &product.ID, nil
	}
}

func (e *Executor) applyVariant(ctx context.Context, catalog repository.CatalogRepository, productID *uuid.UUID, vp VariantPlan) (*uuid.UUID, error) {
	c := vp.Candidate
	var variantID uuid.UUID

	switch vp.Match.Action {
	case ActionSkip:
		return nil, nil
	case ActionUpdate:
		owner := productID
		if owner == nil {
			owner = vp.CurrentProductID
		}
		if owner == nil {
			return nil, fmt.Errorf("variant %q has no parent product", c.SKU)
		}
		variant, err := variantFromCandidate(c, *owner)
		if err != nil {
			return nil, err
		}
		variant.ID = *vp.Match.ExistingID
		if err := catalog.UpsertVariant(ctx, variant); err != nil {
			return nil, fmt.Errorf("failed to update variant %q: %w", c.SKU, err)
		}
		variantID = variant.ID
	default:
		if productID == nil {
			return nil, fmt.Errorf("variant %q has no parent product", c.SKU)
		}
		variant, err := variantFromCandidate(c, *productID)
		if err != nil {
			return nil, err
		}
		if err := catalog.UpsertVariant(ctx, variant); err != nil {
			return nil, fmt.Errorf("failed to create variant %q: %w", c.SKU, err)
		}
		variantID = variant.ID
	}

	if c.Barcode != nil {
		if err := catalog.AttachBarcode(ctx, variantID, *c.Barcode, models.BarcodeSourceImport); err != nil {
			return nil, fmt.Errorf("failed to attach barcode %q: %w", *c.Barcode, err)
		}
	}
	return &variantID, nil
}

func (e *Executor) recordRows(c Counts) {
	e.metrics.AddRows("product", "create", c.ProductsToCreate)
	e.metrics.AddRows("product", "update", c.ProductsToUpdate)
	e.metrics.AddRows("product", "skip", c.ProductsToSkip)
	e.metrics.AddRows("variant", "create", c.VariantsToCreate)
	e.metrics.AddRows("variant", "update", c.VariantsToUpdate)
	e.metrics.AddRows("variant", "skip", c.VariantsToSkip)
	e.metrics.AddRows("row", "error", c.ErrorRows)
}

func (r *ExecutionResult) finish(committed []UnitPlan, errorRows int, rowErrors []models.ImportRowError, start time.Time) {
	r.Counts = FoldCounts(committed, errorRows)
	r.Errors = rowErrors
	r.Duration = time.Since(start)
}

func (r *ExecutionResult) progressStats() map[string]int {
	return map[string]int{
		"products_created":     r.Counts.ProductsToCreate,
		"products_updated":     r.Counts.ProductsToUpdate,
		"variants_created":     r.Counts.VariantsToCreate,
		"variants_updated":     r.Counts.VariantsToUpdate,
		"skipped":              r.Counts.ProductsToSkip + r.Counts.VariantsToSkip,
		"error_rows":           r.Counts.ErrorRows,
		"identifiers_assigned": r.BarcodesAssigned,
	}
}

func productFromCandidate(p ParentCandidate) *models.Product {
	return &models.Product{
		ParentSKU:     p.ParentSKU,
		Name:          p.Name,
		Description:   p.Description,
		Brand:         p.Brand,
		Price:         p.Price,
		AutoGenerated: p.AutoGenerated,
		Status:        models.ProductStatusDraft,
	}
}

func variantFromCandidate(c VariantCandidate, productID uuid.UUID) (*models.ProductVariant, error) {
	raw, err := json.Marshal(c.Raw.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode import row: %w", err)
	}
	return &models.ProductVariant{
		ProductID:  productID,
		SKU:        c.SKU,
		Name:       c.Name,
		Color:      c.Color,
		Size:       c.Size,
		Price:      c.Price,
		CostPrice:  c.CostPrice,
		ImportData: datatypes.JSON(raw),
	}, nil
}

func unitCreates(u UnitPlan) bool {
	if u.Product.Action == ActionCreate {
		return true
	}
	for _, v := range u.Variants {
		if v.Match.Action == ActionCreate {
			return true
		}
	}
	return false
}

func unitLabel(u UnitPlan) string {
	if u.Parent.ParentSKU != nil {
		return *u.Parent.ParentSKU
	}
	return u.Parent.Name
}

// fatal reports errors that mean later units would fail the same way
func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, repository.ErrUnavailable) || ctx.Err() != nil
}
