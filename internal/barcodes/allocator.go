package barcodes

import (
	"context"
	"fmt"

	"catalog-import-service/internal/metrics"
	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// InsufficientPoolError is returned when fewer entries are available than requested
type InsufficientPoolError = repository.InsufficientPoolError

// ErrPoolExhausted matches any InsufficientPoolError via errors.Is
var ErrPoolExhausted = repository.ErrPoolExhausted

// Assignment records one barcode handed to one variant
type Assignment struct {
	VariantID uuid.UUID `json:"variantId"`
	Value     string    `json:"value"`
}

// Allocator hands out pool barcodes to variants that do not yet carry one
type Allocator struct {
	pool    repository.BarcodePool
	logger  *logrus.Entry
	metrics *metrics.Metrics
}

// NewAllocator creates an allocator over pool. logger and m may be nil.
func NewAllocator(pool repository.BarcodePool, logger *logrus.Entry, m *metrics.Metrics) *Allocator {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Allocator{
		pool:    pool,
		logger:  logger.WithField("component", "barcode-pool"),
		metrics: m,
	}
}

// Allocate claims exactly n entries, non-legacy first, or none at all
func (a *Allocator) Allocate(ctx context.Context, n int) ([]models.BarcodePoolEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	entries, err := a.pool.ClaimNextAvailable(ctx, n)
	if err != nil {
		return nil, err
	}
	if len(entries) != n {
		// pools guarantee all-or-nothing; treat anything else as a conflict
		if rerr := a.pool.Release(ctx, entries); rerr != nil {
			a.logger.WithError(rerr).WithField("count", len(entries)).
				Error("Failed to release partially claimed barcodes")
		}
		return nil, fmt.Errorf("pool returned %d of %d barcodes: %w", len(entries), n, repository.ErrClaimConflict)
	}
	return entries, nil
}

// Available returns how many entries can still be claimed
func (a *Allocator) Available(ctx context.Context) (int64, error) {
	return a.pool.CountAvailable(ctx)
}

// Release returns claimed entries to the pool
func (a *Allocator) Release(ctx context.Context, entries []models.BarcodePoolEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return a.pool.Release(ctx, entries)
}

// AssignToVariants gives each listed variant one pool barcode. Variants that
// already carry a barcode are skipped, as are repeated IDs. The claimed entries
// are returned even on error so the caller can release them.
func (a *Allocator) AssignToVariants(ctx context.Context, catalog repository.CatalogRepository, variantIDs []uuid.UUID) ([]Assignment, []models.BarcodePoolEntry, error) {
	seen := make(map[uuid.UUID]struct{}, len(variantIDs))
	targets := make([]uuid.UUID, 0, len(variantIDs))
	for _, id := range variantIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		has, err := catalog.HasBarcode(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to check barcode of variant %s: %w", id, err)
		}
		if has {
			a.logger.WithField("variant_id", id).Debug("Variant already has a barcode, skipping")
			continue
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return nil, nil, nil
	}

	entries, err := a.Allocate(ctx, len(targets))
	if err != nil {
		return nil, nil, err
	}

	assignments := make([]Assignment, 0, len(targets))
	for i, id := range targets {
		entry := entries[i]
		if err := a.pool.MarkAssigned(ctx, entry, id); err != nil {
			return nil, entries, fmt.Errorf("failed to mark barcode %s assigned: %w", entry.Value, err)
		}
		if err := catalog.AttachBarcode(ctx, id, entry.Value, models.BarcodeSourcePool); err != nil {
			return nil, entries, fmt.Errorf("failed to attach barcode %s: %w", entry.Value, err)
		}
		assignments = append(assignments, Assignment{VariantID: id, Value: entry.Value})
	}

	a.metrics.AddBarcodesAllocated(len(assignments))
	a.logger.WithFields(logrus.Fields{
		"count": len(assignments),
		"first": assignments[0].Value,
	}).Debug("Assigned pool barcodes")
	return assignments, entries, nil
}
