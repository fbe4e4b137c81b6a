package repository

import (
	"context"
	"errors"
	"fmt"

	"catalog-import-service/internal/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrBarcodeInUse is returned when a barcode is already attached to a different variant
	ErrBarcodeInUse = errors.New("barcode already attached to another variant")
	// ErrClaimConflict is returned when a concurrent claimer took entries mid-claim
	ErrClaimConflict = errors.New("barcode claim conflict")
	// ErrUnavailable marks failures of the store itself (lost connection, closed pool)
	ErrUnavailable = errors.New("store unavailable")
	// ErrPoolExhausted is the sentinel matched by InsufficientPoolError
	ErrPoolExhausted = errors.New("barcode pool exhausted")
)

// InsufficientPoolError reports a claim the pool could not satisfy.
// The pool is left untouched when it is returned.
type InsufficientPoolError struct {
	Requested int
	Available int
}

func (e *InsufficientPoolError) Error() string {
	return fmt.Sprintf("barcode pool exhausted: requested %d, available %d", e.Requested, e.Available)
}

func (e *InsufficientPoolError) Is(target error) bool {
	return target == ErrPoolExhausted
}

// CatalogRepository reads and writes parent products, variants and their barcodes.
// Lookups include soft-deleted rows so that re-imports restore them instead of
// colliding with unique indexes.
type CatalogRepository interface {
	FindProductByParentSKU(ctx context.Context, parentSKU string) (*models.Product, error)
	FindProductByName(ctx context.Context, name string) (*models.Product, error)
	FindVariantBySKU(ctx context.Context, sku string) (*models.ProductVariant, error)
	FindVariantByAttributes(ctx context.Context, productID uuid.UUID, color, size string) (*models.ProductVariant, error)

	// UpsertProduct creates the product when ID is nil, otherwise updates it in place
	UpsertProduct(ctx context.Context, product *models.Product) error
	UpsertVariant(ctx context.Context, variant *models.ProductVariant) error

	HasBarcode(ctx context.Context, variantID uuid.UUID) (bool, error)
	AttachBarcode(ctx context.Context, variantID uuid.UUID, value string, source models.BarcodeSource) error
}

// BarcodePool is the finite pool of pre-generated barcodes
type BarcodePool interface {
	// ClaimNextAvailable atomically moves n entries from AVAILABLE to ASSIGNED,
	// non-legacy entries first then in insertion order. It claims all n or none.
	ClaimNextAvailable(ctx context.Context, n int) ([]models.BarcodePoolEntry, error)
	MarkAssigned(ctx context.Context, entry models.BarcodePoolEntry, variantID uuid.UUID) error
	// Release returns claimed entries to the pool. Entries taken by a later claim are left alone.
	Release(ctx context.Context, entries []models.BarcodePoolEntry) error
	CountAvailable(ctx context.Context) (int64, error)
	Add(ctx context.Context, values []string, legacy bool) (int, error)
	Stats(ctx context.Context) (*models.BarcodePoolStats, error)
}

// Store groups the repositories an import works against
type Store interface {
	Catalog() CatalogRepository
	Barcodes() BarcodePool
	// WithTransaction runs fn against a store bound to one transaction.
	// Barcode pools that live outside the catalog database are not rolled back.
	WithTransaction(ctx context.Context, fn func(tx Store) error) error
}
