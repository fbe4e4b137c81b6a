package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"catalog-import-service/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormStore is the Postgres-backed Store. The barcode pool shares the catalog
// transaction unless an external pool (e.g. DynamoDB) is supplied.
type GormStore struct {
	db   *gorm.DB
	pool BarcodePool
}

// NewGormStore creates a new GormStore. pool may be nil.
func NewGormStore(db *gorm.DB, pool BarcodePool) *GormStore {
	return &GormStore{db: db, pool: pool}
}

func (s *GormStore) Catalog() CatalogRepository {
	return &gormCatalog{db: s.db}
}

func (s *GormStore) Barcodes() BarcodePool {
	if s.pool != nil {
		return s.pool
	}
	return NewGormBarcodePool(s.db)
}

// WithTransaction runs fn in a database transaction
func (s *GormStore) WithTransaction(ctx context.Context, fn func(tx Store) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, pool: s.pool})
	})
	return classify(err)
}

// classify marks connection-level failures with ErrUnavailable
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

type gormCatalog struct {
	db *gorm.DB
}

func (r *gormCatalog) FindProductByParentSKU(ctx context.Context, parentSKU string) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).Unscoped().
		Where("parent_sku = ?", parentSKU).
		First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	return &product, nil
}

// FindProductByName matches case-insensitively; the oldest product wins when
// names repeat, then the lowest ID
func (r *gormCatalog) FindProductByName(ctx context.Context, name string) (*models.Product, error) {
	var product models.Product
	err := r.db.WithContext(ctx).Unscoped().
		Where("LOWER(name) = ?", strings.ToLower(name)).
		Order("created_at ASC, id ASC").
		First(&product).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	return &product, nil
}

func (r *gormCatalog) FindVariantBySKU(ctx context.Context, sku string) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	err := r.db.WithContext(ctx).Unscoped().
		Where("sku = ?", sku).
		First(&variant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	return &variant, nil
}

// FindVariantByAttributes looks a variant up by its secondary key. Empty color or
// size matches a missing value.
func (r *gormCatalog) FindVariantByAttributes(ctx context.Context, productID uuid.UUID, color, size string) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	err := r.db.WithContext(ctx).Unscoped().
		Where("product_id = ?", productID).
		Where("LOWER(COALESCE(color, '')) = ?", strings.ToLower(color)).
		Where("LOWER(COALESCE(size, '')) = ?", strings.ToLower(size)).
		Order("created_at ASC").
		First(&variant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	return &variant, nil
}

func (r *gormCatalog) UpsertProduct(ctx context.Context, product *models.Product) error {
	now := time.Now()
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
		product.CreatedAt = now
		product.UpdatedAt = now
		if product.Status == "" {
			product.Status = models.ProductStatusDraft
		}
		return classify(r.db.WithContext(ctx).Create(product).Error)
	}

	product.UpdatedAt = now
	updates := map[string]interface{}{
		"name":       product.Name,
		"updated_at": product.UpdatedAt,
		"deleted_at": nil, // restore if soft-deleted
	}
	if product.ParentSKU != nil {
		updates["parent_sku"] = product.ParentSKU
	}
	if product.Description != nil {
		updates["description"] = product.Description
	}
	if product.Brand != nil {
		updates["brand"] = product.Brand
	}
	if product.Price != nil {
		updates["price"] = product.Price
	}

	result := r.db.WithContext(ctx).Unscoped().Model(&models.Product{}).
		Where("id = ?", product.ID).
		Updates(updates)
	if result.Error != nil {
		return classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCatalog) UpsertVariant(ctx context.Context, variant *models.ProductVariant) error {
	now := time.Now()
	if variant.ID == uuid.Nil {
		variant.ID = uuid.New()
		variant.CreatedAt = now
		variant.UpdatedAt = now
		return classify(r.db.WithContext(ctx).Omit("Barcodes").Create(variant).Error)
	}

	variant.UpdatedAt = now
	updates := map[string]interface{}{
		"product_id": variant.ProductID,
		"sku":        variant.SKU,
		"name":       variant.Name,
		"color":      variant.Color,
		"size":       variant.Size,
		"updated_at": variant.UpdatedAt,
		"deleted_at": nil,
	}
	if variant.Price != nil {
		updates["price"] = variant.Price
	}
	if variant.CostPrice != nil {
		updates["cost_price"] = variant.CostPrice
	}
	if len(variant.ImportData) > 0 {
		updates["import_data"] = variant.ImportData
	}

	result := r.db.WithContext(ctx).Unscoped().Model(&models.ProductVariant{}).
		Where("id = ?", variant.ID).
		Updates(updates)
	if result.Error != nil {
		return classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCatalog) HasBarcode(ctx context.Context, variantID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.VariantBarcode{}).
		Where("variant_id = ?", variantID).
		Count(&count).Error
	if err != nil {
		return false, classify(err)
	}
	return count > 0, nil
}

// AttachBarcode is idempotent for the same variant and fails with
// ErrBarcodeInUse when another variant already carries the value.
func (r *gormCatalog) AttachBarcode(ctx context.Context, variantID uuid.UUID, value string, source models.BarcodeSource) error {
	var existing models.VariantBarcode
	err := r.db.WithContext(ctx).Where("value = ?", value).First(&existing).Error
	switch {
	case err == nil:
		if existing.VariantID == variantID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrBarcodeInUse, value)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return classify(err)
	}

	barcode := &models.VariantBarcode{
		ID:        uuid.New(),
		VariantID: variantID,
		Value:     value,
		Source:    source,
		CreatedAt: time.Now(),
	}
	return classify(r.db.WithContext(ctx).Create(barcode).Error)
}
