package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProductStatus represents the status of a product
type ProductStatus string

const (
	ProductStatusDraft    ProductStatus = "DRAFT"
	ProductStatusActive   ProductStatus = "ACTIVE"
	ProductStatusArchived ProductStatus = "ARCHIVED"
)

// BarcodeSource records where a variant barcode came from
type BarcodeSource string

const (
	BarcodeSourceImport BarcodeSource = "IMPORT" // supplied by the uploaded file
	BarcodeSourcePool   BarcodeSource = "POOL"   // claimed from the barcode pool
)

// Product is a parent product grouping a family of variants.
// ParentSKU is the 3-digit SKU prefix shared by the family when one is known.
type Product struct {
	ID            uuid.UUID         `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ParentSKU     *string           `json:"parentSku,omitempty" gorm:"uniqueIndex:idx_products_parent_sku"`
	Name          string            `json:"name" gorm:"not null;index:idx_products_name"`
	Description   *string           `json:"description,omitempty"`
	Brand         *string           `json:"brand,omitempty"`
	Price         *decimal.Decimal  `json:"price,omitempty" gorm:"type:numeric(12,2)"`
	AutoGenerated bool              `json:"autoGenerated" gorm:"not null;default:false"`
	Status        ProductStatus     `json:"status" gorm:"not null;default:'DRAFT'"`
	Variants      []*ProductVariant `json:"variants,omitempty" gorm:"foreignKey:ProductID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	DeletedAt     gorm.DeletedAt    `json:"-" gorm:"index"`
}

// ProductVariant is a concrete sellable SKU under a parent product
type ProductVariant struct {
	ID         uuid.UUID        `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ProductID  uuid.UUID        `json:"productId" gorm:"type:uuid;not null;index;index:idx_variants_product_color_size"`
	SKU        string           `json:"sku" gorm:"not null;uniqueIndex:idx_variants_sku"`
	Name       string           `json:"name" gorm:"not null"`
	Color      *string          `json:"color,omitempty" gorm:"index:idx_variants_product_color_size"`
	Size       *string          `json:"size,omitempty" gorm:"index:idx_variants_product_color_size"`
	Price      *decimal.Decimal `json:"price,omitempty" gorm:"type:numeric(12,2)"`
	CostPrice  *decimal.Decimal `json:"costPrice,omitempty" gorm:"type:numeric(12,2)"`
	ImportData datatypes.JSON   `json:"importData,omitempty" gorm:"type:jsonb"` // last imported raw row
	Barcodes   []VariantBarcode `json:"barcodes,omitempty" gorm:"foreignKey:VariantID;constraint:OnDelete:CASCADE"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
	DeletedAt  gorm.DeletedAt   `json:"-" gorm:"index"`
}

// VariantBarcode is an external identifier attached to a variant
type VariantBarcode struct {
	ID        uuid.UUID     `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	VariantID uuid.UUID     `json:"variantId" gorm:"type:uuid;not null;index"`
	Value     string        `json:"value" gorm:"not null;uniqueIndex:idx_variant_barcodes_value"`
	Source    BarcodeSource `json:"source" gorm:"not null"`
	CreatedAt time.Time     `json:"createdAt"`
}
