package models

import (
	"time"

	"github.com/google/uuid"
)

// BarcodeStatus is the lifecycle state of a pool entry.
// Entries only ever move from AVAILABLE to ASSIGNED.
type BarcodeStatus string

const (
	BarcodeStatusAvailable BarcodeStatus = "AVAILABLE"
	BarcodeStatusAssigned  BarcodeStatus = "ASSIGNED"
)

// BarcodePoolEntry is one pre-generated barcode in the identifier pool.
// Seq preserves insertion order; non-legacy stock is handed out before legacy stock.
type BarcodePoolEntry struct {
	Seq        int64         `json:"seq" gorm:"primaryKey;autoIncrement"`
	Value      string        `json:"value" gorm:"not null;uniqueIndex:idx_barcode_pool_value"`
	Status     BarcodeStatus `json:"status" gorm:"not null;default:'AVAILABLE';index:idx_barcode_pool_claim,priority:1"`
	Legacy     bool          `json:"legacy" gorm:"not null;default:false;index:idx_barcode_pool_claim,priority:2"`
	AssignedTo *uuid.UUID    `json:"assignedTo,omitempty" gorm:"type:uuid;index"`
	AssignedAt *time.Time    `json:"assignedAt,omitempty"`
	ClaimID    *uuid.UUID    `json:"-" gorm:"type:uuid;index"` // token of the claim that took the entry
	CreatedAt  time.Time     `json:"createdAt"`
}

// TableName specifies the table name for BarcodePoolEntry
func (BarcodePoolEntry) TableName() string {
	return "barcode_pool"
}

// BarcodePoolStats summarises pool stock
type BarcodePoolStats struct {
	Available       int64 `json:"available"`
	AvailableLegacy int64 `json:"availableLegacy"`
	Assigned        int64 `json:"assigned"`
}

// AddBarcodesRequest adds new entries to the pool
type AddBarcodesRequest struct {
	Values []string `json:"values" binding:"required"`
	Legacy bool     `json:"legacy"`
}
