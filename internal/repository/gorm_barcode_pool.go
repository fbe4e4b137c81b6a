package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"catalog-import-service/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormBarcodePool keeps the barcode pool in the catalog database so claims
// commit or roll back with the rest of an import unit.
type GormBarcodePool struct {
	db *gorm.DB
}

// NewGormBarcodePool creates a new GormBarcodePool
func NewGormBarcodePool(db *gorm.DB) *GormBarcodePool {
	return &GormBarcodePool{db: db}
}

// ClaimNextAvailable locks the next n available rows with FOR UPDATE SKIP LOCKED
// so concurrent imports never block on, or double-claim, the same entries.
func (p *GormBarcodePool) ClaimNextAvailable(ctx context.Context, n int) ([]models.BarcodePoolEntry, error) {
	if n <= 0 {
		return nil, nil
	}

	var claimed []models.BarcodePoolEntry
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entries []models.BarcodePoolEntry
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.BarcodeStatusAvailable).
			Order("legacy ASC, seq ASC").
			Limit(n).
			Find(&entries).Error; err != nil {
			return err
		}

		if len(entries) < n {
			var available int64
			if err := tx.Model(&models.BarcodePoolEntry{}).
				Where("status = ?", models.BarcodeStatusAvailable).
				Count(&available).Error; err != nil {
				return err
			}
			return &InsufficientPoolError{Requested: n, Available: int(available)}
		}

		seqs := make([]int64, len(entries))
		for i := range entries {
			seqs[i] = entries[i].Seq
		}

		now := time.Now().UTC()
		claimID := uuid.New()
		result := tx.Model(&models.BarcodePoolEntry{}).
			Where("seq IN ? AND status = ?", seqs, models.BarcodeStatusAvailable).
			Updates(map[string]interface{}{
				"status":      models.BarcodeStatusAssigned,
				"assigned_at": now,
				"claim_id":    claimID,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != int64(n) {
			return fmt.Errorf("claimed %d of %d barcodes: %w", result.RowsAffected, n, ErrClaimConflict)
		}

		for i := range entries {
			entries[i].Status = models.BarcodeStatusAssigned
			entries[i].AssignedAt = &now
			entries[i].ClaimID = &claimID
		}
		claimed = entries
		return nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return claimed, nil
}

func (p *GormBarcodePool) MarkAssigned(ctx context.Context, entry models.BarcodePoolEntry, variantID uuid.UUID) error {
	result := p.db.WithContext(ctx).Model(&models.BarcodePoolEntry{}).
		Where("seq = ? AND status = ? AND claim_id = ?", entry.Seq, models.BarcodeStatusAssigned, entry.ClaimID).
		Update("assigned_to", variantID)
	if result.Error != nil {
		return classify(result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("barcode %s: %w", entry.Value, ErrClaimConflict)
	}
	return nil
}

func (p *GormBarcodePool) Release(ctx context.Context, entries []models.BarcodePoolEntry) error {
	for _, entry := range entries {
		if entry.ClaimID == nil {
			continue
		}
		err := p.db.WithContext(ctx).Model(&models.BarcodePoolEntry{}).
			Where("seq = ? AND claim_id = ?", entry.Seq, *entry.ClaimID).
			Updates(map[string]interface{}{
				"status":      models.BarcodeStatusAvailable,
				"assigned_to": nil,
				"assigned_at": nil,
				"claim_id":    nil,
			}).Error
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

func (p *GormBarcodePool) CountAvailable(ctx context.Context) (int64, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&models.BarcodePoolEntry{}).
		Where("status = ?", models.BarcodeStatusAvailable).
		Count(&count).Error
	return count, classify(err)
}

// Add inserts new pool entries, ignoring values already present
func (p *GormBarcodePool) Add(ctx context.Context, values []string, legacy bool) (int, error) {
	entries := make([]models.BarcodePoolEntry, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		entries = append(entries, models.BarcodePoolEntry{
			Value:     v,
			Status:    models.BarcodeStatusAvailable,
			Legacy:    legacy,
			CreatedAt: time.Now(),
		})
	}
	if len(entries) == 0 {
		return 0, nil
	}

	result := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "value"}}, DoNothing: true}).
		CreateInBatches(&entries, 500)
	if result.Error != nil {
		return 0, classify(result.Error)
	}
	return int(result.RowsAffected), nil
}

func (p *GormBarcodePool) Stats(ctx context.Context) (*models.BarcodePoolStats, error) {
	var rows []struct {
		Status models.BarcodeStatus
		Legacy bool
		Count  int64
	}
	err := p.db.WithContext(ctx).Model(&models.BarcodePoolEntry{}).
		Select("status, legacy, COUNT(*) AS count").
		Group("status, legacy").
		Scan(&rows).Error
	if err != nil {
		return nil, classify(err)
	}

	stats := &models.BarcodePoolStats{}
	for _, row := range rows {
		switch row.Status {
		case models.BarcodeStatusAvailable:
			stats.Available += row.Count
			if row.Legacy {
				stats.AvailableLegacy += row.Count
			}
		case models.BarcodeStatusAssigned:
			stats.Assigned += row.Count
		}
	}
	return stats, nil
}
