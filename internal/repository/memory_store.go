package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"catalog-import-service/internal/models"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Transactions are serialised and work on a
// copy of the catalog that replaces the live one only when fn succeeds.
// The barcode pool is shared and not rolled back, like an external pool.
type MemoryStore struct {
	txMu    sync.Mutex
	catalog *memoryCatalog
	pool    *MemoryBarcodePool
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		catalog: newMemoryCatalog(),
		pool:    NewMemoryBarcodePool(),
	}
}

func (s *MemoryStore) Catalog() CatalogRepository { return s.catalog }

func (s *MemoryStore) Barcodes() BarcodePool { return s.pool }

// Pool exposes the concrete pool for seeding
func (s *MemoryStore) Pool() *MemoryBarcodePool { return s.pool }

func (s *MemoryStore) WithTransaction(ctx context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	working := s.catalog.clone()
	if err := fn(&memoryTx{catalog: working, pool: s.pool}); err != nil {
		return err
	}
	s.catalog.replace(working)
	return nil
}

type memoryTx struct {
	catalog *memoryCatalog
	pool    *MemoryBarcodePool
}

func (t *memoryTx) Catalog() CatalogRepository { return t.catalog }

func (t *memoryTx) Barcodes() BarcodePool { return t.pool }

func (t *memoryTx) WithTransaction(ctx context.Context, fn func(tx Store) error) error {
	return fn(t)
}

type memoryCatalog struct {
	mu       sync.RWMutex
	products map[uuid.UUID]models.Product
	variants map[uuid.UUID]models.ProductVariant
	barcodes map[string]models.VariantBarcode
}

func newMemoryCatalog() *memoryCatalog {
	return &memoryCatalog{
		products: make(map[uuid.UUID]models.Product),
		variants: make(map[uuid.UUID]models.ProductVariant),
		barcodes: make(map[string]models.VariantBarcode),
	}
}

func (c *memoryCatalog) clone() *memoryCatalog {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := newMemoryCatalog()
	for k, v := range c.products {
		out.products[k] = v
	}
	for k, v := range c.variants {
		out.variants[k] = v
	}
	for k, v := range c.barcodes {
		out.barcodes[k] = v
	}
	return out
}

func (c *memoryCatalog) replace(other *memoryCatalog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products = other.products
	c.variants = other.variants
	c.barcodes = other.barcodes
}

func (c *memoryCatalog) FindProductByParentSKU(ctx context.Context, parentSKU string) (*models.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.products {
		if p.ParentSKU != nil && *p.ParentSKU == parentSKU {
			out := p
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (c *memoryCatalog) FindProductByName(ctx context.Context, name string) (*models.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var found *models.Product
	for _, p := range c.products {
		if !strings.EqualFold(p.Name, name) {
			continue
		}
		if found == nil || p.CreatedAt.Before(found.CreatedAt) ||
			(p.CreatedAt.Equal(found.CreatedAt) && p.ID.String() < found.ID.String()) {
			out := p
			found = &out
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (c *memoryCatalog) FindVariantBySKU(ctx context.Context, sku string) (*models.ProductVariant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, v := range c.variants {
		if v.SKU == sku {
			out := v
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (c *memoryCatalog) FindVariantByAttributes(ctx context.Context, productID uuid.UUID, color, size string) (*models.ProductVariant, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var found *models.ProductVariant
	for _, v := range c.variants {
		if v.ProductID != productID {
			continue
		}
		if !strings.EqualFold(deref(v.Color), color) || !strings.EqualFold(deref(v.Size), size) {
			continue
		}
		if found == nil || v.CreatedAt.Before(found.CreatedAt) {
			out := v
			found = &out
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (c *memoryCatalog) UpsertProduct(ctx context.Context, product *models.Product) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if product.ID == uuid.Nil {
		if product.ParentSKU != nil {
			for _, p := range c.products {
				if p.ParentSKU != nil && *p.ParentSKU == *product.ParentSKU {
					return fmt.Errorf("duplicate parent sku %q", *product.ParentSKU)
				}
			}
		}
		product.ID = uuid.New()
		product.CreatedAt = now
		product.UpdatedAt = now
		if product.Status == "" {
			product.Status = models.ProductStatusDraft
		}
		stored := *product
		stored.Variants = nil
		c.products[product.ID] = stored
		return nil
	}

	existing, ok := c.products[product.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = product.Name
	if product.ParentSKU != nil {
		existing.ParentSKU = product.ParentSKU
	}
	if product.Description != nil {
		existing.Description = product.Description
	}
	if product.Brand != nil {
		existing.Brand = product.Brand
	}
	if product.Price != nil {
		existing.Price = product.Price
	}
	existing.UpdatedAt = now
	existing.DeletedAt.Valid = false
	c.products[product.ID] = existing
	return nil
}

func (c *memoryCatalog) UpsertVariant(ctx context.Context, variant *models.ProductVariant) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, v := range c.variants {
		if v.SKU == variant.SKU && id != variant.ID {
			return fmt.Errorf("duplicate variant sku %q", variant.SKU)
		}
	}

	now := time.Now()
	if variant.ID == uuid.Nil {
		variant.ID = uuid.New()
		variant.CreatedAt = now
		variant.UpdatedAt = now
		stored := *variant
		stored.Barcodes = nil
		c.variants[variant.ID] = stored
		return nil
	}

	existing, ok := c.variants[variant.ID]
	if !ok {
		return ErrNotFound
	}
	existing.ProductID = variant.ProductID
	existing.SKU = variant.SKU
	existing.Name = variant.Name
	existing.Color = variant.Color
	existing.Size = variant.Size
	if variant.Price != nil {
		existing.Price = variant.Price
	}
	if variant.CostPrice != nil {
		existing.CostPrice = variant.CostPrice
	}
	if len(variant.ImportData) > 0 {
		existing.ImportData = variant.ImportData
	}
	existing.UpdatedAt = now
	existing.DeletedAt.Valid = false
	c.variants[variant.ID] = existing
	return nil
}

func (c *memoryCatalog) HasBarcode(ctx context.Context, variantID uuid.UUID) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.barcodes {
		if b.VariantID == variantID {
			return true, nil
		}
	}
	return false, nil
}

func (c *memoryCatalog) AttachBarcode(ctx context.Context, variantID uuid.UUID, value string, source models.BarcodeSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.barcodes[value]; ok {
		if existing.VariantID == variantID {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrBarcodeInUse, value)
	}
	c.barcodes[value] = models.VariantBarcode{
		ID:        uuid.New(),
		VariantID: variantID,
		Value:     value,
		Source:    source,
		CreatedAt: time.Now(),
	}
	return nil
}

// Products returns a snapshot of all products ordered by creation time
func (s *MemoryStore) Products() []models.Product {
	s.catalog.mu.RLock()
	defer s.catalog.mu.RUnlock()
	out := make([]models.Product, 0, len(s.catalog.products))
	for _, p := range s.catalog.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Variants returns a snapshot of all variants ordered by SKU
func (s *MemoryStore) Variants() []models.ProductVariant {
	s.catalog.mu.RLock()
	defer s.catalog.mu.RUnlock()
	out := make([]models.ProductVariant, 0, len(s.catalog.variants))
	for _, v := range s.catalog.variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out
}

// BarcodesOf returns the barcode values attached to a variant
func (s *MemoryStore) BarcodesOf(variantID uuid.UUID) []string {
	s.catalog.mu.RLock()
	defer s.catalog.mu.RUnlock()
	var out []string
	for _, b := range s.catalog.barcodes {
		if b.VariantID == variantID {
			out = append(out, b.Value)
		}
	}
	sort.Strings(out)
	return out
}

// MemoryBarcodePool is a mutex-guarded pool held in memory
type MemoryBarcodePool struct {
	mu      sync.Mutex
	entries []models.BarcodePoolEntry
	nextSeq int64
}

// NewMemoryBarcodePool creates an empty pool
func NewMemoryBarcodePool() *MemoryBarcodePool {
	return &MemoryBarcodePool{nextSeq: 1}
}

func (p *MemoryBarcodePool) ClaimNextAvailable(ctx context.Context, n int) ([]models.BarcodePoolEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var picked []int
	for i := range p.entries {
		if p.entries[i].Status == models.BarcodeStatusAvailable {
			picked = append(picked, i)
		}
	}
	if len(picked) < n {
		return nil, &InsufficientPoolError{Requested: n, Available: len(picked)}
	}
	sort.SliceStable(picked, func(a, b int) bool {
		ea, eb := p.entries[picked[a]], p.entries[picked[b]]
		if ea.Legacy != eb.Legacy {
			return !ea.Legacy
		}
		return ea.Seq < eb.Seq
	})

	now := time.Now().UTC()
	claimID := uuid.New()
	claimed := make([]models.BarcodePoolEntry, 0, n)
	for _, idx := range picked[:n] {
		e := &p.entries[idx]
		e.Status = models.BarcodeStatusAssigned
		e.AssignedAt = &now
		e.ClaimID = &claimID
		claimed = append(claimed, *e)
	}
	return claimed, nil
}

func (p *MemoryBarcodePool) MarkAssigned(ctx context.Context, entry models.BarcodePoolEntry, variantID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.entries {
		e := &p.entries[i]
		if e.Seq != entry.Seq {
			continue
		}
		if e.ClaimID == nil || entry.ClaimID == nil || *e.ClaimID != *entry.ClaimID {
			break
		}
		id := variantID
		e.AssignedTo = &id
		return nil
	}
	return fmt.Errorf("barcode %s: %w", entry.Value, ErrClaimConflict)
}

func (p *MemoryBarcodePool) Release(ctx context.Context, entries []models.BarcodePoolEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range entries {
		if entry.ClaimID == nil {
			continue
		}
		for i := range p.entries {
			e := &p.entries[i]
			if e.Seq == entry.Seq && e.ClaimID != nil && *e.ClaimID == *entry.ClaimID {
				e.Status = models.BarcodeStatusAvailable
				e.AssignedTo = nil
				e.AssignedAt = nil
				e.ClaimID = nil
			}
		}
	}
	return nil
}

func (p *MemoryBarcodePool) CountAvailable(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n int64
	for _, e := range p.entries {
		if e.Status == models.BarcodeStatusAvailable {
			n++
		}
	}
	return n, nil
}

func (p *MemoryBarcodePool) Add(ctx context.Context, values []string, legacy bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]struct{}, len(p.entries))
	for _, e := range p.entries {
		seen[e.Value] = struct{}{}
	}
	added := 0
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		p.entries = append(p.entries, models.BarcodePoolEntry{
			Seq:       p.nextSeq,
			Value:     v,
			Status:    models.BarcodeStatusAvailable,
			Legacy:    legacy,
			CreatedAt: time.Now(),
		})
		p.nextSeq++
		added++
	}
	return added, nil
}

func (p *MemoryBarcodePool) Stats(ctx context.Context) (*models.BarcodePoolStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := &models.BarcodePoolStats{}
	for _, e := range p.entries {
		switch e.Status {
		case models.BarcodeStatusAvailable:
			stats.Available++
			if e.Legacy {
				stats.AvailableLegacy++
			}
		case models.BarcodeStatusAssigned:
			stats.Assigned++
		}
	}
	return stats, nil
}

// Entries returns a copy of every pool entry in insertion order
func (p *MemoryBarcodePool) Entries() []models.BarcodePoolEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.BarcodePoolEntry(nil), p.entries...)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
