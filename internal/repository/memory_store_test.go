package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"catalog-import-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestMemoryStore_TransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.WithTransaction(ctx, func(tx Store) error {
		p := &models.Product{Name: "Roller Blind", ParentSKU: strPtr("120")}
		require.NoError(t, tx.Catalog().UpsertProduct(ctx, p))
		return errors.New("boom")
	})
	require.Error(t, err)

	_, err = store.Catalog().FindProductByParentSKU(ctx, "120")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_TransactionCommits(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var variantID uuid.UUID
	err := store.WithTransaction(ctx, func(tx Store) error {
		p := &models.Product{Name: "Roller Blind", ParentSKU: strPtr("120")}
		if err := tx.Catalog().UpsertProduct(ctx, p); err != nil {
			return err
		}
		v := &models.ProductVariant{ProductID: p.ID, SKU: "120-001", Name: "Roller Blind Blue", Color: strPtr("Blue")}
		if err := tx.Catalog().UpsertVariant(ctx, v); err != nil {
			return err
		}
		variantID = v.ID
		return tx.Catalog().AttachBarcode(ctx, v.ID, "5012345678900", models.BarcodeSourceImport)
	})
	require.NoError(t, err)

	product, err := store.Catalog().FindProductByName(ctx, "roller blind")
	require.NoError(t, err)
	assert.Equal(t, "120", *product.ParentSKU)

	variant, err := store.Catalog().FindVariantByAttributes(ctx, product.ID, "BLUE", "")
	require.NoError(t, err)
	assert.Equal(t, variantID, variant.ID)

	has, err := store.Catalog().HasBarcode(ctx, variantID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMemoryCatalog_FindProductByNameBreaksTiesByID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	var lowest uuid.UUID
	for i := 0; i < 5; i++ {
		p := &models.Product{Name: "Roller Blind"}
		require.NoError(t, store.Catalog().UpsertProduct(ctx, p))
		if lowest == uuid.Nil || p.ID.String() < lowest.String() {
			lowest = p.ID
		}
	}
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for id, p := range store.catalog.products {
		p.CreatedAt = created
		store.catalog.products[id] = p
	}

	for i := 0; i < 10; i++ {
		found, err := store.Catalog().FindProductByName(ctx, "ROLLER BLIND")
		require.NoError(t, err)
		assert.Equal(t, lowest, found.ID)
	}
}

func TestMemoryCatalog_AttachBarcode(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first, second := uuid.New(), uuid.New()

	require.NoError(t, store.Catalog().AttachBarcode(ctx, first, "A1", models.BarcodeSourcePool))
	// same variant again is a no-op
	require.NoError(t, store.Catalog().AttachBarcode(ctx, first, "A1", models.BarcodeSourcePool))

	err := store.Catalog().AttachBarcode(ctx, second, "A1", models.BarcodeSourcePool)
	assert.ErrorIs(t, err, ErrBarcodeInUse)
	assert.Equal(t, []string{"A1"}, store.BarcodesOf(first))
}

func TestMemoryCatalog_UpdatePreservesUnsetFields(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	catalog := store.Catalog()

	desc := "Blocks light"
	p := &models.Product{Name: "Blind", ParentSKU: strPtr("120"), Description: &desc}
	require.NoError(t, catalog.UpsertProduct(ctx, p))

	update := &models.Product{ID: p.ID, Name: "Blackout Blind"}
	require.NoError(t, catalog.UpsertProduct(ctx, update))

	got, err := catalog.FindProductByParentSKU(ctx, "120")
	require.NoError(t, err)
	assert.Equal(t, "Blackout Blind", got.Name)
	require.NotNil(t, got.Description)
	assert.Equal(t, "Blocks light", *got.Description)
}

func TestMemoryCatalog_RejectsDuplicateSKU(t *testing.T) {
	ctx := context.Background()
	catalog := NewMemoryStore().Catalog()
	productID := uuid.New()

	require.NoError(t, catalog.UpsertVariant(ctx, &models.ProductVariant{ProductID: productID, SKU: "120-001", Name: "a"}))
	err := catalog.UpsertVariant(ctx, &models.ProductVariant{ProductID: productID, SKU: "120-001", Name: "b"})
	assert.Error(t, err)
}

func TestMemoryBarcodePool_ClaimOrder(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryBarcodePool()

	_, err := pool.Add(ctx, []string{"L1", "L2"}, true)
	require.NoError(t, err)
	_, err = pool.Add(ctx, []string{"N1", "N2", "N1"}, false)
	require.NoError(t, err)

	claimed, err := pool.ClaimNextAvailable(ctx, 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, "N1", claimed[0].Value)
	assert.Equal(t, "N2", claimed[1].Value)
	assert.Equal(t, "L1", claimed[2].Value)

	stats, err := pool.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Available)
	assert.Equal(t, int64(1), stats.AvailableLegacy)
	assert.Equal(t, int64(3), stats.Assigned)
}

func TestMemoryBarcodePool_InsufficientLeavesPoolUntouched(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryBarcodePool()
	_, err := pool.Add(ctx, []string{"A", "B"}, false)
	require.NoError(t, err)

	_, err = pool.ClaimNextAvailable(ctx, 3)
	var insufficient *InsufficientPoolError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 3, insufficient.Requested)
	assert.Equal(t, 2, insufficient.Available)
	assert.ErrorIs(t, err, ErrPoolExhausted)

	available, err := pool.CountAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), available)
}

func TestMemoryBarcodePool_ReleaseOnlyOwnClaim(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryBarcodePool()
	_, err := pool.Add(ctx, []string{"A"}, false)
	require.NoError(t, err)

	first, err := pool.ClaimNextAvailable(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, first))

	second, err := pool.ClaimNextAvailable(ctx, 1)
	require.NoError(t, err)

	// a stale release from the first claim must not free the second claim
	require.NoError(t, pool.Release(ctx, first))
	available, err := pool.CountAvailable(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), available)

	require.NoError(t, pool.MarkAssigned(ctx, second[0], uuid.New()))
	assert.ErrorIs(t, pool.MarkAssigned(ctx, first[0], uuid.New()), ErrClaimConflict)
}

func TestMemoryBarcodePool_ConcurrentClaimsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	pool := NewMemoryBarcodePool()

	values := make([]string, 200)
	for i := range values {
		values[i] = fmt.Sprintf("BC%04d", i)
	}
	_, err := pool.Add(ctx, values, false)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for w := 0; w < 20; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := pool.ClaimNextAvailable(ctx, 10)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, e := range claimed {
				seen[e.Value]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 200)
	for value, n := range seen {
		assert.Equal(t, 1, n, "barcode %s claimed more than once", value)
	}
}
