package importer

import (
	"context"
	"sync"
	"testing"

	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

var catalogHeaders = []string{"product_name", "variant_sku", "variant_color", "variant_size", "barcode", "retail_price", "is_parent"}

func strPtr(s string) *string { return &s }

func testLogger() (*logrus.Entry, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), hook
}

// records builds data records numbered from 2, as if row 1 held the headers
func records(rows ...[]string) []Record {
	out := make([]Record, len(rows))
	for i, cells := range rows {
		out[i] = Record{Number: i + 2, Cells: cells}
	}
	return out
}

func upsert(auto, assign bool) models.ImportOptions {
	return models.ImportOptions{
		Mode:                models.ImportModeCreateOrUpdate,
		AutoGenerateParents: auto,
		AutoAssignBarcodes:  assign,
	}
}

func planRows(t *testing.T, store repository.Store, opts models.ImportOptions, rows ...[]string) *Plan {
	t.Helper()
	logger, _ := testLogger()
	plan, err := NewPlanner(store, logger, 4).Plan(context.Background(), PlanRequest{
		Headers: catalogHeaders,
		Records: records(rows...),
		Options: opts,
	})
	require.NoError(t, err)
	return plan
}

func seedPool(t *testing.T, store *repository.MemoryStore, values ...string) {
	t.Helper()
	_, err := store.Pool().Add(context.Background(), values, false)
	require.NoError(t, err)
}

// seedVariant stores a parent and one variant under it
func seedVariant(t *testing.T, store *repository.MemoryStore, parentSKU, name, sku string, color, size *string) (*models.Product, *models.ProductVariant) {
	t.Helper()
	ctx := context.Background()
	product := &models.Product{Name: name, ParentSKU: strPtr(parentSKU)}
	require.NoError(t, store.Catalog().UpsertProduct(ctx, product))
	variant := &models.ProductVariant{ProductID: product.ID, SKU: sku, Name: name, Color: color, Size: size}
	require.NoError(t, store.Catalog().UpsertVariant(ctx, variant))
	return product, variant
}

// recordingSink keeps every progress event in arrival order
type recordingSink struct {
	mu     sync.Mutex
	events []models.ImportProgress
}

func (s *recordingSink) Emit(_ context.Context, p models.ImportProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, p)
	return nil
}

func (s *recordingSink) phases() []models.ImportPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ImportPhase, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Status)
	}
	return out
}

func (s *recordingSink) last() models.ImportProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

// countingArtifact counts Release calls
type countingArtifact struct {
	mu    sync.Mutex
	count int
}

func (a *countingArtifact) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	return nil
}

func (a *countingArtifact) released() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}
