package barcodes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"catalog-import-service/internal/models"
	"catalog-import-service/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockBarcodePool is a mock implementation of repository.BarcodePool
type MockBarcodePool struct {
	mock.Mock
}

var _ repository.BarcodePool = (*MockBarcodePool)(nil)

func (m *MockBarcodePool) ClaimNextAvailable(ctx context.Context, n int) ([]models.BarcodePoolEntry, error) {
	args := m.Called(ctx, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.BarcodePoolEntry), args.Error(1)
}

func (m *MockBarcodePool) MarkAssigned(ctx context.Context, entry models.BarcodePoolEntry, variantID uuid.UUID) error {
	return m.Called(ctx, entry, variantID).Error(0)
}

func (m *MockBarcodePool) Release(ctx context.Context, entries []models.BarcodePoolEntry) error {
	return m.Called(ctx, entries).Error(0)
}

func (m *MockBarcodePool) CountAvailable(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockBarcodePool) Add(ctx context.Context, values []string, legacy bool) (int, error) {
	args := m.Called(ctx, values, legacy)
	return args.Int(0), args.Error(1)
}

func (m *MockBarcodePool) Stats(ctx context.Context) (*models.BarcodePoolStats, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.BarcodePoolStats), args.Error(1)
}

func seedPool(t *testing.T, n int, legacy bool) *repository.MemoryStore {
	t.Helper()
	store := repository.NewMemoryStore()
	values := make([]string, n)
	for i := range values {
		values[i] = fmt.Sprintf("50000000%04d", i)
	}
	_, err := store.Pool().Add(context.Background(), values, legacy)
	require.NoError(t, err)
	return store
}

func TestAllocate_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := seedPool(t, 3, false)
	alloc := NewAllocator(store.Barcodes(), nil, nil)

	_, err := alloc.Allocate(ctx, 4)
	var insufficient *InsufficientPoolError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 4, insufficient.Requested)
	assert.Equal(t, 3, insufficient.Available)
	assert.True(t, errors.Is(err, ErrPoolExhausted))

	available, err := alloc.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), available)

	entries, err := alloc.Allocate(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestAllocate_ZeroIsNoop(t *testing.T) {
	pool := new(MockBarcodePool)
	alloc := NewAllocator(pool, nil, nil)

	entries, err := alloc.Allocate(context.Background(), 0)
	require.NoError(t, err)
	assert.Nil(t, entries)
	pool.AssertNotCalled(t, "ClaimNextAvailable", mock.Anything, mock.Anything)
}

func TestAllocate_ShortClaimIsReleased(t *testing.T) {
	ctx := context.Background()
	pool := new(MockBarcodePool)
	short := []models.BarcodePoolEntry{{Seq: 1, Value: "A"}}
	pool.On("ClaimNextAvailable", ctx, 2).Return(short, nil)
	pool.On("Release", ctx, short).Return(nil)

	_, err := NewAllocator(pool, nil, nil).Allocate(ctx, 2)
	assert.ErrorIs(t, err, repository.ErrClaimConflict)
	pool.AssertExpectations(t)
}

func TestAllocate_FailedReleaseIsLogged(t *testing.T) {
	ctx := context.Background()
	pool := new(MockBarcodePool)
	short := []models.BarcodePoolEntry{{Seq: 1, Value: "A"}}
	pool.On("ClaimNextAvailable", ctx, 3).Return(short, nil)
	pool.On("Release", ctx, short).Return(repository.ErrUnavailable)

	logger, hook := logtest.NewNullLogger()
	_, err := NewAllocator(pool, logrus.NewEntry(logger), nil).Allocate(ctx, 3)
	assert.ErrorIs(t, err, repository.ErrClaimConflict)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, repository.ErrUnavailable, hook.LastEntry().Data[logrus.ErrorKey])
	pool.AssertExpectations(t)
}

func TestRelease_EmptyIsNoop(t *testing.T) {
	pool := new(MockBarcodePool)
	require.NoError(t, NewAllocator(pool, nil, nil).Release(context.Background(), nil))
	pool.AssertNotCalled(t, "Release", mock.Anything, mock.Anything)
}

func TestAssignToVariants_SkipsVariantsWithBarcodes(t *testing.T) {
	ctx := context.Background()
	store := seedPool(t, 5, false)
	catalog := store.Catalog()

	withBarcode, without := uuid.New(), uuid.New()
	require.NoError(t, catalog.AttachBarcode(ctx, withBarcode, "EXISTING", models.BarcodeSourceImport))

	alloc := NewAllocator(store.Barcodes(), nil, nil)
	assignments, entries, err := alloc.AssignToVariants(ctx, catalog, []uuid.UUID{withBarcode, without, without})
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, without, assignments[0].VariantID)

	assert.Equal(t, []string{"EXISTING"}, store.BarcodesOf(withBarcode))
	assert.Equal(t, []string{assignments[0].Value}, store.BarcodesOf(without))

	// running again assigns nothing new
	assignments, _, err = alloc.AssignToVariants(ctx, catalog, []uuid.UUID{withBarcode, without})
	require.NoError(t, err)
	assert.Empty(t, assignments)

	available, err := alloc.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), available)
}

func TestAssignToVariants_PrefersNonLegacy(t *testing.T) {
	ctx := context.Background()
	store := seedPool(t, 2, true)
	_, err := store.Pool().Add(ctx, []string{"FRESH"}, false)
	require.NoError(t, err)

	alloc := NewAllocator(store.Barcodes(), nil, nil)
	assignments, _, err := alloc.AssignToVariants(ctx, store.Catalog(), []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, "FRESH", assignments[0].Value)
}

func TestAssignToVariants_ReturnsEntriesOnAttachFailure(t *testing.T) {
	ctx := context.Background()
	store := seedPool(t, 1, false)
	entries := store.Pool().Entries()

	// someone already attached the pool value by hand
	require.NoError(t, store.Catalog().AttachBarcode(ctx, uuid.New(), entries[0].Value, models.BarcodeSourceImport))

	alloc := NewAllocator(store.Barcodes(), nil, nil)
	_, claimed, err := alloc.AssignToVariants(ctx, store.Catalog(), []uuid.UUID{uuid.New()})
	require.Error(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, alloc.Release(ctx, claimed))
	available, err := alloc.Available(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), available)
}

func TestAllocate_ConcurrentCallersGetDisjointBarcodes(t *testing.T) {
	ctx := context.Background()
	store := seedPool(t, 100, false)
	alloc := NewAllocator(store.Barcodes(), nil, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]int)
		refused int
	)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entries, err := alloc.Allocate(ctx, 7)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				refused++
				return
			}
			for _, e := range entries {
				claimed[e.Value]++
			}
		}()
	}
	wg.Wait()

	// 14 callers fit in 100 entries, the 15th is refused
	assert.Equal(t, 1, refused)
	assert.Len(t, claimed, 98)
	for value, n := range claimed {
		assert.Equal(t, 1, n, "barcode %s handed out twice", value)
	}
}
