package inventory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/db/dbtest"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

func TestReserveDecrementsAndBumpsVersion(t *testing.T) {
	client := dbtest.Open(t)
	product := dbtest.SeedProduct(t, client, dbtest.ProductFixture{PriceCents: 1000, Stock: 5})
	svc := NewService()

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return svc.Reserve(context.Background(), tx, product.ID, 3)
	})
	require.NoError(t, err)

	var row models.StockLedger
	require.NoError(t, client.DB().First(&row, "product_id = ?", product.ID).Error)
	assert.Equal(t, 2, row.Stock)
	assert.Equal(t, int64(1), row.Version)
}

func TestReserveInsufficientStockHasNoSideEffects(t *testing.T) {
	client := dbtest.Open(t)
	product := dbtest.SeedProduct(t, client, dbtest.ProductFixture{PriceCents: 1000, Stock: 1})
	svc := NewService()

	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return svc.Reserve(context.Background(), tx, product.ID, 2)
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))
	assert.Equal(t, 1, dbtest.Stock(t, client, product.ID))
}

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	client := dbtest.Open(t)
	product := dbtest.SeedProduct(t, client, dbtest.ProductFixture{PriceCents: 1000, Stock: 1})

	err := NewService().Reserve(context.Background(), client.DB(), product.ID, 0)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestReserveAllCompensatesEarlierItems(t *testing.T) {
	client := dbtest.Open(t)
	first := dbtest.SeedProduct(t, client, dbtest.ProductFixture{PriceCents: 500, Stock: 4})
	second := dbtest.SeedProduct(t, client, dbtest.ProductFixture{PriceCents: 700, Stock: 1})
	svc := NewService()

	// Run outside a rollback-on-error transaction to observe the compensation itself.
	err := svc.ReserveAll(context.Background(), client.DB(), []Item{
		{ProductID: first.ID, Qty: 2},
		{ProductID: second.ID, Qty: 3},
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInsufficientStock))
	assert.Equal(t, 4, dbtest.Stock(t, client, first.ID))
	assert.Equal(t, 1, dbtest.Stock(t, client, second.ID))
}

func TestReleaseRestoresStock(t *testing.T) {
	client := dbtest.Open(t)
	product := dbtest.SeedProduct(t, client, dbtest.ProductFixture{PriceCents: 1000, Stock: 3})
	svc := NewService()
	ctx := context.Background()

	require.NoError(t, svc.Reserve(ctx, client.DB(), product.ID, 3))
	require.NoError(t, svc.Release(ctx, client.DB(), product.ID, 3))
	assert.Equal(t, 3, dbtest.Stock(t, client, product.ID))
}

func TestReleaseMissingLedgerIsInvariantViolation(t *testing.T) {
	client := dbtest.Open(t)
	err := NewService().Release(context.Background(), client.DB(), uuid.New(), 1)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeInvariantViolation))
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	client := dbtest.Open(t)
	product := dbtest.SeedProduct(t, client, dbtest.ProductFixture{PriceCents: 1000, Stock: 10})
	svc := NewService()

	var reserved atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
				return svc.Reserve(context.Background(), tx, product.ID, 1)
			})
			if err == nil {
				reserved.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), reserved.Load())
	assert.Equal(t, 0, dbtest.Stock(t, client, product.ID))
}
