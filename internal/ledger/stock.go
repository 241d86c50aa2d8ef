package ledger

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/inventory"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
)

// ReleaseReservation returns the order's stock exactly once. The
// stock_reserved flip and the increments commit in the same transaction.
func ReleaseReservation(ctx context.Context, tx *gorm.DB, repo Repository, inv inventory.Service, order *models.Order) (bool, error) {
	claimed, err := repo.WithTx(tx).ClaimStockRelease(ctx, order.ID)
	if err != nil || !claimed {
		return false, err
	}
	if err := inv.ReleaseAll(ctx, tx, Items(order)); err != nil {
		return false, err
	}
	order.StockReserved = false
	return true, nil
}

// Reacquire reserves the order's stock again after a failed payment released
// it. Reports false when the order still holds its reservation.
func Reacquire(ctx context.Context, tx *gorm.DB, repo Repository, inv inventory.Service, order *models.Order) (bool, error) {
	marked, err := repo.WithTx(tx).MarkStockReserved(ctx, order.ID)
	if err != nil || !marked {
		return false, err
	}
	if err := inv.ReserveAll(ctx, tx, Items(order)); err != nil {
		return false, err
	}
	order.StockReserved = true
	return true, nil
}

// Items converts line items to reservation units.
func Items(order *models.Order) []inventory.Item {
	items := make([]inventory.Item, 0, len(order.LineItems))
	for _, line := range order.LineItems {
		items = append(items, inventory.Item{ProductID: line.ProductID, Qty: line.Quantity})
	}
	return items
}
