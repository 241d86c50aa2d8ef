package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

// Item is a product quantity held or returned as one unit of work.
type Item struct {
	ProductID uuid.UUID
	Qty       int
}

// Service performs atomic stock reservations against stock_ledgers.
// All methods run on the caller's transaction so stock effects commit or
// roll back together with the order rows they belong to.
type Service interface {
	Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
	Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error
	ReserveAll(ctx context.Context, tx *gorm.DB, items []Item) error
	ReleaseAll(ctx context.Context, tx *gorm.DB, items []Item) error
}

type service struct{}

// NewService returns the storage-backed reservation service.
func NewService() Service {
	return service{}
}

// Reserve decrements stock only when enough is available. A miss leaves the
// row untouched and reports INSUFFICIENT_STOCK.
func (service) Reserve(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock reservation")
	}

	res := tx.WithContext(ctx).Exec(`
		UPDATE stock_ledgers
		SET stock = stock - ?,
			version = version + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE product_id = ? AND stock >= ?
	`, qty, productID, qty)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "reserve stock")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeInsufficientStock, "insufficient stock").
			WithDetails(map[string]any{"product_id": productID.String(), "requested": qty})
	}
	return nil
}

// Release is a plain increment. Callers guard against releasing the same
// reservation twice.
func (service) Release(ctx context.Context, tx *gorm.DB, productID uuid.UUID, qty int) error {
	if qty <= 0 {
		return nil
	}
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock release")
	}

	res := tx.WithContext(ctx).Exec(`
		UPDATE stock_ledgers
		SET stock = stock + ?,
			version = version + 1,
			updated_at = CURRENT_TIMESTAMP
		WHERE product_id = ?
	`, qty, productID)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "release stock")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeInvariantViolation, fmt.Sprintf("stock ledger missing for product %s", productID))
	}
	return nil
}

// ReserveAll reserves every item in order. When one fails, reservations
// already taken in this call are released before the failure is returned so
// the transaction is left with no net stock effect.
func (s service) ReserveAll(ctx context.Context, tx *gorm.DB, items []Item) error {
	taken := make([]Item, 0, len(items))
	for _, item := range items {
		if err := s.Reserve(ctx, tx, item.ProductID, item.Qty); err != nil {
			if relErr := s.ReleaseAll(ctx, tx, taken); relErr != nil {
				return relErr
			}
			return err
		}
		taken = append(taken, item)
	}
	return nil
}

func (s service) ReleaseAll(ctx context.Context, tx *gorm.DB, items []Item) error {
	for _, item := range items {
		if err := s.Release(ctx, tx, item.ProductID, item.Qty); err != nil {
			return err
		}
	}
	return nil
}
