// Package ledger is the storage layer for orders and payment attempts. Every
// status change goes through a compare-and-swap so concurrent writers (buyer
// cancel, provider callback, timeout sweep) resolve deterministically.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

// Repository manages orders, line items and payment attempts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository

	CreateOrder(ctx context.Context, order *models.Order) error
	FindOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	TransitionPayment(ctx context.Context, orderID uuid.UUID, from []enums.PaymentStatus, to enums.PaymentStatus, extra map[string]any) (bool, error)
	TransitionOrder(ctx context.Context, orderID uuid.UUID, from []enums.OrderStatus, to enums.OrderStatus, extra map[string]any) (bool, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, at time.Time) (bool, error)
	ClaimStockRelease(ctx context.Context, orderID uuid.UUID) (bool, error)
	MarkStockReserved(ctx context.Context, orderID uuid.UUID) (bool, error)
	NextAttemptSeq(ctx context.Context, orderID uuid.UUID) (int, error)
	ListPendingOrdersBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
	ListStuckProcessingOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)

	CreateAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	FindAttempt(ctx context.Context, id uuid.UUID) (*models.PaymentAttempt, error)
	FindAttemptByRef(ctx context.Context, provider enums.PaymentProvider, ref string) (*models.PaymentAttempt, error)
	FindOpenAttempt(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error)
	LatestAttempt(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error)
	ResolveAttempt(ctx context.Context, attemptID uuid.UUID, to enums.PaymentStatus, reason *string, at time.Time) (bool, error)
	ListStaleAttempts(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentAttempt, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateOrder(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("LineItems", func(db *gorm.DB) *gorm.DB { return db.Order("created_at ASC, id ASC") }).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, notFound(err, "order not found")
	}
	return &order, nil
}

// LockOrder reads the order with SELECT ... FOR UPDATE. It must run inside a
// transaction; the lock is held until commit.
func (r *repository) LockOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, notFound(err, "order not found")
	}
	var items []models.OrderLineItem
	if err := r.db.WithContext(ctx).Where("order_id = ?", id).Order("created_at ASC, id ASC").Find(&items).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load line items")
	}
	order.LineItems = items
	return &order, nil
}

func (r *repository) TransitionPayment(ctx context.Context, orderID uuid.UUID, from []enums.PaymentStatus, to enums.PaymentStatus, extra map[string]any) (bool, error) {
	updates := map[string]any{"payment_status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND payment_status IN ?", orderID, from).
		Updates(updates)
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update order payment status")
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) TransitionOrder(ctx context.Context, orderID uuid.UUID, from []enums.OrderStatus, to enums.OrderStatus, extra map[string]any) (bool, error) {
	updates := map[string]any{"order_status": to}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND order_status IN ?", orderID, from).
		Updates(updates)
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update order status")
	}
	return res.RowsAffected == 1, nil
}

// CancelOrder is the buyer/expiry cancel CAS. It loses against a completed
// payment because both predicates are checked in one statement.
func (r *repository) CancelOrder(ctx context.Context, orderID uuid.UUID, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND order_status IN ? AND payment_status NOT IN ?",
			orderID,
			[]enums.OrderStatus{enums.OrderStatusPending, enums.OrderStatusProcessing},
			[]enums.PaymentStatus{enums.PaymentStatusCompleted, enums.PaymentStatusRefunded},
		).
		Updates(map[string]any{"order_status": enums.OrderStatusCancelled, "cancelled_at": at})
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "cancel order")
	}
	return res.RowsAffected == 1, nil
}

// ClaimStockRelease flips stock_reserved to false. Only the caller that wins
// the flip may return stock.
func (r *repository) ClaimStockRelease(ctx context.Context, orderID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND stock_reserved = ?", orderID, true).
		Update("stock_reserved", false)
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "claim stock release")
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) MarkStockReserved(ctx context.Context, orderID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND stock_reserved = ?", orderID, false).
		Update("stock_reserved", true)
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "mark stock reserved")
	}
	return res.RowsAffected == 1, nil
}

// NextAttemptSeq increments and returns the order's attempt counter.
func (r *repository) NextAttemptSeq(ctx context.Context, orderID uuid.UUID) (int, error) {
	res := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Update("payment_attempt_seq", gorm.Expr("payment_attempt_seq + 1"))
	if res.Error != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "bump attempt sequence")
	}
	if res.RowsAffected == 0 {
		return 0, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	var seq int
	if err := r.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Pluck("payment_attempt_seq", &seq).Error; err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read attempt sequence")
	}
	return seq, nil
}

func (r *repository) ListPendingOrdersBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := r.db.WithContext(ctx).
		Where("order_status = ? AND payment_status IN ? AND created_at < ?",
			enums.OrderStatusPending,
			[]enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusFailed},
			cutoff,
		).
		Order("created_at ASC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending orders")
	}
	return orders, nil
}

// ListStuckProcessingOrders finds orders left in payment processing with no
// open attempt, which happens when a worker dies between initiation steps.
func (r *repository) ListStuckProcessingOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	open := r.db.Model(&models.PaymentAttempt{}).
		Select("1").
		Where("payment_attempts.order_id = orders.id AND payment_attempts.status IN ?", enums.OpenPaymentStatuses)
	err := r.db.WithContext(ctx).
		Where("payment_status = ? AND updated_at < ?", enums.PaymentStatusProcessing, cutoff).
		Where("NOT EXISTS (?)", open).
		Order("updated_at ASC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stuck orders")
	}
	return orders, nil
}

func (r *repository) CreateAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	if err := r.db.WithContext(ctx).Create(attempt).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment attempt")
	}
	return nil
}

func (r *repository) FindAttempt(ctx context.Context, id uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&attempt).Error; err != nil {
		return nil, notFound(err, "payment attempt not found")
	}
	return &attempt, nil
}

func (r *repository) FindAttemptByRef(ctx context.Context, provider enums.PaymentProvider, ref string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("provider = ? AND provider_transaction_ref = ?", provider, ref).
		First(&attempt).Error
	if err != nil {
		return nil, notFound(err, "payment attempt not found")
	}
	return &attempt, nil
}

func (r *repository) FindOpenAttempt(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status IN ?", orderID, enums.OpenPaymentStatuses).
		First(&attempt).Error
	if err != nil {
		return nil, notFound(err, "no open payment attempt")
	}
	return &attempt, nil
}

func (r *repository) LatestAttempt(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		First(&attempt).Error
	if err != nil {
		return nil, notFound(err, "no payment attempt")
	}
	return &attempt, nil
}

// ResolveAttempt moves an open attempt to a terminal status. It reports false
// when another writer resolved it first.
func (r *repository) ResolveAttempt(ctx context.Context, attemptID uuid.UUID, to enums.PaymentStatus, reason *string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.PaymentAttempt{}).
		Where("id = ? AND status IN ?", attemptID, enums.OpenPaymentStatuses).
		Updates(map[string]any{"status": to, "failure_reason": reason, "resolved_at": at})
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "resolve payment attempt")
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListStaleAttempts(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", enums.OpenPaymentStatuses, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list stale attempts")
	}
	return attempts, nil
}

func notFound(err error, msg string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, err, msg)
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}

// IsNotFound reports whether err is a ledger lookup miss.
func IsNotFound(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeNotFound)
}
