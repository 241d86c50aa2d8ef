// Package orders owns the order lifecycle: checkout, payment initiation and
// the buyer, vendor and admin status transitions.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/commission"
	"github.com/angelmondragon/marketplace-backend/internal/inventory"
	"github.com/angelmondragon/marketplace-backend/internal/ledger"
	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/internal/reconciliation"
	"github.com/angelmondragon/marketplace-backend/pkg/config"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
	"github.com/angelmondragon/marketplace-backend/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type productReader interface {
	FindByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Product, error)
}

type rateReader interface {
	Snapshot(ctx context.Context, vendorID uuid.UUID, categoryIDs []uuid.UUID) (commission.RateSnapshot, error)
}

type notifier interface {
	NotifyOrder(ctx context.Context, tx *gorm.DB, kind enums.NotificationKind, order *models.Order, reason string) error
}

type settler interface {
	SettleLocked(ctx context.Context, tx *gorm.DB, order *models.Order, attempt *models.PaymentAttempt, outcome reconciliation.Outcome) (bool, error)
	ApplyStatus(ctx context.Context, provider enums.PaymentProvider, status payments.ProviderStatus) (reconciliation.Ack, error)
	MismatchedAmount(expected, received int64) bool
}

// Service defines the order lifecycle operations.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error)
	GetOrder(ctx context.Context, orderID uuid.UUID, actor Actor) (*models.Order, error)
	InitiatePayment(ctx context.Context, input InitiatePaymentInput) (*PaymentResult, error)
	ConfirmPayment(ctx context.Context, orderID, buyerID uuid.UUID) (*PaymentStatusView, error)
	GetPaymentStatus(ctx context.Context, orderID uuid.UUID, actor Actor) (*PaymentStatusView, error)
	Cancel(ctx context.Context, orderID uuid.UUID, actor Actor) (*models.Order, error)
	Ship(ctx context.Context, orderID, vendorID uuid.UUID) (*models.Order, error)
	Deliver(ctx context.Context, orderID, vendorID uuid.UUID) (*models.Order, error)
	MarkRefunded(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	ExpireAbandoned(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// ServiceParams wires the order service.
type ServiceParams struct {
	DB        txRunner
	Ledger    ledger.Repository
	Catalog   productReader
	Rates     rateReader
	Inventory inventory.Service
	Notifier  notifier
	Engine    settler
	Registry  *payments.Registry
	Retry     payments.RetryPolicy
	Pricing   config.PricingConfig
	Logger    *logger.Logger
	Metrics   *metrics.PaymentMetrics
}

type service struct {
	db        txRunner
	ledger    ledger.Repository
	catalog   productReader
	rates     rateReader
	inventory inventory.Service
	notifier  notifier
	engine    settler
	registry  *payments.Registry
	retry     payments.RetryPolicy
	pricing   config.PricingConfig
	logg      *logger.Logger
	metrics   *metrics.PaymentMetrics
	now       func() time.Time
}

// NewService builds the order service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("product catalog required")
	}
	if params.Rates == nil {
		return nil, fmt.Errorf("commission rates required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("inventory service required")
	}
	if params.Notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	if params.Engine == nil {
		return nil, fmt.Errorf("reconciliation engine required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("provider registry required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		db:        params.DB,
		ledger:    params.Ledger,
		catalog:   params.Catalog,
		rates:     params.Rates,
		inventory: params.Inventory,
		notifier:  params.Notifier,
		engine:    params.Engine,
		registry:  params.Registry,
		retry:     params.Retry,
		pricing:   params.Pricing,
		logg:      params.Logger,
		metrics:   params.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// rateSnapshotRecord is persisted in orders.commission_rate_snapshot.
type rateSnapshotRecord struct {
	Default string            `json:"default"`
	Lines   map[string]string `json:"lines"`
}

func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	if input.BuyerID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "buyer identity missing")
	}
	if _, err := s.registry.Provider(input.PaymentMethod); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.DeliveryAddress.Line1) == "" || strings.TrimSpace(input.DeliveryAddress.City) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "delivery address requires line1 and city")
	}
	items, err := mergeItems(input.Items)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := s.catalog.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	var vendorID uuid.UUID
	var currency string
	categoryIDs := make([]uuid.UUID, 0, len(items))
	lines := make([]commission.Line, 0, len(items))
	for _, item := range items {
		product, ok := products[item.ProductID]
		if !ok || !product.Purchasable() {
			return nil, pkgerrors.New(pkgerrors.CodeProductUnavailable, "product is not available").
				WithDetails(map[string]any{"product_id": item.ProductID.String()})
		}
		if product.PriceCents != item.UnitPriceCents {
			return nil, pkgerrors.New(pkgerrors.CodePriceChanged, "product price has changed").
				WithDetails(map[string]any{
					"product_id":       item.ProductID.String(),
					"unit_price_cents": product.PriceCents,
					"submitted_cents":  item.UnitPriceCents,
				})
		}
		switch {
		case vendorID == uuid.Nil:
			vendorID = product.VendorID
			currency = product.Currency
		case vendorID != product.VendorID:
			return nil, pkgerrors.New(pkgerrors.CodeMultiVendorCart, "all items must come from one vendor")
		case !strings.EqualFold(currency, product.Currency):
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "all items must share one currency")
		}
		categoryIDs = append(categoryIDs, product.CategoryID)
		lines = append(lines, commission.Line{
			ProductID:      product.ID,
			VendorID:       product.VendorID,
			CategoryID:     product.CategoryID,
			UnitPriceCents: product.PriceCents,
			Quantity:       item.Quantity,
		})
	}

	rates, err := s.rates.Snapshot(ctx, vendorID, categoryIDs)
	if err != nil {
		return nil, err
	}
	order, err := s.buildOrder(input, vendorID, strings.ToUpper(currency), products, lines, rates)
	if err != nil {
		return nil, err
	}

	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.inventory.ReserveAll(ctx, tx, ledger.Items(order)); err != nil {
			return err
		}
		if err := s.ledger.WithTx(tx).CreateOrder(ctx, order); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create order")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithFields(s.logg.WithOrderID(ctx, order.ID.String()), map[string]any{
		"vendor_id":   order.VendorID.String(),
		"total_cents": order.TotalCents,
		"lines":       len(order.LineItems),
	})
	s.logg.Info(logCtx, "order created")
	return order, nil
}

func (s *service) buildOrder(input CreateOrderInput, vendorID uuid.UUID, currency string, products map[uuid.UUID]models.Product, lines []commission.Line, rates commission.RateSnapshot) (*models.Order, error) {
	breakdown := commission.Compute(lines, rates)

	snapshot := rateSnapshotRecord{Default: rates.Default.String(), Lines: make(map[string]string, len(lines))}
	items := make([]models.OrderLineItem, 0, len(lines))
	var subtotal int64
	for i, line := range lines {
		lc := breakdown.Lines[i]
		snapshot.Lines[line.ProductID.String()] = lc.RatePercent.String()
		items = append(items, models.OrderLineItem{
			ProductID:             line.ProductID,
			CategoryID:            line.CategoryID,
			Title:                 products[line.ProductID].Title,
			UnitPriceCents:        line.UnitPriceCents,
			Quantity:              line.Quantity,
			LineTotalCents:        lc.GrossCents,
			CommissionRatePercent: lc.RatePercent,
			CommissionCents:       lc.CommissionCents,
		})
		subtotal += lc.GrossCents
	}

	rawSnapshot, err := json.Marshal(snapshot)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode commission snapshot")
	}
	rawAddress, err := json.Marshal(input.DeliveryAddress)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode delivery address")
	}

	totals := ComputeTotals(subtotal, s.pricing)
	order := &models.Order{
		ID:                     uuid.New(),
		BuyerID:                input.BuyerID,
		VendorID:               vendorID,
		Currency:               currency,
		SubtotalCents:          totals.SubtotalCents,
		ShippingCents:          totals.ShippingCents,
		TaxCents:               totals.TaxCents,
		DiscountCents:          totals.DiscountCents,
		TotalCents:             totals.TotalCents,
		CommissionCents:        breakdown.TotalCents,
		VendorCents:            totals.TotalCents - breakdown.TotalCents,
		CommissionRateSnapshot: rawSnapshot,
		PaymentMethod:          input.PaymentMethod,
		PaymentStatus:          enums.PaymentStatusPending,
		OrderStatus:            enums.OrderStatusPending,
		StockReserved:          true,
		DeliveryAddress:        rawAddress,
		LineItems:              items,
	}
	if err := CheckInvariants(order); err != nil {
		return nil, err
	}
	return order, nil
}

// mergeItems folds duplicate product lines into one, keeping first-seen order.
func mergeItems(items []CartItem) ([]CartItem, error) {
	if len(items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cart is empty")
	}
	index := make(map[uuid.UUID]int, len(items))
	merged := make([]CartItem, 0, len(items))
	for _, item := range items {
		if item.ProductID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "product id required")
		}
		if item.Quantity <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive").
				WithDetails(map[string]any{"product_id": item.ProductID.String()})
		}
		if i, ok := index[item.ProductID]; ok {
			if merged[i].UnitPriceCents != item.UnitPriceCents {
				return nil, pkgerrors.New(pkgerrors.CodeValidation, "duplicate lines disagree on price").
					WithDetails(map[string]any{"product_id": item.ProductID.String()})
			}
			merged[i].Quantity += item.Quantity
			continue
		}
		index[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged, nil
}

func (s *service) GetOrder(ctx context.Context, orderID uuid.UUID, actor Actor) (*models.Order, error) {
	order, err := s.ledger.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRead(order, actor); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *service) GetPaymentStatus(ctx context.Context, orderID uuid.UUID, actor Actor) (*PaymentStatusView, error) {
	order, err := s.GetOrder(ctx, orderID, actor)
	if err != nil {
		return nil, err
	}
	return s.statusView(ctx, order)
}

func (s *service) statusView(ctx context.Context, order *models.Order) (*PaymentStatusView, error) {
	view := &PaymentStatusView{
		OrderID:              order.ID,
		PaymentStatus:        order.PaymentStatus,
		OrderStatus:          order.OrderStatus,
		PaymentFailureReason: order.PaymentFailureReason,
		TotalCents:           order.TotalCents,
		Currency:             order.Currency,
	}
	attempt, err := s.ledger.LatestAttempt(ctx, order.ID)
	switch {
	case err == nil:
		view.LatestAttempt = attemptView(attempt)
	case !ledger.IsNotFound(err):
		return nil, err
	}
	return view, nil
}

// Cancel is the buyer cancel. It loses against a completed payment.
func (s *service) Cancel(ctx context.Context, orderID uuid.UUID, actor Actor) (*models.Order, error) {
	var order *models.Order
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ledger.WithTx(tx)
		locked, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if actor.Role != enums.ActorRoleAdmin && locked.BuyerID != actor.UserID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another buyer")
		}
		order, err = s.cancelLocked(ctx, tx, locked, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "order cancelled")
	return order, nil
}

func (s *service) cancelLocked(ctx context.Context, tx *gorm.DB, order *models.Order, reason string) (*models.Order, error) {
	repo := s.ledger.WithTx(tx)
	now := s.now()
	ok, err := repo.CancelOrder(ctx, order.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order can no longer be cancelled").
			WithDetails(map[string]any{"order_status": string(order.OrderStatus), "payment_status": string(order.PaymentStatus)})
	}
	order.OrderStatus = enums.OrderStatusCancelled
	order.CancelledAt = &now
	if err := s.voidOpenAttempt(ctx, repo, order, now); err != nil {
		return nil, err
	}
	if _, err := ledger.ReleaseReservation(ctx, tx, s.ledger, s.inventory, order); err != nil {
		return nil, err
	}
	if err := s.notifier.NotifyOrder(ctx, tx, enums.NotificationOrderCancelled, order, reason); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue cancellation notice")
	}
	return order, nil
}

// voidOpenAttempt fails the attempt still waiting on the provider so its
// callback finds it resolved. The order's payment status follows.
func (s *service) voidOpenAttempt(ctx context.Context, repo ledger.Repository, order *models.Order, at time.Time) error {
	attempt, err := repo.FindOpenAttempt(ctx, order.ID)
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil
		}
		return err
	}
	reason := string(enums.FailureReasonOrderCancelled)
	ok, err := repo.ResolveAttempt(ctx, attempt.ID, enums.PaymentStatusFailed, &reason, at)
	if err != nil || !ok {
		return err
	}
	moved, err := repo.TransitionPayment(ctx, order.ID,
		[]enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusProcessing},
		enums.PaymentStatusFailed, map[string]any{"payment_failure_reason": reason})
	if err != nil {
		return err
	}
	if moved {
		order.PaymentStatus = enums.PaymentStatusFailed
		order.PaymentFailureReason = &reason
	}
	return nil
}

func (s *service) Ship(ctx context.Context, orderID, vendorID uuid.UUID) (*models.Order, error) {
	return s.vendorTransition(ctx, orderID, vendorID, enums.OrderStatusProcessing, enums.OrderStatusShipped, "shipped_at", enums.NotificationOrderShipped)
}

func (s *service) Deliver(ctx context.Context, orderID, vendorID uuid.UUID) (*models.Order, error) {
	return s.vendorTransition(ctx, orderID, vendorID, enums.OrderStatusShipped, enums.OrderStatusDelivered, "delivered_at", enums.NotificationOrderDelivered)
}

func (s *service) vendorTransition(ctx context.Context, orderID, vendorID uuid.UUID, from, to enums.OrderStatus, stampColumn string, kind enums.NotificationKind) (*models.Order, error) {
	var order *models.Order
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ledger.WithTx(tx)
		locked, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if locked.VendorID != vendorID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another vendor")
		}
		if locked.PaymentStatus != enums.PaymentStatusCompleted {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order is not paid")
		}
		now := s.now()
		ok, err := repo.TransitionOrder(ctx, orderID, []enums.OrderStatus{from}, to, map[string]any{stampColumn: now})
		if err != nil {
			return err
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, fmt.Sprintf("order must be %s", from)).
				WithDetails(map[string]any{"order_status": string(locked.OrderStatus)})
		}
		locked.OrderStatus = to
		if to == enums.OrderStatusShipped {
			locked.ShippedAt = &now
		} else {
			locked.DeliveredAt = &now
		}
		order = locked
		return s.notifier.NotifyOrder(ctx, tx, kind, locked, "")
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithField(s.logg.WithOrderID(ctx, orderID.String()), "order_status", string(to)), "order status changed")
	return order, nil
}

// MarkRefunded records a refund processed outside the marketplace.
func (s *service) MarkRefunded(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order *models.Order
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ledger.WithTx(tx)
		locked, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		ok, err := repo.TransitionPayment(ctx, orderID, []enums.PaymentStatus{enums.PaymentStatusCompleted}, enums.PaymentStatusRefunded, nil)
		if err != nil {
			return err
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "only completed payments can be refunded").
				WithDetails(map[string]any{"payment_status": string(locked.PaymentStatus)})
		}
		locked.PaymentStatus = enums.PaymentStatusRefunded
		order = locked
		return s.notifier.NotifyOrder(ctx, tx, enums.NotificationPaymentRefunded, locked, "")
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithOrderID(ctx, orderID.String()), "payment marked refunded")
	return order, nil
}

// ExpireAbandoned cancels unpaid orders older than olderThan and returns
// their stock.
func (s *service) ExpireAbandoned(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	stale, err := s.ledger.ListPendingOrdersBefore(ctx, s.now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, candidate := range stale {
		err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
			locked, err := s.ledger.WithTx(tx).LockOrder(ctx, candidate.ID)
			if err != nil {
				return err
			}
			_, err = s.cancelLocked(ctx, tx, locked, "expired")
			return err
		})
		if pkgerrors.IsCode(err, pkgerrors.CodeStateConflict) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
		s.logg.Info(s.logg.WithOrderID(ctx, candidate.ID.String()), "abandoned order expired")
	}
	return expired, nil
}

func authorizeRead(order *models.Order, actor Actor) error {
	switch actor.Role {
	case enums.ActorRoleAdmin:
		return nil
	case enums.ActorRoleVendor:
		if order.VendorID == actor.UserID {
			return nil
		}
	default:
		if order.BuyerID == actor.UserID {
			return nil
		}
	}
	return pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another account")
}
