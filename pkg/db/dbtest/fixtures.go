package dbtest

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/db"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// ProductFixture describes a purchasable listing with a stock counter.
type ProductFixture struct {
	VendorID   uuid.UUID
	CategoryID uuid.UUID
	Title      string
	PriceCents int64
	Stock      int
	Hidden     bool
}

// SeedProduct inserts the product and its stock ledger row.
func SeedProduct(t testing.TB, client *db.Client, fx ProductFixture) models.Product {
	t.Helper()

	if fx.VendorID == uuid.Nil {
		fx.VendorID = uuid.New()
	}
	if fx.CategoryID == uuid.Nil {
		fx.CategoryID = uuid.New()
	}
	if fx.Title == "" {
		fx.Title = "Test product"
	}
	product := models.Product{
		VendorID:   fx.VendorID,
		CategoryID: fx.CategoryID,
		Title:      fx.Title,
		PriceCents: fx.PriceCents,
		Currency:   "KES",
		Published:  !fx.Hidden,
		Approved:   true,
	}
	if err := client.DB().Create(&product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if err := client.DB().Create(&models.StockLedger{ProductID: product.ID, Stock: fx.Stock}).Error; err != nil {
		t.Fatalf("seed stock: %v", err)
	}
	return product
}

// Stock reads the current stock counter for a product.
func Stock(t testing.TB, client *db.Client, productID uuid.UUID) int {
	t.Helper()
	var row models.StockLedger
	if err := client.DB().Where("product_id = ?", productID).Take(&row).Error; err != nil {
		t.Fatalf("read stock: %v", err)
	}
	return row.Stock
}

// OrderFixture describes an order whose stock is already reserved.
type OrderFixture struct {
	Product         models.Product
	Quantity        int
	Method          enums.PaymentProvider
	ShippingCents   int64
	// CommissionCents defaults to ten percent of the line total.
	CommissionCents int64
}

// SeedOrder inserts a single-line order and decrements the product's stock
// as a reservation would.
func SeedOrder(t testing.TB, client *db.Client, fx OrderFixture) models.Order {
	t.Helper()

	if fx.Quantity == 0 {
		fx.Quantity = 1
	}
	if fx.Method == "" {
		fx.Method = enums.PaymentProviderMPesa
	}
	lineTotal := fx.Product.PriceCents * int64(fx.Quantity)
	if fx.CommissionCents == 0 {
		fx.CommissionCents = lineTotal / 10
	}
	total := lineTotal + fx.ShippingCents
	order := models.Order{
		BuyerID:                uuid.New(),
		VendorID:               fx.Product.VendorID,
		Currency:               "KES",
		SubtotalCents:          lineTotal,
		ShippingCents:          fx.ShippingCents,
		TotalCents:             total,
		CommissionCents:        fx.CommissionCents,
		VendorCents:            total - fx.CommissionCents,
		CommissionRateSnapshot: json.RawMessage(`{}`),
		PaymentMethod:          fx.Method,
		PaymentStatus:          enums.PaymentStatusPending,
		OrderStatus:            enums.OrderStatusPending,
		StockReserved:          true,
		DeliveryAddress:        json.RawMessage(`{"line1":"1 Test Lane","city":"Nairobi"}`),
		LineItems: []models.OrderLineItem{{
			ProductID:             fx.Product.ID,
			CategoryID:            fx.Product.CategoryID,
			Title:                 fx.Product.Title,
			UnitPriceCents:        fx.Product.PriceCents,
			Quantity:              fx.Quantity,
			LineTotalCents:        lineTotal,
			CommissionRatePercent: decimal.NewFromInt(10),
			CommissionCents:       fx.CommissionCents,
		}},
	}
	if err := client.DB().Create(&order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	res := client.DB().Model(&models.StockLedger{}).
		Where("product_id = ?", fx.Product.ID).
		Update("stock", gorm.Expr("stock - ?", fx.Quantity))
	if res.Error != nil {
		t.Fatalf("reserve seeded stock: %v", res.Error)
	}
	return order
}

// SeedAttempt inserts an open payment attempt for the order.
func SeedAttempt(t testing.TB, client *db.Client, order models.Order, ref string) models.PaymentAttempt {
	t.Helper()

	attempt := models.PaymentAttempt{
		OrderID:                order.ID,
		Provider:               order.PaymentMethod,
		ProviderTransactionRef: ref,
		AmountCents:            order.TotalCents,
		Currency:               order.Currency,
		Status:                 enums.PaymentStatusProcessing,
	}
	if err := client.DB().Create(&attempt).Error; err != nil {
		t.Fatalf("seed attempt: %v", err)
	}
	if err := client.DB().Model(&models.Order{}).Where("id = ?", order.ID).
		Updates(map[string]any{"payment_status": enums.PaymentStatusProcessing, "payment_attempt_seq": gorm.Expr("payment_attempt_seq + 1")}).Error; err != nil {
		t.Fatalf("mark order processing: %v", err)
	}
	return attempt
}

// Reload reads the order row back.
func Reload(t testing.TB, client *db.Client, id uuid.UUID) models.Order {
	t.Helper()
	var order models.Order
	if err := client.DB().Preload("LineItems").Where("id = ?", id).Take(&order).Error; err != nil {
		t.Fatalf("reload order: %v", err)
	}
	return order
}
