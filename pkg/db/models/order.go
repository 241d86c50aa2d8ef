package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// Order is a buyer's purchase from a single vendor with frozen price and commission snapshots.
type Order struct {
	ID                     uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	BuyerID                uuid.UUID             `gorm:"column:buyer_id;type:uuid;not null;index"`
	VendorID               uuid.UUID             `gorm:"column:vendor_id;type:uuid;not null;index"`
	Currency               string                `gorm:"column:currency;not null"`
	SubtotalCents          int64                 `gorm:"column:subtotal_cents;not null"`
	ShippingCents          int64                 `gorm:"column:shipping_cents;not null;default:0"`
	TaxCents               int64                 `gorm:"column:tax_cents;not null;default:0"`
	DiscountCents          int64                 `gorm:"column:discount_cents;not null;default:0"`
	TotalCents             int64                 `gorm:"column:total_cents;not null"`
	CommissionCents        int64                 `gorm:"column:commission_cents;not null"`
	VendorCents            int64                 `gorm:"column:vendor_cents;not null"`
	// CommissionRateSnapshot maps line product ids to the rate applied at creation.
	CommissionRateSnapshot json.RawMessage       `gorm:"column:commission_rate_snapshot;type:jsonb;not null"`
	PaymentMethod          enums.PaymentProvider `gorm:"column:payment_method;type:text;not null"`
	PaymentStatus          enums.PaymentStatus   `gorm:"column:payment_status;type:text;not null;default:'pending'"`
	OrderStatus            enums.OrderStatus     `gorm:"column:order_status;type:text;not null;default:'pending'"`
	PaymentFailureReason   *string               `gorm:"column:payment_failure_reason"`
	StockReserved          bool                  `gorm:"column:stock_reserved;not null;default:false"`
	PaymentAttemptSeq      int                   `gorm:"column:payment_attempt_seq;not null;default:0"`
	DeliveryAddress        json.RawMessage       `gorm:"column:delivery_address;type:jsonb;not null"`
	CancelledAt            *time.Time            `gorm:"column:cancelled_at"`
	ShippedAt              *time.Time            `gorm:"column:shipped_at"`
	DeliveredAt            *time.Time            `gorm:"column:delivered_at"`
	LineItems              []OrderLineItem       `gorm:"foreignKey:OrderID"`
	CreatedAt              time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	ensureID(&o.ID)
	return nil
}
