package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderLineItem captures the snapshot of each item within an order.
type OrderLineItem struct {
	ID                    uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	OrderID               uuid.UUID       `gorm:"column:order_id;type:uuid;not null;index"`
	ProductID             uuid.UUID       `gorm:"column:product_id;type:uuid;not null"`
	CategoryID            uuid.UUID       `gorm:"column:category_id;type:uuid;not null"`
	Title                 string          `gorm:"column:title;not null"`
	UnitPriceCents        int64           `gorm:"column:unit_price_cents;not null"`
	Quantity              int             `gorm:"column:quantity;not null"`
	LineTotalCents        int64           `gorm:"column:line_total_cents;not null"`
	CommissionRatePercent decimal.Decimal `gorm:"column:commission_rate_percent;type:numeric(5,2);not null"`
	CommissionCents       int64           `gorm:"column:commission_cents;not null"`
	CreatedAt             time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (l *OrderLineItem) BeforeCreate(*gorm.DB) error {
	ensureID(&l.ID)
	return nil
}
