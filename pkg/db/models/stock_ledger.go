package models

import (
	"time"

	"github.com/google/uuid"
)

// StockLedger holds the sellable stock counter for a product.
type StockLedger struct {
	ProductID uuid.UUID `gorm:"column:product_id;type:uuid;primaryKey"`
	Stock     int       `gorm:"column:stock;not null"`
	Version   int64     `gorm:"column:version;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
