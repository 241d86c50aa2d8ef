package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// CommissionRate is a platform, category, or vendor commission override.
type CommissionRate struct {
	ID          uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	Scope       enums.CommissionScope `gorm:"column:scope;type:text;not null"`
	CategoryID  *uuid.UUID            `gorm:"column:category_id;type:uuid"`
	VendorID    *uuid.UUID            `gorm:"column:vendor_id;type:uuid"`
	RatePercent decimal.Decimal       `gorm:"column:rate_percent;type:numeric(5,2);not null"`
	CreatedAt   time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (c *CommissionRate) BeforeCreate(*gorm.DB) error {
	ensureID(&c.ID)
	return nil
}
