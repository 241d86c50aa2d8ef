package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// PayoutLedgerEntry records a vendor's earnings from one completed order.
type PayoutLedgerEntry struct {
	ID              uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	VendorID        uuid.UUID          `gorm:"column:vendor_id;type:uuid;not null;index"`
	OrderID         uuid.UUID          `gorm:"column:order_id;type:uuid;not null;uniqueIndex:ux_payout_ledger_entries_order"`
	GrossCents      int64              `gorm:"column:gross_cents;not null"`
	CommissionCents int64              `gorm:"column:commission_cents;not null"`
	NetCents        int64              `gorm:"column:net_cents;not null"`
	Status          enums.PayoutStatus `gorm:"column:status;type:text;not null;default:'pending'"`
	TransactionRef  *string            `gorm:"column:transaction_ref"`
	ApprovedAt      *time.Time         `gorm:"column:approved_at"`
	PaidAt          *time.Time         `gorm:"column:paid_at"`
	CreatedAt       time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (p *PayoutLedgerEntry) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}
