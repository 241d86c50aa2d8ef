package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// OpenAttemptIndexSQL enforces at most one non-terminal attempt per order.
// AutoMigrate cannot express partial indexes so callers apply it afterwards.
const OpenAttemptIndexSQL = `CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_attempts_open_per_order
ON payment_attempts (order_id) WHERE status IN ('pending', 'processing')`

// PaymentAttempt is one initiation against an external provider for an order.
type PaymentAttempt struct {
	ID                     uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	OrderID                uuid.UUID             `gorm:"column:order_id;type:uuid;not null;index"`
	Provider               enums.PaymentProvider `gorm:"column:provider;type:text;not null;uniqueIndex:ux_payment_attempts_provider_ref,priority:1"`
	ProviderTransactionRef string                `gorm:"column:provider_transaction_ref;not null;uniqueIndex:ux_payment_attempts_provider_ref,priority:2"`
	AmountCents            int64                 `gorm:"column:amount_cents;not null"`
	Currency               string                `gorm:"column:currency;not null"`
	Status                 enums.PaymentStatus   `gorm:"column:status;type:text;not null;default:'pending'"`
	FailureReason          *string               `gorm:"column:failure_reason"`
	RedirectURL            *string               `gorm:"column:redirect_url"`
	CreatedAt              time.Time             `gorm:"column:created_at;autoCreateTime"`
	ResolvedAt             *time.Time            `gorm:"column:resolved_at"`
}

func (p *PaymentAttempt) BeforeCreate(*gorm.DB) error {
	ensureID(&p.ID)
	return nil
}
