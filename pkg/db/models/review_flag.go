package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// ReviewFlag queues a reconciliation anomaly for manual review.
type ReviewFlag struct {
	ID               uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	OrderID          uuid.UUID          `gorm:"column:order_id;type:uuid;not null;index"`
	PaymentAttemptID uuid.UUID          `gorm:"column:payment_attempt_id;type:uuid;not null"`
	Reason           enums.ReviewReason `gorm:"column:reason;type:text;not null"`
	ExpectedCents    int64              `gorm:"column:expected_cents;not null"`
	ReceivedCents    int64              `gorm:"column:received_cents;not null"`
	Details          json.RawMessage    `gorm:"column:details;type:jsonb"`
	ResolvedAt       *time.Time         `gorm:"column:resolved_at"`
	ResolutionNote   *string            `gorm:"column:resolution_note"`
	CreatedAt        time.Time          `gorm:"column:created_at;autoCreateTime"`
}

func (r *ReviewFlag) BeforeCreate(*gorm.DB) error {
	ensureID(&r.ID)
	return nil
}
