package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// WebhookReceipt is the dedup record for a processed provider callback.
type WebhookReceipt struct {
	ID                     uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	Provider               enums.PaymentProvider `gorm:"column:provider;type:text;not null;uniqueIndex:ux_webhook_receipts_key,priority:1"`
	ProviderTransactionRef string                `gorm:"column:provider_transaction_ref;not null;uniqueIndex:ux_webhook_receipts_key,priority:2"`
	ResultCode             string                `gorm:"column:result_code;not null;uniqueIndex:ux_webhook_receipts_key,priority:3"`
	Outcome                string                `gorm:"column:outcome;not null"`
	Payload                json.RawMessage       `gorm:"column:payload;type:jsonb"`
	ReceivedAt             time.Time             `gorm:"column:received_at;not null;index"`
}

func (w *WebhookReceipt) BeforeCreate(*gorm.DB) error {
	ensureID(&w.ID)
	return nil
}
