package payloads

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// NotificationRequestedEvent asks the notification service to tell a buyer or
// vendor about an order. Receivers dedupe on the envelope event id.
type NotificationRequestedEvent struct {
	Kind          enums.NotificationKind `json:"kind"`
	OrderID       uuid.UUID              `json:"order_id"`
	BuyerID       uuid.UUID              `json:"buyer_id"`
	VendorID      uuid.UUID              `json:"vendor_id"`
	PaymentStatus enums.PaymentStatus    `json:"payment_status"`
	OrderStatus   enums.OrderStatus      `json:"order_status"`
	TotalCents    int64                  `json:"total_cents"`
	Currency      string                 `json:"currency"`
	Reason        string                 `json:"reason,omitempty"`
}

// VendorPayoutRecordedEvent is emitted when a payout ledger entry is created.
type VendorPayoutRecordedEvent struct {
	EntryID         uuid.UUID `json:"entry_id"`
	OrderID         uuid.UUID `json:"order_id"`
	VendorID        uuid.UUID `json:"vendor_id"`
	GrossCents      int64     `json:"gross_cents"`
	CommissionCents int64     `json:"commission_cents"`
	NetCents        int64     `json:"net_cents"`
}

// ReviewFlaggedEvent alerts operations about a reconciliation anomaly.
type ReviewFlaggedEvent struct {
	FlagID        uuid.UUID          `json:"flag_id"`
	OrderID       uuid.UUID          `json:"order_id"`
	Reason        enums.ReviewReason `json:"reason"`
	ExpectedCents int64              `json:"expected_cents"`
	ReceivedCents int64              `json:"received_cents"`
}
