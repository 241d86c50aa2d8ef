package payouts

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// EntryView is the API projection of a payout ledger entry.
type EntryView struct {
	ID              uuid.UUID          `json:"id"`
	VendorID        uuid.UUID          `json:"vendor_id"`
	OrderID         uuid.UUID          `json:"order_id"`
	GrossCents      int64              `json:"gross_cents"`
	CommissionCents int64              `json:"commission_cents"`
	NetCents        int64              `json:"net_cents"`
	Status          enums.PayoutStatus `json:"status"`
	TransactionRef  *string            `json:"transaction_ref,omitempty"`
	ApprovedAt      *time.Time         `json:"approved_at,omitempty"`
	PaidAt          *time.Time         `json:"paid_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

func Views(entries []models.PayoutLedgerEntry) []EntryView {
	out := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, EntryView{
			ID:              e.ID,
			VendorID:        e.VendorID,
			OrderID:         e.OrderID,
			GrossCents:      e.GrossCents,
			CommissionCents: e.CommissionCents,
			NetCents:        e.NetCents,
			Status:          e.Status,
			TransactionRef:  e.TransactionRef,
			ApprovedAt:      e.ApprovedAt,
			PaidAt:          e.PaidAt,
			CreatedAt:       e.CreatedAt,
		})
	}
	return out
}
