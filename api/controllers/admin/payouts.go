package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-backend/api/responses"
	"github.com/angelmondragon/marketplace-backend/api/validators"
	"github.com/angelmondragon/marketplace-backend/internal/payouts"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
)

// PayoutService is the operator surface of the payout ledger.
type PayoutService interface {
	List(ctx context.Context, vendorID uuid.UUID, status enums.PayoutStatus, limit int) ([]models.PayoutLedgerEntry, error)
	ListAll(ctx context.Context, status enums.PayoutStatus, limit int) ([]models.PayoutLedgerEntry, error)
	Approve(ctx context.Context, id uuid.UUID) error
	MarkPaid(ctx context.Context, id uuid.UUID, transactionRef string) error
}

type markPaidRequest struct {
	TransactionRef string `json:"transaction_ref" validate:"required"`
}

// PendingPayouts lists pending entries, optionally for one vendor.
func PendingPayouts(svc PayoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vendorID, err := validators.ParseQueryUUID(r, "vendor_id")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", payouts.DefaultListLimit, 1, payouts.MaxListLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var entries []models.PayoutLedgerEntry
		if vendorID != nil {
			entries, err = svc.List(r.Context(), *vendorID, enums.PayoutStatusPending, limit)
		} else {
			entries, err = svc.ListAll(r.Context(), enums.PayoutStatusPending, limit)
		}
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, payouts.Views(entries))
	}
}

// ApprovePayout releases a pending entry.
func ApprovePayout(svc PayoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, err := validators.ParseUUIDParam(r, "entryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.Approve(r.Context(), entryID); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"id": entryID, "status": enums.PayoutStatusApproved})
	}
}

// MarkPayoutPaid records the disbursement reference of an approved entry.
func MarkPayoutPaid(svc PayoutService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entryID, err := validators.ParseUUIDParam(r, "entryId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req markPaidRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.MarkPaid(r.Context(), entryID, strings.TrimSpace(req.TransactionRef)); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"id": entryID, "status": enums.PayoutStatusPaid})
	}
}
