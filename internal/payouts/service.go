// Package payouts records what the marketplace owes vendors for completed
// orders and tracks disbursement.
package payouts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
	"github.com/angelmondragon/marketplace-backend/pkg/outbox"
	"github.com/angelmondragon/marketplace-backend/pkg/outbox/payloads"
)

// Page bounds for ledger listings.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

type emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Summary is a vendor's earnings grouped by disbursement status.
type Summary struct {
	VendorID      uuid.UUID `json:"vendor_id"`
	PendingCents  int64     `json:"pending_cents"`
	ApprovedCents int64     `json:"approved_cents"`
	PaidCents     int64     `json:"paid_cents"`
}

// Service owns payout ledger writes.
type Service struct {
	repo   *Repository
	outbox emitter
	logg   *logger.Logger
	now    func() time.Time
}

func NewService(repo *Repository, out emitter, logg *logger.Logger) (*Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("payout repository required")
	}
	if out == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	return &Service{repo: repo, outbox: out, logg: logg, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Record writes the ledger entry for a newly completed order on tx. The
// unique order_id index makes a second record for the same order fail, which
// would mean a payment was applied twice.
func (s *Service) Record(ctx context.Context, tx *gorm.DB, order *models.Order) (*models.PayoutLedgerEntry, error) {
	if order.TotalCents-order.CommissionCents != order.VendorCents {
		return nil, pkgerrors.New(pkgerrors.CodeInvariantViolation, "order vendor share does not match total minus commission").
			WithDetails(map[string]any{"order_id": order.ID.String()})
	}
	entry := &models.PayoutLedgerEntry{
		VendorID:        order.VendorID,
		OrderID:         order.ID,
		GrossCents:      order.TotalCents,
		CommissionCents: order.CommissionCents,
		NetCents:        order.VendorCents,
		Status:          enums.PayoutStatusPending,
	}
	if err := s.repo.WithTx(tx).Create(ctx, entry); err != nil {
		if errors.Is(err, ErrAlreadyRecorded) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInvariantViolation, err, "duplicate payout entry")
		}
		return nil, err
	}
	err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventVendorPayoutRecorded,
		AggregateType: enums.AggregatePayoutEntry,
		AggregateID:   entry.ID,
		Data: payloads.VendorPayoutRecordedEvent{
			EntryID:         entry.ID,
			OrderID:         order.ID,
			VendorID:        order.VendorID,
			GrossCents:      entry.GrossCents,
			CommissionCents: entry.CommissionCents,
			NetCents:        entry.NetCents,
		},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payout event")
	}
	return entry, nil
}

// List returns a vendor's entries, optionally filtered by status. A
// non-positive limit means DefaultListLimit.
func (s *Service) List(ctx context.Context, vendorID uuid.UUID, status enums.PayoutStatus, limit int) ([]models.PayoutLedgerEntry, error) {
	if status != "" && !status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid payout status")
	}
	return s.repo.List(ctx, &vendorID, status, clampLimit(limit))
}

// ListAll is the operator view across vendors.
func (s *Service) ListAll(ctx context.Context, status enums.PayoutStatus, limit int) ([]models.PayoutLedgerEntry, error) {
	if status != "" && !status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid payout status")
	}
	return s.repo.List(ctx, nil, status, clampLimit(limit))
}

func (s *Service) Summary(ctx context.Context, vendorID uuid.UUID) (Summary, error) {
	totals, err := s.repo.Totals(ctx, vendorID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		VendorID:      vendorID,
		PendingCents:  totals[enums.PayoutStatusPending],
		ApprovedCents: totals[enums.PayoutStatusApproved],
		PaidCents:     totals[enums.PayoutStatusPaid],
	}, nil
}

// Approve releases a pending entry for disbursement.
func (s *Service) Approve(ctx context.Context, id uuid.UUID) error {
	ok, err := s.repo.Transition(ctx, id, enums.PayoutStatusPending, enums.PayoutStatusApproved, s.now(), nil)
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "payout entry is not pending")
	}
	s.info(ctx, id, "payout entry approved")
	return nil
}

// MarkPaid records the disbursement reference for an approved entry.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID, transactionRef string) error {
	if transactionRef == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "transaction reference required")
	}
	ok, err := s.repo.Transition(ctx, id, enums.PayoutStatusApproved, enums.PayoutStatusPaid, s.now(), &transactionRef)
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "payout entry is not approved")
	}
	s.info(ctx, id, "payout entry paid")
	return nil
}

func (s *Service) info(ctx context.Context, id uuid.UUID, msg string) {
	if s.logg == nil {
		return
	}
	s.logg.Info(s.logg.WithField(ctx, "payout_entry_id", id.String()), msg)
}
