package payouts

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/repo"
	"github.com/angelmondragon/marketplace-backend/pkg/db"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

// ErrAlreadyRecorded is returned when the order already has a ledger entry.
var ErrAlreadyRecorded = errors.New("payout entry already recorded for order")

// Repository persists payout_ledger_entries.
type Repository struct {
	repo.Base
}

func NewRepository(conn *gorm.DB) *Repository {
	return &Repository{Base: repo.NewBase(conn)}
}

// WithTx binds the repository to tx.
func (r *Repository) WithTx(tx *gorm.DB) *Repository {
	return &Repository{Base: r.Bound(tx)}
}

func (r *Repository) Create(ctx context.Context, entry *models.PayoutLedgerEntry) error {
	if err := r.DB(ctx).Create(entry).Error; err != nil {
		if db.IsUniqueViolation(err, "ux_payout_ledger_entries_order") {
			return ErrAlreadyRecorded
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payout entry")
	}
	return nil
}

func (r *Repository) FindByOrder(ctx context.Context, orderID uuid.UUID) (*models.PayoutLedgerEntry, error) {
	var entry models.PayoutLedgerEntry
	if err := r.DB(ctx).Where("order_id = ?", orderID).Take(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "payout entry not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payout entry")
	}
	return &entry, nil
}

// List returns entries newest first. A nil vendorID lists every vendor.
func (r *Repository) List(ctx context.Context, vendorID *uuid.UUID, status enums.PayoutStatus, limit int) ([]models.PayoutLedgerEntry, error) {
	query := r.DB(ctx).Model(&models.PayoutLedgerEntry{})
	if vendorID != nil {
		query = query.Where("vendor_id = ?", *vendorID)
	}
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var rows []models.PayoutLedgerEntry
	if err := query.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list payout entries")
	}
	return rows, nil
}

// Transition moves an entry between statuses and reports whether it won.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from, to enums.PayoutStatus, at time.Time, ref *string) (bool, error) {
	updates := map[string]any{"status": to}
	switch to {
	case enums.PayoutStatusApproved:
		updates["approved_at"] = at
	case enums.PayoutStatusPaid:
		updates["paid_at"] = at
		updates["transaction_ref"] = ref
	}
	res := r.DB(ctx).Model(&models.PayoutLedgerEntry{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "update payout entry")
	}
	return res.RowsAffected == 1, nil
}

// Totals sums net earnings per status for a vendor.
func (r *Repository) Totals(ctx context.Context, vendorID uuid.UUID) (map[enums.PayoutStatus]int64, error) {
	var rows []struct {
		Status enums.PayoutStatus
		Net    int64
	}
	err := r.DB(ctx).Model(&models.PayoutLedgerEntry{}).
		Select("status, COALESCE(SUM(net_cents), 0) AS net").
		Where("vendor_id = ?", vendorID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "sum payout entries")
	}
	out := make(map[enums.PayoutStatus]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Net
	}
	return out, nil
}
