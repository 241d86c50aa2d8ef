package reconciliation

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/repo"
	"github.com/angelmondragon/marketplace-backend/pkg/db"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

// ErrDuplicateReceipt means another delivery of the same callback committed first.
var ErrDuplicateReceipt = errors.New("webhook receipt already recorded")

// ReceiptRepository stores processed callback dedup keys.
type ReceiptRepository struct {
	repo.Base
}

func NewReceiptRepository(conn *gorm.DB) *ReceiptRepository {
	return &ReceiptRepository{Base: repo.NewBase(conn)}
}

func (r *ReceiptRepository) WithTx(tx *gorm.DB) *ReceiptRepository {
	return &ReceiptRepository{Base: r.Bound(tx)}
}

func (r *ReceiptRepository) Exists(ctx context.Context, provider enums.PaymentProvider, ref, resultCode string) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&models.WebhookReceipt{}).
		Where("provider = ? AND provider_transaction_ref = ? AND result_code = ?", provider, ref, resultCode).
		Count(&count).Error
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "lookup webhook receipt")
	}
	return count > 0, nil
}

func (r *ReceiptRepository) Create(ctx context.Context, receipt *models.WebhookReceipt) error {
	if err := r.DB(ctx).Create(receipt).Error; err != nil {
		if db.IsUniqueViolation(err, "ux_webhook_receipts_key") {
			return ErrDuplicateReceipt
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert webhook receipt")
	}
	return nil
}

// DeleteBefore removes receipts older than cutoff.
func (r *ReceiptRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.DB(ctx).Where("received_at < ?", cutoff).Delete(&models.WebhookReceipt{})
	if res.Error != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "delete webhook receipts")
	}
	return res.RowsAffected, nil
}
