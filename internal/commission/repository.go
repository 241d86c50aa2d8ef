package commission

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/repo"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

// Repository reads the commission configuration owned by the settings service.
type Repository struct {
	repo.Base
	fallback decimal.Decimal
}

// NewRepository binds the repository to a connection. fallback is used when
// no platform row exists.
func NewRepository(db *gorm.DB, fallback decimal.Decimal) *Repository {
	return &Repository{Base: repo.NewBase(db), fallback: fallback}
}

// Snapshot loads the rates that can apply to a vendor and a set of categories.
func (r *Repository) Snapshot(ctx context.Context, vendorID uuid.UUID, categoryIDs []uuid.UUID) (RateSnapshot, error) {
	snapshot := RateSnapshot{
		Default:  r.fallback,
		Vendor:   map[uuid.UUID]decimal.Decimal{},
		Category: map[uuid.UUID]decimal.Decimal{},
	}

	query := r.DB(ctx).Model(&models.CommissionRate{}).
		Where("scope = ?", enums.CommissionScopePlatform).
		Or("scope = ? AND vendor_id = ?", enums.CommissionScopeVendor, vendorID)
	if len(categoryIDs) > 0 {
		query = query.Or("scope = ? AND category_id IN ?", enums.CommissionScopeCategory, categoryIDs)
	}

	var rows []models.CommissionRate
	if err := query.Order("updated_at ASC").Find(&rows).Error; err != nil {
		return RateSnapshot{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load commission rates")
	}

	for _, row := range rows {
		switch row.Scope {
		case enums.CommissionScopePlatform:
			snapshot.Default = row.RatePercent
		case enums.CommissionScopeVendor:
			if row.VendorID != nil {
				snapshot.Vendor[*row.VendorID] = row.RatePercent
			}
		case enums.CommissionScopeCategory:
			if row.CategoryID != nil {
				snapshot.Category[*row.CategoryID] = row.RatePercent
			}
		}
	}
	return snapshot, nil
}
