package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/repo"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
	"github.com/angelmondragon/marketplace-backend/pkg/outbox"
	"github.com/angelmondragon/marketplace-backend/pkg/outbox/payloads"
)

// Page bounds for the review queue.
const (
	DefaultReviewLimit = 100
	MaxReviewLimit     = 500
)

// ReviewRepository stores review_flags.
type ReviewRepository struct {
	repo.Base
}

func NewReviewRepository(conn *gorm.DB) *ReviewRepository {
	return &ReviewRepository{Base: repo.NewBase(conn)}
}

func (r *ReviewRepository) WithTx(tx *gorm.DB) *ReviewRepository {
	return &ReviewRepository{Base: r.Bound(tx)}
}

func (r *ReviewRepository) Create(ctx context.Context, flag *models.ReviewFlag) error {
	if err := r.DB(ctx).Create(flag).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert review flag")
	}
	return nil
}

func (r *ReviewRepository) List(ctx context.Context, includeResolved bool, limit int) ([]models.ReviewFlag, error) {
	query := r.DB(ctx).Model(&models.ReviewFlag{})
	if !includeResolved {
		query = query.Where("resolved_at IS NULL")
	}
	var rows []models.ReviewFlag
	if err := query.Order("created_at ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list review flags")
	}
	return rows, nil
}

func (r *ReviewRepository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.ReviewFlag, error) {
	var rows []models.ReviewFlag
	if err := r.DB(ctx).Where("order_id = ?", orderID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list review flags")
	}
	return rows, nil
}

func (r *ReviewRepository) Resolve(ctx context.Context, id uuid.UUID, note string, at time.Time) (bool, error) {
	res := r.DB(ctx).Model(&models.ReviewFlag{}).
		Where("id = ? AND resolved_at IS NULL", id).
		Updates(map[string]any{"resolved_at": at, "resolution_note": note})
	if res.Error != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "resolve review flag")
	}
	return res.RowsAffected == 1, nil
}

func (r *ReviewRepository) Find(ctx context.Context, id uuid.UUID) (*models.ReviewFlag, error) {
	var flag models.ReviewFlag
	if err := r.DB(ctx).Where("id = ?", id).Take(&flag).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "review flag not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load review flag")
	}
	return &flag, nil
}

// Reviews is the manual review queue for reconciliation anomalies.
type Reviews struct {
	repo   *ReviewRepository
	outbox emitter
	logg   *logger.Logger
	now    func() time.Time
}

func NewReviews(repo *ReviewRepository, out emitter, logg *logger.Logger) (*Reviews, error) {
	if repo == nil {
		return nil, fmt.Errorf("review repository required")
	}
	if out == nil {
		return nil, fmt.Errorf("outbox service required")
	}
	return &Reviews{repo: repo, outbox: out, logg: logg, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Flag inserts a review flag on tx and emits review_flagged.
func (r *Reviews) Flag(ctx context.Context, tx *gorm.DB, attempt *models.PaymentAttempt, reason enums.ReviewReason, receivedCents int64, details map[string]any) (*models.ReviewFlag, error) {
	var raw json.RawMessage
	if len(details) > 0 {
		encoded, err := json.Marshal(details)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode review details")
		}
		raw = encoded
	}
	flag := &models.ReviewFlag{
		OrderID:          attempt.OrderID,
		PaymentAttemptID: attempt.ID,
		Reason:           reason,
		ExpectedCents:    attempt.AmountCents,
		ReceivedCents:    receivedCents,
		Details:          raw,
	}
	if err := r.repo.WithTx(tx).Create(ctx, flag); err != nil {
		return nil, err
	}
	err := r.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventReviewFlagged,
		AggregateType: enums.AggregateOrder,
		AggregateID:   attempt.OrderID,
		Data: payloads.ReviewFlaggedEvent{
			FlagID:        flag.ID,
			OrderID:       attempt.OrderID,
			Reason:        reason,
			ExpectedCents: flag.ExpectedCents,
			ReceivedCents: receivedCents,
		},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit review flagged")
	}
	if r.logg != nil {
		logCtx := r.logg.WithFields(ctx, map[string]any{
			"order_id":       attempt.OrderID.String(),
			"attempt_id":     attempt.ID.String(),
			"reason":         string(reason),
			"expected_cents": flag.ExpectedCents,
			"received_cents": receivedCents,
		})
		r.logg.Warn(logCtx, "payment flagged for review")
	}
	return flag, nil
}

// List returns open flags oldest first, or every flag when includeResolved.
func (r *Reviews) List(ctx context.Context, includeResolved bool, limit int) ([]models.ReviewFlag, error) {
	if limit <= 0 {
		limit = DefaultReviewLimit
	}
	return r.repo.List(ctx, includeResolved, min(limit, MaxReviewLimit))
}

// Resolve closes a flag with an operator note.
func (r *Reviews) Resolve(ctx context.Context, id uuid.UUID, note string) error {
	note = strings.TrimSpace(note)
	if note == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "resolution note required")
	}
	if _, err := r.repo.Find(ctx, id); err != nil {
		return err
	}
	ok, err := r.repo.Resolve(ctx, id, note, r.now())
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "review flag already resolved")
	}
	return nil
}

// FlagView is the API projection of a review flag.
type FlagView struct {
	ID               uuid.UUID          `json:"id"`
	OrderID          uuid.UUID          `json:"order_id"`
	PaymentAttemptID uuid.UUID          `json:"payment_attempt_id"`
	Reason           enums.ReviewReason `json:"reason"`
	ExpectedCents    int64              `json:"expected_cents"`
	ReceivedCents    int64              `json:"received_cents"`
	Details          json.RawMessage    `json:"details,omitempty"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty"`
	ResolutionNote   *string            `json:"resolution_note,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

func FlagViews(flags []models.ReviewFlag) []FlagView {
	out := make([]FlagView, 0, len(flags))
	for _, f := range flags {
		out = append(out, FlagView{
			ID:               f.ID,
			OrderID:          f.OrderID,
			PaymentAttemptID: f.PaymentAttemptID,
			Reason:           f.Reason,
			ExpectedCents:    f.ExpectedCents,
			ReceivedCents:    f.ReceivedCents,
			Details:          f.Details,
			ResolvedAt:       f.ResolvedAt,
			ResolutionNote:   f.ResolutionNote,
			CreatedAt:        f.CreatedAt,
		})
	}
	return out
}
