package admin

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-backend/api/responses"
	"github.com/angelmondragon/marketplace-backend/api/validators"
	"github.com/angelmondragon/marketplace-backend/internal/reconciliation"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
)

// ReviewQueue lists and resolves reconciliation review flags.
type ReviewQueue interface {
	List(ctx context.Context, includeResolved bool, limit int) ([]models.ReviewFlag, error)
	Resolve(ctx context.Context, id uuid.UUID, note string) error
}

type resolveRequest struct {
	Note string `json:"note" validate:"required,max=2000"`
}

func ListReviews(svc ReviewQueue, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		includeResolved := false
		if raw := r.URL.Query().Get("include_resolved"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "include_resolved must be a boolean"))
				return
			}
			includeResolved = v
		}
		limit, err := validators.ParseQueryInt(r, "limit", reconciliation.DefaultReviewLimit, 1, reconciliation.MaxReviewLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		flags, err := svc.List(r.Context(), includeResolved, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, reconciliation.FlagViews(flags))
	}
}

func ResolveReview(svc ReviewQueue, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flagID, err := validators.ParseUUIDParam(r, "flagId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req resolveRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.Resolve(r.Context(), flagID, req.Note); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"id": flagID, "resolved": true})
	}
}
