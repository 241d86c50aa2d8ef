package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	internalorders "github.com/angelmondragon/marketplace-backend/internal/orders"
	"github.com/angelmondragon/marketplace-backend/internal/payouts"
	"github.com/angelmondragon/marketplace-backend/internal/reconciliation"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

type stubOrderService struct {
	internalorders.Service
	refund func(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

func (s *stubOrderService) MarkRefunded(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.refund(ctx, orderID)
}

type stubPayouts struct {
	vendor   *uuid.UUID
	listAll  bool
	limit    int
	approved uuid.UUID
	paidRef  string
	err      error
}

func (s *stubPayouts) List(ctx context.Context, vendorID uuid.UUID, status enums.PayoutStatus, limit int) ([]models.PayoutLedgerEntry, error) {
	s.vendor = &vendorID
	s.limit = limit
	return []models.PayoutLedgerEntry{{ID: uuid.New(), VendorID: vendorID, Status: status}}, nil
}

func (s *stubPayouts) ListAll(ctx context.Context, status enums.PayoutStatus, limit int) ([]models.PayoutLedgerEntry, error) {
	s.listAll = true
	s.limit = limit
	return nil, nil
}

func (s *stubPayouts) Approve(ctx context.Context, id uuid.UUID) error {
	s.approved = id
	return s.err
}

func (s *stubPayouts) MarkPaid(ctx context.Context, id uuid.UUID, ref string) error {
	s.paidRef = ref
	return s.err
}

type stubReviews struct {
	includeResolved bool
	limit           int
	note            string
}

func (s *stubReviews) List(ctx context.Context, includeResolved bool, limit int) ([]models.ReviewFlag, error) {
	s.includeResolved = includeResolved
	s.limit = limit
	return []models.ReviewFlag{{ID: uuid.New(), Reason: enums.ReviewReasonAmountMismatch}}, nil
}

func (s *stubReviews) Resolve(ctx context.Context, id uuid.UUID, note string) error {
	s.note = note
	return nil
}

func withParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestRefundOrder(t *testing.T) {
	orderID := uuid.New()
	svc := &stubOrderService{refund: func(ctx context.Context, id uuid.UUID) (*models.Order, error) {
		return &models.Order{ID: id, PaymentStatus: enums.PaymentStatusRefunded, OrderStatus: enums.OrderStatusCancelled}, nil
	}}
	req := withParam(httptest.NewRequest(http.MethodPost, "/", nil), "orderId", orderID.String())
	rec := httptest.NewRecorder()

	RefundOrder(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"payment_status":"refunded"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestRefundOrderRequiresCompletedPayment(t *testing.T) {
	svc := &stubOrderService{refund: func(ctx context.Context, id uuid.UUID) (*models.Order, error) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment is not completed")
	}}
	req := withParam(httptest.NewRequest(http.MethodPost, "/", nil), "orderId", uuid.NewString())
	rec := httptest.NewRecorder()

	RefundOrder(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestPendingPayoutsFiltersByVendor(t *testing.T) {
	vendorID := uuid.New()
	svc := &stubPayouts{}
	req := httptest.NewRequest(http.MethodGet, "/api/admin/v1/payouts/pending?vendor_id="+vendorID.String(), nil)
	rec := httptest.NewRecorder()

	PendingPayouts(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.vendor == nil || *svc.vendor != vendorID || svc.listAll {
		t.Fatalf("expected vendor scoped listing")
	}
}

func TestPendingPayoutsWithoutVendorListsAll(t *testing.T) {
	svc := &stubPayouts{}
	rec := httptest.NewRecorder()

	PendingPayouts(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/v1/payouts/pending", nil))

	if rec.Code != http.StatusOK || !svc.listAll {
		t.Fatalf("expected list all, got %d", rec.Code)
	}
	if svc.limit != payouts.DefaultListLimit {
		t.Fatalf("expected default limit, got %d", svc.limit)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestPendingPayoutsRejectsBadVendor(t *testing.T) {
	rec := httptest.NewRecorder()
	PendingPayouts(&stubPayouts{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?vendor_id=nope", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPendingPayoutsForwardsLimit(t *testing.T) {
	svc := &stubPayouts{}
	rec := httptest.NewRecorder()

	PendingPayouts(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?limit=25", nil))

	if rec.Code != http.StatusOK || svc.limit != 25 {
		t.Fatalf("expected limit 25 forwarded, got %d (status %d)", svc.limit, rec.Code)
	}
}

func TestPendingPayoutsRejectsBadLimit(t *testing.T) {
	for _, raw := range []string{"abc", "0", "501"} {
		svc := &stubPayouts{}
		rec := httptest.NewRecorder()
		PendingPayouts(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?limit="+raw, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", raw, rec.Code)
		}
		if svc.listAll {
			t.Fatalf("limit=%s: service should not be called", raw)
		}
	}
}

func TestApprovePayoutConflict(t *testing.T) {
	svc := &stubPayouts{err: pkgerrors.New(pkgerrors.CodeStateConflict, "payout is not pending")}
	req := withParam(httptest.NewRequest(http.MethodPost, "/", nil), "entryId", uuid.NewString())
	rec := httptest.NewRecorder()

	ApprovePayout(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestMarkPayoutPaidRequiresReference(t *testing.T) {
	svc := &stubPayouts{}
	req := withParam(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`)), "entryId", uuid.NewString())
	rec := httptest.NewRecorder()

	MarkPayoutPaid(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestMarkPayoutPaidForwardsReference(t *testing.T) {
	svc := &stubPayouts{}
	req := withParam(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"transaction_ref":" TX-1 "}`)), "entryId", uuid.NewString())
	rec := httptest.NewRecorder()

	MarkPayoutPaid(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.paidRef != "TX-1" {
		t.Fatalf("expected trimmed ref, got %q", svc.paidRef)
	}
}

func TestListReviewsIncludeResolved(t *testing.T) {
	svc := &stubReviews{}
	rec := httptest.NewRecorder()

	ListReviews(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?include_resolved=true", nil))

	if rec.Code != http.StatusOK || !svc.includeResolved {
		t.Fatalf("expected resolved flags included, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(enums.ReviewReasonAmountMismatch)) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestListReviewsRejectsBadBool(t *testing.T) {
	rec := httptest.NewRecorder()
	ListReviews(&stubReviews{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?include_resolved=maybe", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListReviewsLimit(t *testing.T) {
	svc := &stubReviews{}
	rec := httptest.NewRecorder()
	ListReviews(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || svc.limit != reconciliation.DefaultReviewLimit {
		t.Fatalf("expected default limit, got %d (status %d)", svc.limit, rec.Code)
	}

	rec = httptest.NewRecorder()
	ListReviews(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?limit=10", nil))
	if rec.Code != http.StatusOK || svc.limit != 10 {
		t.Fatalf("expected limit 10 forwarded, got %d", svc.limit)
	}

	rec = httptest.NewRecorder()
	ListReviews(svc, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?limit=-1", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestResolveReview(t *testing.T) {
	svc := &stubReviews{}
	req := withParam(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"note":"refunded manually"}`)), "flagId", uuid.NewString())
	rec := httptest.NewRecorder()

	ResolveReview(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if svc.note != "refunded manually" {
		t.Fatalf("unexpected note %q", svc.note)
	}
}
