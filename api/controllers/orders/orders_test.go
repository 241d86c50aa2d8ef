package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-backend/api/middleware"
	internalorders "github.com/angelmondragon/marketplace-backend/internal/orders"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

type stubOrderService struct {
	internalorders.Service

	create   func(ctx context.Context, input internalorders.CreateOrderInput) (*models.Order, error)
	initiate func(ctx context.Context, input internalorders.InitiatePaymentInput) (*internalorders.PaymentResult, error)
	confirm  func(ctx context.Context, orderID, buyerID uuid.UUID) (*internalorders.PaymentStatusView, error)
	status   func(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.PaymentStatusView, error)
	cancel   func(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor) (*models.Order, error)
}

func (s *stubOrderService) CreateOrder(ctx context.Context, input internalorders.CreateOrderInput) (*models.Order, error) {
	return s.create(ctx, input)
}

func (s *stubOrderService) InitiatePayment(ctx context.Context, input internalorders.InitiatePaymentInput) (*internalorders.PaymentResult, error) {
	return s.initiate(ctx, input)
}

func (s *stubOrderService) ConfirmPayment(ctx context.Context, orderID, buyerID uuid.UUID) (*internalorders.PaymentStatusView, error) {
	return s.confirm(ctx, orderID, buyerID)
}

func (s *stubOrderService) GetPaymentStatus(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor) (*internalorders.PaymentStatusView, error) {
	return s.status(ctx, orderID, actor)
}

func (s *stubOrderService) Cancel(ctx context.Context, orderID uuid.UUID, actor internalorders.Actor) (*models.Order, error) {
	return s.cancel(ctx, orderID, actor)
}

func authed(req *http.Request, userID uuid.UUID, role enums.ActorRole) *http.Request {
	ctx := middleware.WithUserID(req.Context(), userID.String())
	ctx = middleware.WithRole(ctx, role)
	return req.WithContext(ctx)
}

func withOrderParam(req *http.Request, orderID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("orderId", orderID)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestCreateReturnsCreatedOrder(t *testing.T) {
	buyerID := uuid.New()
	productID := uuid.New()
	var got internalorders.CreateOrderInput
	svc := &stubOrderService{
		create: func(ctx context.Context, input internalorders.CreateOrderInput) (*models.Order, error) {
			got = input
			return &models.Order{
				ID:            uuid.New(),
				OrderStatus:   enums.OrderStatusPending,
				PaymentStatus: enums.PaymentStatusPending,
				Currency:      "KES",
				SubtotalCents: 2000,
				TotalCents:    2000,
			}, nil
		},
	}

	body := `{"items":[{"product_id":"` + productID.String() + `","quantity":2,"unit_price_cents":1000}],` +
		`"delivery_address":{"line1":"1 Moi Ave","city":"Nairobi"},"payment_method":"mpesa"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req = authed(req, buyerID, enums.ActorRoleBuyer)
	rec := httptest.NewRecorder()

	Create(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if got.BuyerID != buyerID {
		t.Fatalf("expected buyer %s, got %s", buyerID, got.BuyerID)
	}
	if len(got.Items) != 1 || got.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items %+v", got.Items)
	}
	var env struct {
		Data orderResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if env.Data.TotalCents != 2000 || env.Data.OrderStatus != enums.OrderStatusPending {
		t.Fatalf("unexpected response %+v", env.Data)
	}
}

func TestCreateRejectsEmptyCart(t *testing.T) {
	svc := &stubOrderService{
		create: func(ctx context.Context, input internalorders.CreateOrderInput) (*models.Order, error) {
			t.Fatal("service should not be called")
			return nil, nil
		},
	}
	body := `{"items":[],"delivery_address":{"line1":"x","city":"y"},"payment_method":"mpesa"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body)), uuid.New(), enums.ActorRoleBuyer)
	rec := httptest.NewRecorder()

	Create(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateSurfacesPriceChanged(t *testing.T) {
	svc := &stubOrderService{
		create: func(ctx context.Context, input internalorders.CreateOrderInput) (*models.Order, error) {
			return nil, pkgerrors.New(pkgerrors.CodePriceChanged, "price changed").WithDetails(map[string]any{"product_id": "p"})
		},
	}
	body := `{"items":[{"product_id":"` + uuid.NewString() + `","quantity":1,"unit_price_cents":10}],` +
		`"delivery_address":{"line1":"x","city":"y"},"payment_method":"stripe"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body)), uuid.New(), enums.ActorRoleBuyer)
	rec := httptest.NewRecorder()

	Create(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), string(pkgerrors.CodePriceChanged)) {
		t.Fatalf("expected price changed code, got %s", rec.Body.String())
	}
}

func TestCreateRequiresAuthenticatedUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()

	Create(&stubOrderService{}, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestInitiatePaymentAcceptsEmptyBody(t *testing.T) {
	buyerID := uuid.New()
	orderID := uuid.New()
	svc := &stubOrderService{
		initiate: func(ctx context.Context, input internalorders.InitiatePaymentInput) (*internalorders.PaymentResult, error) {
			if input.OrderID != orderID || input.BuyerID != buyerID {
				t.Fatalf("unexpected input %+v", input)
			}
			return &internalorders.PaymentResult{OrderID: orderID, AttemptID: uuid.New(), Status: enums.PaymentStatusProcessing}, nil
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders/"+orderID.String()+"/payments", nil)
	req = withOrderParam(authed(req, buyerID, enums.ActorRoleBuyer), orderID.String())
	rec := httptest.NewRecorder()

	InitiatePayment(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"processing"`) {
		t.Fatalf("expected processing status, got %s", rec.Body.String())
	}
}

func TestInitiatePaymentPassesPhone(t *testing.T) {
	orderID := uuid.New()
	var phone string
	svc := &stubOrderService{
		initiate: func(ctx context.Context, input internalorders.InitiatePaymentInput) (*internalorders.PaymentResult, error) {
			phone = input.Phone
			return &internalorders.PaymentResult{OrderID: orderID, Status: enums.PaymentStatusProcessing}, nil
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"phone":"0712345678"}`))
	req = withOrderParam(authed(req, uuid.New(), enums.ActorRoleBuyer), orderID.String())
	rec := httptest.NewRecorder()

	InitiatePayment(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if phone != "0712345678" {
		t.Fatalf("expected phone forwarded, got %q", phone)
	}
}

func TestInitiatePaymentDeclined(t *testing.T) {
	svc := &stubOrderService{
		initiate: func(ctx context.Context, input internalorders.InitiatePaymentInput) (*internalorders.PaymentResult, error) {
			return nil, pkgerrors.New(pkgerrors.CodePaymentDeclined, "card declined")
		},
	}
	req := withOrderParam(authed(httptest.NewRequest(http.MethodPost, "/", nil), uuid.New(), enums.ActorRoleBuyer), uuid.NewString())
	rec := httptest.NewRecorder()

	InitiatePayment(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
}

func TestInitiatePaymentRejectsBadOrderID(t *testing.T) {
	req := withOrderParam(authed(httptest.NewRequest(http.MethodPost, "/", nil), uuid.New(), enums.ActorRoleBuyer), "not-a-uuid")
	rec := httptest.NewRecorder()

	InitiatePayment(&stubOrderService{}, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPaymentStatusPassesActorRole(t *testing.T) {
	orderID := uuid.New()
	userID := uuid.New()
	var seen internalorders.Actor
	svc := &stubOrderService{
		status: func(ctx context.Context, id uuid.UUID, actor internalorders.Actor) (*internalorders.PaymentStatusView, error) {
			seen = actor
			return &internalorders.PaymentStatusView{OrderID: id, PaymentStatus: enums.PaymentStatusCompleted, OrderStatus: enums.OrderStatusProcessing}, nil
		},
	}
	req := withOrderParam(authed(httptest.NewRequest(http.MethodGet, "/", nil), userID, enums.ActorRoleAdmin), orderID.String())
	rec := httptest.NewRecorder()

	PaymentStatus(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen.UserID != userID || seen.Role != enums.ActorRoleAdmin {
		t.Fatalf("unexpected actor %+v", seen)
	}
}

func TestConfirmPaymentReturnsView(t *testing.T) {
	orderID := uuid.New()
	svc := &stubOrderService{
		confirm: func(ctx context.Context, id, buyerID uuid.UUID) (*internalorders.PaymentStatusView, error) {
			return &internalorders.PaymentStatusView{OrderID: id, PaymentStatus: enums.PaymentStatusCompleted}, nil
		},
	}
	req := withOrderParam(authed(httptest.NewRequest(http.MethodPost, "/", nil), uuid.New(), enums.ActorRoleBuyer), orderID.String())
	rec := httptest.NewRecorder()

	ConfirmPayment(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"payment_status":"completed"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestCancelStateConflict(t *testing.T) {
	svc := &stubOrderService{
		cancel: func(ctx context.Context, id uuid.UUID, actor internalorders.Actor) (*models.Order, error) {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order already paid")
		},
	}
	req := withOrderParam(authed(httptest.NewRequest(http.MethodPost, "/", nil), uuid.New(), enums.ActorRoleBuyer), uuid.NewString())
	rec := httptest.NewRecorder()

	Cancel(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestCancelReturnsTimestamp(t *testing.T) {
	now := time.Now().UTC()
	svc := &stubOrderService{
		cancel: func(ctx context.Context, id uuid.UUID, actor internalorders.Actor) (*models.Order, error) {
			return &models.Order{ID: id, OrderStatus: enums.OrderStatusCancelled, PaymentStatus: enums.PaymentStatusPending, CancelledAt: &now}, nil
		},
	}
	req := withOrderParam(authed(httptest.NewRequest(http.MethodPost, "/", nil), uuid.New(), enums.ActorRoleBuyer), uuid.NewString())
	rec := httptest.NewRecorder()

	Cancel(svc, nil).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"cancelled_at"`) {
		t.Fatalf("expected cancelled_at in %s", rec.Body.String())
	}
}
