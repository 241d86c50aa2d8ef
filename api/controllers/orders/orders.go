package orders

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-backend/api/middleware"
	"github.com/angelmondragon/marketplace-backend/api/responses"
	"github.com/angelmondragon/marketplace-backend/api/validators"
	internalorders "github.com/angelmondragon/marketplace-backend/internal/orders"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
)

type createOrderRequest struct {
	Items           []internalorders.CartItem `json:"items" validate:"required,min=1,dive"`
	DeliveryAddress internalorders.Address    `json:"delivery_address" validate:"required"`
	PaymentMethod   enums.PaymentProvider     `json:"payment_method" validate:"required"`
}

type initiatePaymentRequest struct {
	Phone        string `json:"phone,omitempty"`
	PaymentToken string `json:"payment_token,omitempty"`
	ReturnURL    string `json:"return_url,omitempty" validate:"omitempty,url"`
	CancelURL    string `json:"cancel_url,omitempty" validate:"omitempty,url"`
}

type orderResponse struct {
	ID              uuid.UUID           `json:"id"`
	OrderStatus     enums.OrderStatus   `json:"order_status"`
	PaymentStatus   enums.PaymentStatus `json:"payment_status"`
	Currency        string              `json:"currency"`
	SubtotalCents   int64               `json:"subtotal_cents"`
	ShippingCents   int64               `json:"shipping_cents"`
	TaxCents        int64               `json:"tax_cents"`
	DiscountCents   int64               `json:"discount_cents"`
	TotalCents      int64               `json:"total_cents"`
	CommissionCents int64               `json:"commission_cents"`
	VendorCents     int64               `json:"vendor_cents"`
}

func actor(r *http.Request) (internalorders.Actor, error) {
	id, ok := middleware.ActorUUID(r.Context())
	if !ok {
		return internalorders.Actor{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid user id")
	}
	return internalorders.Actor{UserID: id, Role: middleware.RoleFromContext(r.Context())}, nil
}

// Create checks out a single-vendor cart into a pending order.
func Create(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buyer, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req createOrderRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.CreateOrder(r.Context(), internalorders.CreateOrderInput{
			BuyerID:         buyer.UserID,
			Items:           req.Items,
			DeliveryAddress: req.DeliveryAddress,
			PaymentMethod:   req.PaymentMethod,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, orderResponse{
			ID:              order.ID,
			OrderStatus:     order.OrderStatus,
			PaymentStatus:   order.PaymentStatus,
			Currency:        order.Currency,
			SubtotalCents:   order.SubtotalCents,
			ShippingCents:   order.ShippingCents,
			TaxCents:        order.TaxCents,
			DiscountCents:   order.DiscountCents,
			TotalCents:      order.TotalCents,
			CommissionCents: order.CommissionCents,
			VendorCents:     order.VendorCents,
		})
	}
}

// PaymentStatus reports whether the order has been paid.
func PaymentStatus(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.GetPaymentStatus(r.Context(), orderID, caller)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// InitiatePayment opens a payment attempt with the order's provider.
func InitiatePayment(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buyer, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		var req initiatePaymentRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		result, err := svc.InitiatePayment(r.Context(), internalorders.InitiatePaymentInput{
			OrderID:      orderID,
			BuyerID:      buyer.UserID,
			Phone:        req.Phone,
			PaymentToken: req.PaymentToken,
			ReturnURL:    req.ReturnURL,
			CancelURL:    req.CancelURL,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, result)
	}
}

// ConfirmPayment captures or verifies the open attempt after a buyer returns
// from a redirect flow.
func ConfirmPayment(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		buyer, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.ConfirmPayment(r.Context(), orderID, buyer.UserID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// Cancel cancels an unpaid order on behalf of its buyer.
func Cancel(svc internalorders.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := actor(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		orderID, err := validators.ParseUUIDParam(r, "orderId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		order, err := svc.Cancel(r.Context(), orderID, caller)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"id":             order.ID,
			"order_status":   order.OrderStatus,
			"payment_status": order.PaymentStatus,
			"cancelled_at":   order.CancelledAt,
		})
	}
}
