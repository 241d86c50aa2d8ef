package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// Actor is the authenticated caller of an order operation.
type Actor struct {
	UserID uuid.UUID
	Role   enums.ActorRole
}

// CartItem is one requested product line with the price the buyer saw.
type CartItem struct {
	ProductID      uuid.UUID `json:"product_id" validate:"required"`
	Quantity       int       `json:"quantity" validate:"required,gt=0"`
	UnitPriceCents int64     `json:"unit_price_cents" validate:"gte=0"`
}

// Address is the delivery address stored with the order.
type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

// CreateOrderInput is the validated checkout request.
type CreateOrderInput struct {
	BuyerID         uuid.UUID
	Items           []CartItem
	DeliveryAddress Address
	PaymentMethod   enums.PaymentProvider
}

// InitiatePaymentInput carries the provider specific details for one attempt.
type InitiatePaymentInput struct {
	OrderID      uuid.UUID
	BuyerID      uuid.UUID
	Phone        string
	PaymentToken string
	ReturnURL    string
	CancelURL    string
}

// PaymentResult is returned after an initiation.
type PaymentResult struct {
	OrderID       uuid.UUID             `json:"order_id"`
	AttemptID     uuid.UUID             `json:"attempt_id"`
	Provider      enums.PaymentProvider `json:"provider"`
	Status        enums.PaymentStatus   `json:"status"`
	AmountCents   int64                 `json:"amount_cents"`
	Currency      string                `json:"currency"`
	RedirectURL   *string               `json:"redirect_url,omitempty"`
	FailureReason *string               `json:"failure_reason,omitempty"`
}

// AttemptView is the public projection of a payment attempt.
type AttemptView struct {
	ID            uuid.UUID             `json:"id"`
	Provider      enums.PaymentProvider `json:"provider"`
	Status        enums.PaymentStatus   `json:"status"`
	AmountCents   int64                 `json:"amount_cents"`
	FailureReason *string               `json:"failure_reason,omitempty"`
	RedirectURL   *string               `json:"redirect_url,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	ResolvedAt    *time.Time            `json:"resolved_at,omitempty"`
}

// PaymentStatusView answers "has this order been paid".
type PaymentStatusView struct {
	OrderID              uuid.UUID           `json:"order_id"`
	PaymentStatus        enums.PaymentStatus `json:"payment_status"`
	OrderStatus          enums.OrderStatus   `json:"order_status"`
	PaymentFailureReason *string             `json:"payment_failure_reason,omitempty"`
	TotalCents           int64               `json:"total_cents"`
	Currency             string              `json:"currency"`
	LatestAttempt        *AttemptView        `json:"latest_attempt,omitempty"`
}

func attemptView(a *models.PaymentAttempt) *AttemptView {
	if a == nil {
		return nil
	}
	return &AttemptView{
		ID:            a.ID,
		Provider:      a.Provider,
		Status:        a.Status,
		AmountCents:   a.AmountCents,
		FailureReason: a.FailureReason,
		RedirectURL:   a.RedirectURL,
		CreatedAt:     a.CreatedAt,
		ResolvedAt:    a.ResolvedAt,
	}
}
