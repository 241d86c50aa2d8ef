package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/ledger"
	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/internal/reconciliation"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
)

// InitiatePayment starts one payment attempt. The order is claimed in a
// short transaction, the provider is called with no locks held, and the
// outcome is recorded in a second transaction.
func (s *service) InitiatePayment(ctx context.Context, input InitiatePaymentInput) (*PaymentResult, error) {
	ctx = s.logg.WithOrderID(ctx, input.OrderID.String())

	order, key, err := s.claimForPayment(ctx, input)
	if err != nil {
		return nil, err
	}
	provider, err := s.registry.Provider(order.PaymentMethod)
	if err != nil {
		s.releaseClaim(ctx, order.ID)
		return nil, err
	}
	ctx = s.logg.WithProvider(ctx, string(provider.Name()))
	expected := payments.ExpectedAmount(provider, order.TotalCents)

	req := payments.InitiationRequest{
		OrderID:        order.ID,
		AmountCents:    order.TotalCents,
		Currency:       order.Currency,
		IdempotencyKey: key,
		Description:    fmt.Sprintf("Order %s", order.ID),
		Phone:          input.Phone,
		PaymentToken:   input.PaymentToken,
		ReturnURL:      input.ReturnURL,
		CancelURL:      input.CancelURL,
	}
	if req.Phone == "" {
		req.Phone = deliveryPhone(order)
	}

	started := time.Now()
	res, calls, err := payments.InitiateWithRetry(ctx, provider, req, s.retry)
	elapsed := time.Since(started)

	switch {
	case err == nil:
		s.metrics.ObserveInitiation(string(provider.Name()), "accepted", elapsed)
		return s.recordAccepted(ctx, order.ID, provider.Name(), key, expected, res)
	case payments.IsTransient(err):
		s.metrics.ObserveInitiation(string(provider.Name()), "exhausted", elapsed)
		s.releaseClaim(ctx, order.ID)
		s.logg.Warn(s.logg.WithField(ctx, "calls", calls), fmt.Sprintf("payment initiation exhausted retries: %v", err))
		return nil, pkgerrors.Wrap(pkgerrors.CodePaymentInitiationFailed, err, "payment provider unavailable, try again")
	case ctx.Err() != nil:
		s.releaseClaim(context.WithoutCancel(ctx), order.ID)
		return nil, err
	case pkgerrors.IsCode(err, pkgerrors.CodeValidation):
		s.metrics.ObserveInitiation(string(provider.Name()), "invalid", elapsed)
		s.releaseClaim(ctx, order.ID)
		return nil, err
	default:
		s.metrics.ObserveInitiation(string(provider.Name()), "declined", elapsed)
		result, recErr := s.recordDeclined(ctx, order.ID, provider.Name(), key, expected, err)
		if recErr != nil {
			return nil, recErr
		}
		if !pkgerrors.IsCode(err, pkgerrors.CodePaymentDeclined) {
			err = payments.Declined(err.Error(), err)
		}
		return result, err
	}
}

// claimForPayment moves the order to payment processing and returns the
// idempotency key for this attempt.
func (s *service) claimForPayment(ctx context.Context, input InitiatePaymentInput) (*models.Order, string, error) {
	var (
		order *models.Order
		key   string
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ledger.WithTx(tx)
		locked, err := repo.LockOrder(ctx, input.OrderID)
		if err != nil {
			return err
		}
		if locked.BuyerID != input.BuyerID {
			return pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another buyer")
		}
		if locked.OrderStatus != enums.OrderStatusPending {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "order is not awaiting payment").
				WithDetails(map[string]any{"order_status": string(locked.OrderStatus)})
		}
		if locked.PaymentStatus != enums.PaymentStatusPending && locked.PaymentStatus != enums.PaymentStatusFailed {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment already in progress or settled").
				WithDetails(map[string]any{"payment_status": string(locked.PaymentStatus)})
		}
		if _, err := repo.FindOpenAttempt(ctx, locked.ID); err == nil {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "a payment attempt is already open")
		} else if !ledger.IsNotFound(err) {
			return err
		}
		if _, err := ledger.Reacquire(ctx, tx, s.ledger, s.inventory, locked); err != nil {
			return err
		}
		ok, err := repo.TransitionPayment(ctx, locked.ID,
			[]enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusFailed},
			enums.PaymentStatusProcessing, map[string]any{"payment_failure_reason": nil})
		if err != nil {
			return err
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "payment already in progress")
		}
		seq, err := repo.NextAttemptSeq(ctx, locked.ID)
		if err != nil {
			return err
		}
		locked.PaymentStatus = enums.PaymentStatusProcessing
		locked.PaymentAttemptSeq = seq
		order = locked
		key = fmt.Sprintf("%s-%d", locked.ID, seq)
		return nil
	})
	return order, key, err
}

// releaseClaim hands the order back to the buyer after an initiation that
// never reached the provider or never got an answer.
func (s *service) releaseClaim(ctx context.Context, orderID uuid.UUID) {
	_, err := s.ledger.TransitionPayment(ctx, orderID,
		[]enums.PaymentStatus{enums.PaymentStatusProcessing}, enums.PaymentStatusPending, nil)
	if err != nil {
		s.logg.Error(ctx, "failed to release payment claim", err)
	}
}

func (s *service) recordAccepted(ctx context.Context, orderID uuid.UUID, provider enums.PaymentProvider, key string, expected int64, res payments.InitiationResult) (*PaymentResult, error) {
	ref := res.Ref
	if ref == "" {
		ref = key
	}
	var (
		attempt *models.PaymentAttempt
		order   *models.Order
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ledger.WithTx(tx)
		locked, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		// the sweep may have reset a slow initiation
		if locked.PaymentStatus == enums.PaymentStatusPending {
			if _, err := repo.TransitionPayment(ctx, orderID, []enums.PaymentStatus{enums.PaymentStatusPending}, enums.PaymentStatusProcessing, nil); err != nil {
				return err
			}
			locked.PaymentStatus = enums.PaymentStatusProcessing
		}
		attempt, err = s.newAttempt(ctx, repo, locked, provider, ref, expected, res.RedirectURL)
		if err != nil {
			return err
		}
		switch {
		case res.Status == enums.PaymentStatusCompleted:
			if _, err := s.engine.SettleLocked(ctx, tx, locked, attempt, reconciliation.Outcome{
				Status:      enums.PaymentStatusCompleted,
				AmountCents: res.AmountCents,
			}); err != nil {
				return err
			}
		case res.AmountCents != 0 && s.engine.MismatchedAmount(expected, res.AmountCents):
			// the provider is collecting something other than the order total
			if _, err := s.engine.SettleLocked(ctx, tx, locked, attempt, reconciliation.Outcome{
				Status:      enums.PaymentStatusFailed,
				Reason:      enums.FailureReasonAmountMismatch,
				AmountCents: res.AmountCents,
				Detail:      "provider accepted a different amount",
			}); err != nil {
				return err
			}
		}
		order = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithField(ctx, "provider_ref", ref), "payment attempt opened")
	return paymentResult(order, attempt), nil
}

func (s *service) recordDeclined(ctx context.Context, orderID uuid.UUID, provider enums.PaymentProvider, key string, expected int64, cause error) (*PaymentResult, error) {
	var (
		attempt *models.PaymentAttempt
		order   *models.Order
	)
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.ledger.WithTx(tx)
		locked, err := repo.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		attempt, err = s.newAttempt(ctx, repo, locked, provider, key, expected, "")
		if err != nil {
			return err
		}
		if _, err := s.engine.SettleLocked(ctx, tx, locked, attempt, reconciliation.Outcome{
			Status: enums.PaymentStatusFailed,
			Reason: enums.FailureReasonProviderDeclined,
			Detail: cause.Error(),
		}); err != nil {
			return err
		}
		order = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Warn(ctx, fmt.Sprintf("payment declined at initiation: %v", cause))
	return paymentResult(order, attempt), nil
}

func (s *service) newAttempt(ctx context.Context, repo ledger.Repository, order *models.Order, provider enums.PaymentProvider, ref string, amountCents int64, redirectURL string) (*models.PaymentAttempt, error) {
	attempt := &models.PaymentAttempt{
		OrderID:                order.ID,
		Provider:               provider,
		ProviderTransactionRef: ref,
		AmountCents:            amountCents,
		Currency:               order.Currency,
		Status:                 enums.PaymentStatusProcessing,
	}
	if redirectURL != "" {
		attempt.RedirectURL = &redirectURL
	}
	if err := repo.CreateAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	return attempt, nil
}

// ConfirmPayment asks the provider for the attempt's outcome, capturing first
// where the provider requires it, and applies the answer.
func (s *service) ConfirmPayment(ctx context.Context, orderID, buyerID uuid.UUID) (*PaymentStatusView, error) {
	ctx = s.logg.WithOrderID(ctx, orderID.String())
	order, err := s.ledger.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != buyerID {
		return nil, pkgerrors.New(pkgerrors.CodeForbidden, "order belongs to another buyer")
	}
	if order.PaymentStatus == enums.PaymentStatusCompleted {
		return s.statusView(ctx, order)
	}
	attempt, err := s.ledger.FindOpenAttempt(ctx, orderID)
	if err != nil {
		if ledger.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no payment awaiting confirmation")
		}
		return nil, err
	}
	provider, err := s.registry.Provider(attempt.Provider)
	if err != nil {
		return nil, err
	}

	var status payments.ProviderStatus
	if capturer, ok := provider.(payments.Capturer); ok {
		status, err = capturer.Capture(ctx, attempt.ProviderTransactionRef)
	} else {
		status, err = provider.Verify(ctx, attempt.ProviderTransactionRef)
	}
	switch {
	case err == nil:
	case payments.IsDeclined(err):
		status = payments.ProviderStatus{
			Ref:        attempt.ProviderTransactionRef,
			Status:     enums.PaymentStatusFailed,
			ResultCode: "confirm_declined",
			Reason:     err.Error(),
		}
	case payments.IsTransient(err):
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "payment provider unavailable")
	default:
		return nil, err
	}
	if status.Ref == "" {
		status.Ref = attempt.ProviderTransactionRef
	}

	ack, err := s.engine.ApplyStatus(ctx, attempt.Provider, status)
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithField(ctx, "outcome", string(ack.Outcome)), "payment confirmation processed")

	order, err = s.ledger.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.statusView(ctx, order)
}

func paymentResult(order *models.Order, attempt *models.PaymentAttempt) *PaymentResult {
	return &PaymentResult{
		OrderID:       order.ID,
		AttemptID:     attempt.ID,
		Provider:      attempt.Provider,
		Status:        attempt.Status,
		AmountCents:   attempt.AmountCents,
		Currency:      attempt.Currency,
		RedirectURL:   attempt.RedirectURL,
		FailureReason: attempt.FailureReason,
	}
}

func deliveryPhone(order *models.Order) string {
	var addr Address
	if err := json.Unmarshal(order.DeliveryAddress, &addr); err != nil {
		return ""
	}
	return addr.Phone
}
