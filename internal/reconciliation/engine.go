// Package reconciliation applies provider payment outcomes to orders exactly
// once. Callbacks, synchronous card results, buyer confirmations and the
// timeout sweep all settle through the same guarded transition.
package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/inventory"
	"github.com/angelmondragon/marketplace-backend/internal/ledger"
	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
	"github.com/angelmondragon/marketplace-backend/pkg/metrics"
	"github.com/angelmondragon/marketplace-backend/pkg/outbox"
)

// AckOutcome is how a callback was acknowledged.
type AckOutcome string

const (
	AckApplied   AckOutcome = "applied"
	AckDuplicate AckOutcome = "duplicate"
	AckOrphaned  AckOutcome = "orphaned"
	AckNoop      AckOutcome = "noop"
	AckIgnored   AckOutcome = "ignored"
)

// Ack is returned to the webhook controller. Every outcome is a 2xx.
type Ack struct {
	Outcome   AckOutcome          `json:"outcome"`
	Status    enums.PaymentStatus `json:"status,omitempty"`
	OrderID   *uuid.UUID          `json:"order_id,omitempty"`
	AttemptID *uuid.UUID          `json:"attempt_id,omitempty"`
}

// Outcome is a terminal result to apply to an open attempt.
type Outcome struct {
	Status      enums.PaymentStatus
	AmountCents int64
	Reason      enums.PaymentFailureReason
	Detail      string
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type emitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type notifier interface {
	NotifyOrder(ctx context.Context, tx *gorm.DB, kind enums.NotificationKind, order *models.Order, reason string) error
}

type payoutRecorder interface {
	Record(ctx context.Context, tx *gorm.DB, order *models.Order) (*models.PayoutLedgerEntry, error)
}

// EngineParams wires the engine.
type EngineParams struct {
	DB        txRunner
	Ledger    ledger.Repository
	Receipts  *ReceiptRepository
	Reviews   *Reviews
	Inventory inventory.Service
	Notifier  notifier
	Payouts   payoutRecorder
	Registry  *payments.Registry
	Logger    *logger.Logger
	// Guard and Metrics are optional.
	Guard   *Guard
	Metrics *metrics.PaymentMetrics

	AmountToleranceCents int64
}

// Engine is the webhook reconciliation engine.
type Engine struct {
	db        txRunner
	ledger    ledger.Repository
	receipts  *ReceiptRepository
	reviews   *Reviews
	inventory inventory.Service
	notifier  notifier
	payouts   payoutRecorder
	registry  *payments.Registry
	guard     *Guard
	metrics   *metrics.PaymentMetrics
	logg      *logger.Logger
	tolerance int64
	now       func() time.Time
}

func NewEngine(params EngineParams) (*Engine, error) {
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Ledger == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.Receipts == nil {
		return nil, fmt.Errorf("receipt repository required")
	}
	if params.Reviews == nil {
		return nil, fmt.Errorf("review queue required")
	}
	if params.Inventory == nil {
		return nil, fmt.Errorf("inventory service required")
	}
	if params.Notifier == nil {
		return nil, fmt.Errorf("notifier required")
	}
	if params.Payouts == nil {
		return nil, fmt.Errorf("payout recorder required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("provider registry required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.AmountToleranceCents < 0 {
		return nil, fmt.Errorf("amount tolerance must be non-negative")
	}
	return &Engine{
		db:        params.DB,
		ledger:    params.Ledger,
		receipts:  params.Receipts,
		reviews:   params.Reviews,
		inventory: params.Inventory,
		notifier:  params.Notifier,
		payouts:   params.Payouts,
		registry:  params.Registry,
		guard:     params.Guard,
		metrics:   params.Metrics,
		logg:      params.Logger,
		tolerance: params.AmountToleranceCents,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// HandleCallback parses a raw provider body and applies it.
func (e *Engine) HandleCallback(ctx context.Context, provider enums.PaymentProvider, raw []byte) (Ack, error) {
	parser, err := e.registry.Parser(provider)
	if err != nil {
		return Ack{}, err
	}
	cb, err := parser.ParseCallback(raw)
	if err != nil {
		e.metrics.IncCallback(string(provider), "invalid")
		if pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
			return Ack{}, err
		}
		return Ack{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unparseable callback")
	}
	return e.Apply(ctx, provider, cb, raw)
}

// ApplyStatus feeds a provider status obtained by Verify, Capture or a
// synchronous initiation through the callback path.
func (e *Engine) ApplyStatus(ctx context.Context, provider enums.PaymentProvider, status payments.ProviderStatus) (Ack, error) {
	code := status.ResultCode
	if code == "" {
		code = string(status.Status)
	}
	return e.Apply(ctx, provider, payments.Callback{
		Ref:         status.Ref,
		ResultCode:  code,
		Status:      status.Status,
		AmountCents: status.AmountCents,
		Reason:      status.Reason,
	}, nil)
}

// Apply runs a parsed callback through dedup, attempt matching and settlement.
func (e *Engine) Apply(ctx context.Context, provider enums.PaymentProvider, cb payments.Callback, raw []byte) (Ack, error) {
	ctx = e.logg.WithProvider(ctx, string(provider))
	ctx = e.logg.WithFields(ctx, map[string]any{"provider_ref": cb.Ref, "result_code": cb.ResultCode})

	if !cb.Conclusive() {
		e.logg.Debug(ctx, "non-conclusive callback acknowledged")
		return e.ack(provider, Ack{Outcome: AckIgnored}), nil
	}
	if cb.Ref == "" {
		return Ack{}, pkgerrors.New(pkgerrors.CodeValidation, "callback carries no transaction reference")
	}

	seen, err := e.guard.CheckAndMark(ctx, provider, cb.Ref, cb.ResultCode)
	if err != nil {
		e.logg.Warn(ctx, fmt.Sprintf("webhook guard unavailable: %v", err))
	}
	if seen {
		return e.ack(provider, Ack{Outcome: AckDuplicate}), nil
	}
	marked := err == nil && e.guard != nil

	ack, err := e.apply(ctx, provider, cb, raw)
	if marked && (err != nil || ack.Outcome == AckOrphaned) {
		if delErr := e.guard.Delete(ctx, provider, cb.Ref, cb.ResultCode); delErr != nil {
			e.logg.Warn(ctx, fmt.Sprintf("clear webhook guard: %v", delErr))
		}
	}
	if err != nil {
		e.logg.Error(ctx, "apply callback failed", err)
		return Ack{}, err
	}
	return e.ack(provider, ack), nil
}

func (e *Engine) apply(ctx context.Context, provider enums.PaymentProvider, cb payments.Callback, raw []byte) (Ack, error) {
	exists, err := e.receipts.Exists(ctx, provider, cb.Ref, cb.ResultCode)
	if err != nil {
		return Ack{}, err
	}
	if exists {
		return Ack{Outcome: AckDuplicate}, nil
	}

	attempt, err := e.ledger.FindAttemptByRef(ctx, provider, cb.Ref)
	if err != nil {
		if ledger.IsNotFound(err) {
			e.logg.Warn(ctx, "callback matches no payment attempt")
			return Ack{Outcome: AckOrphaned}, nil
		}
		return Ack{}, err
	}
	ctx = e.logg.WithOrderID(ctx, attempt.OrderID.String())
	receipt := e.receipt(provider, cb, raw)

	if isTerminal(attempt.Status) {
		return e.resolved(ctx, attempt, cb, receipt)
	}

	outcome := Outcome{Status: cb.Status, AmountCents: cb.AmountCents, Detail: cb.Reason}
	if cb.Status == enums.PaymentStatusFailed {
		outcome.Reason = enums.FailureReasonProviderDeclined
	}
	if outcome.Status == enums.PaymentStatusCompleted && outcome.AmountCents <= 0 {
		outcome.AmountCents, err = e.collectedAmount(ctx, provider, attempt)
		if err != nil {
			return Ack{}, err
		}
	}

	var applied bool
	var final enums.PaymentStatus
	err = e.db.WithTx(ctx, func(tx *gorm.DB) error {
		repo := e.ledger.WithTx(tx)
		order, err := repo.LockOrder(ctx, attempt.OrderID)
		if err != nil {
			return err
		}
		// a cancel may have voided the attempt while we waited for the lock
		current, err := repo.FindAttempt(ctx, attempt.ID)
		if err != nil {
			return err
		}
		if isTerminal(current.Status) {
			*attempt = *current
			receipt.Outcome = string(AckNoop)
			if cb.Status == enums.PaymentStatusCompleted && voidedByCancel(attempt) {
				if err := e.flagPaidAfterCancel(ctx, tx, attempt, outcome.AmountCents); err != nil {
					return err
				}
			}
			return e.receipts.WithTx(tx).Create(ctx, receipt)
		}
		applied, final, err = e.settle(ctx, tx, order, attempt, outcome)
		if err != nil {
			return err
		}
		receipt.Outcome = string(AckNoop)
		if applied {
			receipt.Outcome = string(AckApplied)
		}
		return e.receipts.WithTx(tx).Create(ctx, receipt)
	})
	if errors.Is(err, ErrDuplicateReceipt) {
		return Ack{Outcome: AckDuplicate}, nil
	}
	if err != nil {
		return Ack{}, err
	}
	if !applied {
		return ackFor(AckNoop, attempt), nil
	}
	ack := ackFor(AckApplied, attempt)
	ack.Status = final
	return ack, nil
}

// resolved acknowledges a callback for an attempt that is already terminal.
// A success for an attempt voided by a cancel means money moved after the
// order was closed, so it lands in the review queue.
func (e *Engine) resolved(ctx context.Context, attempt *models.PaymentAttempt, cb payments.Callback, receipt *models.WebhookReceipt) (Ack, error) {
	receipt.Outcome = string(AckNoop)
	if cb.Status != enums.PaymentStatusCompleted || !voidedByCancel(attempt) {
		if err := e.receipts.Create(ctx, receipt); err != nil && !errors.Is(err, ErrDuplicateReceipt) {
			return Ack{}, err
		}
		e.logg.Info(ctx, "callback for resolved attempt acknowledged")
		return ackFor(AckNoop, attempt), nil
	}

	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := e.receipts.WithTx(tx).Create(ctx, receipt); err != nil {
			return err
		}
		return e.flagPaidAfterCancel(ctx, tx, attempt, cb.AmountCents)
	})
	if errors.Is(err, ErrDuplicateReceipt) {
		return Ack{Outcome: AckDuplicate}, nil
	}
	if err != nil {
		return Ack{}, err
	}
	return ackFor(AckNoop, attempt), nil
}

func (e *Engine) flagPaidAfterCancel(ctx context.Context, tx *gorm.DB, attempt *models.PaymentAttempt, receivedCents int64) error {
	details := map[string]any{"provider": string(attempt.Provider), "provider_ref": attempt.ProviderTransactionRef}
	if _, err := e.reviews.Flag(ctx, tx, attempt, enums.ReviewReasonPaidAfterCancel, receivedCents, details); err != nil {
		return err
	}
	e.metrics.IncReviewFlag(string(enums.ReviewReasonPaidAfterCancel))
	return nil
}

// collectedAmount asks the provider what it settled when a success arrived
// without an amount. Zero means the provider would not say, which settle
// treats as a mismatch.
func (e *Engine) collectedAmount(ctx context.Context, provider enums.PaymentProvider, attempt *models.PaymentAttempt) (int64, error) {
	p, err := e.registry.Provider(provider)
	if err != nil {
		return 0, nil
	}
	status, err := p.Verify(ctx, attempt.ProviderTransactionRef)
	if err != nil {
		if payments.IsTransient(err) {
			return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "verify settled amount")
		}
		e.logg.Warn(ctx, fmt.Sprintf("verify settled amount: %v", err))
		return 0, nil
	}
	if status.Status != enums.PaymentStatusCompleted {
		return 0, nil
	}
	return status.AmountCents, nil
}

// MismatchedAmount reports whether received is outside the tolerance around
// expected. A missing amount never matches.
func (e *Engine) MismatchedAmount(expected, received int64) bool {
	return received <= 0 || abs(received-expected) > e.tolerance
}

// SettleLocked applies outcome to an open attempt on tx. The caller must hold
// the order row lock. It reports false when the attempt was already resolved.
func (e *Engine) SettleLocked(ctx context.Context, tx *gorm.DB, order *models.Order, attempt *models.PaymentAttempt, outcome Outcome) (bool, error) {
	applied, _, err := e.settle(ctx, tx, order, attempt, outcome)
	return applied, err
}

func (e *Engine) settle(ctx context.Context, tx *gorm.DB, order *models.Order, attempt *models.PaymentAttempt, outcome Outcome) (bool, enums.PaymentStatus, error) {
	status := outcome.Status
	reason := outcome.Reason
	if status == enums.PaymentStatusCompleted && e.MismatchedAmount(attempt.AmountCents, outcome.AmountCents) {
		status = enums.PaymentStatusFailed
		reason = enums.FailureReasonAmountMismatch
	}
	mismatch := reason == enums.FailureReasonAmountMismatch
	if status == enums.PaymentStatusFailed && reason == "" {
		reason = enums.FailureReasonProviderDeclined
	}

	var reasonPtr *string
	if status == enums.PaymentStatusFailed {
		r := string(reason)
		reasonPtr = &r
	}
	now := e.now()
	repo := e.ledger.WithTx(tx)
	ok, err := repo.ResolveAttempt(ctx, attempt.ID, status, reasonPtr, now)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "", nil
	}
	attempt.Status = status
	attempt.FailureReason = reasonPtr
	attempt.ResolvedAt = &now

	switch status {
	case enums.PaymentStatusCompleted:
		err = e.complete(ctx, tx, repo, order, attempt, outcome)
	case enums.PaymentStatusFailed:
		err = e.fail(ctx, tx, repo, order, attempt, outcome, reason, mismatch)
	default:
		err = pkgerrors.New(pkgerrors.CodeInvariantViolation, fmt.Sprintf("cannot settle attempt as %s", status))
	}
	if err != nil {
		return false, "", err
	}
	e.metrics.IncSettlement(string(attempt.Provider), string(status))
	return true, status, nil
}

func (e *Engine) complete(ctx context.Context, tx *gorm.DB, repo ledger.Repository, order *models.Order, attempt *models.PaymentAttempt, outcome Outcome) error {
	from := []enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusProcessing, enums.PaymentStatusFailed}
	ok, err := repo.TransitionPayment(ctx, order.ID, from, enums.PaymentStatusCompleted, map[string]any{"payment_failure_reason": nil})
	if err != nil {
		return err
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeInvariantViolation, "order payment already settled while attempt was open").
			WithDetails(map[string]any{"order_id": order.ID.String(), "payment_status": string(order.PaymentStatus)})
	}
	order.PaymentStatus = enums.PaymentStatusCompleted
	order.PaymentFailureReason = nil

	if order.OrderStatus == enums.OrderStatusCancelled {
		return e.flagPaidAfterCancel(ctx, tx, attempt, outcome.AmountCents)
	}

	moved, err := repo.TransitionOrder(ctx, order.ID, []enums.OrderStatus{enums.OrderStatusPending}, enums.OrderStatusProcessing, nil)
	if err != nil {
		return err
	}
	if moved {
		order.OrderStatus = enums.OrderStatusProcessing
	}
	if _, err := e.payouts.Record(ctx, tx, order); err != nil {
		return err
	}
	if err := e.notifier.NotifyOrder(ctx, tx, enums.NotificationPaymentConfirmed, order, ""); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue payment confirmation")
	}
	e.logg.Info(ctx, "payment completed")
	return nil
}

func (e *Engine) fail(ctx context.Context, tx *gorm.DB, repo ledger.Repository, order *models.Order, attempt *models.PaymentAttempt, outcome Outcome, reason enums.PaymentFailureReason, mismatch bool) error {
	r := string(reason)
	from := []enums.PaymentStatus{enums.PaymentStatusPending, enums.PaymentStatusProcessing}
	if _, err := repo.TransitionPayment(ctx, order.ID, from, enums.PaymentStatusFailed, map[string]any{"payment_failure_reason": r}); err != nil {
		return err
	}
	order.PaymentStatus = enums.PaymentStatusFailed
	order.PaymentFailureReason = &r

	if _, err := ledger.ReleaseReservation(ctx, tx, repo, e.inventory, order); err != nil {
		return err
	}
	if mismatch {
		details := map[string]any{"provider": string(attempt.Provider), "provider_ref": attempt.ProviderTransactionRef}
		if _, err := e.reviews.Flag(ctx, tx, attempt, enums.ReviewReasonAmountMismatch, outcome.AmountCents, details); err != nil {
			return err
		}
		e.metrics.IncReviewFlag(string(enums.ReviewReasonAmountMismatch))
	}
	if order.OrderStatus != enums.OrderStatusCancelled {
		if err := e.notifier.NotifyOrder(ctx, tx, enums.NotificationPaymentFailed, order, r); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue payment failure")
		}
	}
	e.logg.Info(e.logg.WithField(ctx, "reason", r), "payment failed")
	return nil
}

func (e *Engine) receipt(provider enums.PaymentProvider, cb payments.Callback, raw []byte) *models.WebhookReceipt {
	var payload json.RawMessage
	if len(raw) > 0 && json.Valid(raw) {
		payload = json.RawMessage(raw)
	}
	return &models.WebhookReceipt{
		Provider:               provider,
		ProviderTransactionRef: cb.Ref,
		ResultCode:             cb.ResultCode,
		Payload:                payload,
		ReceivedAt:             e.now(),
	}
}

func (e *Engine) ack(provider enums.PaymentProvider, ack Ack) Ack {
	e.metrics.IncCallback(string(provider), string(ack.Outcome))
	return ack
}

func ackFor(outcome AckOutcome, attempt *models.PaymentAttempt) Ack {
	orderID := attempt.OrderID
	attemptID := attempt.ID
	return Ack{Outcome: outcome, Status: attempt.Status, OrderID: &orderID, AttemptID: &attemptID}
}

func voidedByCancel(attempt *models.PaymentAttempt) bool {
	return attempt.Status == enums.PaymentStatusFailed && attempt.FailureReason != nil &&
		*attempt.FailureReason == string(enums.FailureReasonOrderCancelled)
}

func isTerminal(status enums.PaymentStatus) bool {
	for _, open := range enums.OpenPaymentStatuses {
		if status == open {
			return false
		}
	}
	return true
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
