package reconciliation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

// SweepResult counts what one timeout sweep did.
type SweepResult struct {
	Scanned   int
	Completed int
	Failed    int
	TimedOut  int
	Deferred  int
	Reset     int
}

// SweepTimeouts resolves attempts left open longer than window. Each one is
// verified with its provider once; a conclusive answer is applied as if it
// were a callback, anything else fails the attempt with reason timeout.
// Transient verification errors defer the attempt to the next run.
func (e *Engine) SweepTimeouts(ctx context.Context, window time.Duration, limit int) (SweepResult, error) {
	var result SweepResult
	cutoff := e.now().Add(-window)

	attempts, err := e.ledger.ListStaleAttempts(ctx, cutoff, limit)
	if err != nil {
		return result, err
	}
	var errs error
	for i := range attempts {
		attempt := &attempts[i]
		result.Scanned++
		attemptCtx := e.logg.WithOrderID(e.logg.WithProvider(ctx, string(attempt.Provider)), attempt.OrderID.String())

		status, verified := e.verify(attemptCtx, attempt)
		if !verified {
			result.Deferred++
			continue
		}
		if status.Conclusive() {
			ack, err := e.ApplyStatus(attemptCtx, attempt.Provider, status.ProviderStatus)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("apply verified status for %s: %w", attempt.ID, err))
				continue
			}
			if ack.Outcome == AckApplied {
				if ack.Status == enums.PaymentStatusCompleted {
					result.Completed++
				} else {
					result.Failed++
				}
			}
			continue
		}

		applied, err := e.expire(attemptCtx, attempt)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire attempt %s: %w", attempt.ID, err))
			continue
		}
		if applied {
			result.TimedOut++
		}
	}

	reset, err := e.ResetStuckOrders(ctx, cutoff, limit)
	result.Reset = reset
	errs = multierr.Append(errs, err)
	return result, errs
}

type verifiedStatus struct {
	payments.ProviderStatus
}

func (v verifiedStatus) Conclusive() bool {
	return v.Status == enums.PaymentStatusCompleted || v.Status == enums.PaymentStatusFailed
}

func (e *Engine) verify(ctx context.Context, attempt *models.PaymentAttempt) (verifiedStatus, bool) {
	provider, err := e.registry.Provider(attempt.Provider)
	if err != nil {
		e.logg.Warn(ctx, "provider not configured; expiring attempt without verification")
		return verifiedStatus{}, true
	}
	status, err := provider.Verify(ctx, attempt.ProviderTransactionRef)
	if err != nil {
		if payments.IsTransient(err) {
			e.logg.Warn(ctx, fmt.Sprintf("verify deferred: %v", err))
			return verifiedStatus{}, false
		}
		e.logg.Warn(ctx, fmt.Sprintf("verify failed: %v", err))
		return verifiedStatus{}, true
	}
	if status.Ref == "" {
		status.Ref = attempt.ProviderTransactionRef
	}
	return verifiedStatus{ProviderStatus: status}, true
}

func (e *Engine) expire(ctx context.Context, attempt *models.PaymentAttempt) (bool, error) {
	var applied bool
	err := e.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := e.ledger.WithTx(tx).LockOrder(ctx, attempt.OrderID)
		if err != nil {
			return err
		}
		applied, err = e.SettleLocked(ctx, tx, order, attempt, Outcome{
			Status: enums.PaymentStatusFailed,
			Reason: enums.FailureReasonTimeout,
		})
		return err
	})
	return applied, err
}

// ResetStuckOrders returns orders left in payment processing with no open
// attempt to pending so the buyer can retry.
func (e *Engine) ResetStuckOrders(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	orders, err := e.ledger.ListStuckProcessingOrders(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	reset := 0
	for _, order := range orders {
		ok, err := e.ledger.TransitionPayment(ctx, order.ID,
			[]enums.PaymentStatus{enums.PaymentStatusProcessing}, enums.PaymentStatusPending, nil)
		if err != nil {
			return reset, err
		}
		if ok {
			reset++
			e.logg.Warn(e.logg.WithOrderID(ctx, order.ID.String()), "reset order stuck in payment processing")
		}
	}
	return reset, nil
}

// PurgeReceipts deletes webhook receipts older than retention.
func (e *Engine) PurgeReceipts(ctx context.Context, retention time.Duration) (int64, error) {
	return e.receipts.DeleteBefore(ctx, e.now().Add(-retention))
}
