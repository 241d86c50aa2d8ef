package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/pkg/db/dbtest"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

func (h *harness) ageAttempt(t *testing.T, id uuid.UUID, by time.Duration) {
	t.Helper()
	require.NoError(t, h.client.DB().Model(&models.PaymentAttempt{}).Where("id = ?", id).
		Update("created_at", time.Now().UTC().Add(-by)).Error)
}

func TestSweepTimesOutUnconfirmedAttempts(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_stale")
	h.ageAttempt(t, s.attempt.ID, time.Hour)

	result, err := h.engine.SweepTimeouts(context.Background(), 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.TimedOut)

	attempt := h.attempt(t, "ws_CO_stale")
	assert.Equal(t, enums.PaymentStatusFailed, attempt.Status)
	require.NotNil(t, attempt.FailureReason)
	assert.Equal(t, string(enums.FailureReasonTimeout), *attempt.FailureReason)
	assert.Equal(t, 4, dbtest.Stock(t, h.client, s.product.ID))
}

func TestSweepSkipsFreshAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "ws_CO_fresh")

	result, err := h.engine.SweepTimeouts(context.Background(), 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, result.Scanned)
	assert.Equal(t, enums.PaymentStatusProcessing, h.attempt(t, "ws_CO_fresh").Status)
}

func TestSweepSettlesVerifiedPayments(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_paid")
	h.ageAttempt(t, s.attempt.ID, time.Hour)
	h.provider.verify = func(ref string) (payments.ProviderStatus, error) {
		return payments.ProviderStatus{Ref: ref, Status: enums.PaymentStatusCompleted, ResultCode: "0", AmountCents: s.order.TotalCents}, nil
	}

	result, err := h.engine.SweepTimeouts(context.Background(), 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, enums.PaymentStatusCompleted, dbtest.Reload(t, h.client, s.order.ID).PaymentStatus)
	assert.Equal(t, int64(1), h.count(t, &models.PayoutLedgerEntry{}, ""))

	// the provider's own callback arriving afterwards is a duplicate
	ack, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("ws_CO_paid", "0", enums.PaymentStatusCompleted, s.order.TotalCents))
	require.NoError(t, err)
	assert.Equal(t, AckDuplicate, ack.Outcome)
}

func TestSweepDefersOnTransientVerifyError(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_flaky")
	h.ageAttempt(t, s.attempt.ID, time.Hour)
	h.provider.verify = func(string) (payments.ProviderStatus, error) {
		return payments.ProviderStatus{}, payments.Transient(errors.New("gateway timeout"))
	}

	result, err := h.engine.SweepTimeouts(context.Background(), 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)
	assert.Equal(t, enums.PaymentStatusProcessing, h.attempt(t, "ws_CO_flaky").Status)
}

func TestSweepExpiresOnPermanentVerifyError(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_unknown")
	h.ageAttempt(t, s.attempt.ID, time.Hour)
	h.provider.verify = func(string) (payments.ProviderStatus, error) {
		return payments.ProviderStatus{}, errors.New("unknown checkout request")
	}

	result, err := h.engine.SweepTimeouts(context.Background(), 15*time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, result.Deferred)
	assert.Equal(t, 1, result.TimedOut)
	attempt := h.attempt(t, "ws_CO_unknown")
	assert.Equal(t, enums.PaymentStatusFailed, attempt.Status)
	require.NotNil(t, attempt.FailureReason)
	assert.Equal(t, string(enums.FailureReasonTimeout), *attempt.FailureReason)
}

func TestResetStuckOrdersWithoutOpenAttempt(t *testing.T) {
	h := newHarness(t, nil)
	product := dbtest.SeedProduct(t, h.client, dbtest.ProductFixture{PriceCents: 1000, Stock: 3})
	order := dbtest.SeedOrder(t, h.client, dbtest.OrderFixture{Product: product})
	require.NoError(t, h.client.DB().Exec(
		"UPDATE orders SET payment_status = ?, updated_at = ? WHERE id = ?",
		enums.PaymentStatusProcessing, time.Now().UTC().Add(-time.Hour), order.ID,
	).Error)

	reset, err := h.engine.ResetStuckOrders(context.Background(), time.Now().UTC().Add(-15*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)
	assert.Equal(t, enums.PaymentStatusPending, dbtest.Reload(t, h.client, order.ID).PaymentStatus)
}

func TestPurgeReceiptsHonoursRetention(t *testing.T) {
	h := newHarness(t, nil)
	old := models.WebhookReceipt{Provider: enums.PaymentProviderMPesa, ProviderTransactionRef: "old", ResultCode: "0", Outcome: "applied", ReceivedAt: time.Now().UTC().Add(-31 * 24 * time.Hour)}
	fresh := models.WebhookReceipt{Provider: enums.PaymentProviderMPesa, ProviderTransactionRef: "fresh", ResultCode: "0", Outcome: "applied", ReceivedAt: time.Now().UTC()}
	require.NoError(t, h.client.DB().Create(&old).Error)
	require.NoError(t, h.client.DB().Create(&fresh).Error)

	deleted, err := h.engine.PurgeReceipts(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, int64(1), h.count(t, &models.WebhookReceipt{}, ""))
}
