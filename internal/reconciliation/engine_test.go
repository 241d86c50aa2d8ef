package reconciliation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/marketplace-backend/internal/inventory"
	"github.com/angelmondragon/marketplace-backend/internal/ledger"
	"github.com/angelmondragon/marketplace-backend/internal/notifications"
	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/internal/payouts"
	"github.com/angelmondragon/marketplace-backend/pkg/db"
	"github.com/angelmondragon/marketplace-backend/pkg/db/dbtest"
	"github.com/angelmondragon/marketplace-backend/pkg/db/models"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
	"github.com/angelmondragon/marketplace-backend/pkg/outbox"
)

type fakeProvider struct {
	verify func(ref string) (payments.ProviderStatus, error)
}

func (f *fakeProvider) Name() enums.PaymentProvider { return enums.PaymentProviderMPesa }

func (f *fakeProvider) Initiate(context.Context, payments.InitiationRequest) (payments.InitiationResult, error) {
	return payments.InitiationResult{}, errors.New("not used")
}

func (f *fakeProvider) Verify(_ context.Context, ref string) (payments.ProviderStatus, error) {
	if f.verify == nil {
		return payments.ProviderStatus{Ref: ref, Status: enums.PaymentStatusProcessing}, nil
	}
	return f.verify(ref)
}

type fakeCallback struct {
	Ref    string `json:"ref"`
	Code   string `json:"code"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

func (f *fakeProvider) ParseCallback(payload []byte) (payments.Callback, error) {
	var cb fakeCallback
	if err := json.Unmarshal(payload, &cb); err != nil {
		return payments.Callback{}, err
	}
	return payments.Callback{Ref: cb.Ref, ResultCode: cb.Code, Status: enums.PaymentStatus(cb.Status), AmountCents: cb.Amount}, nil
}

func callback(ref, code string, status enums.PaymentStatus, amount int64) []byte {
	return []byte(fmt.Sprintf(`{"ref":%q,"code":%q,"status":%q,"amount":%d}`, ref, code, status, amount))
}

type harness struct {
	client   *db.Client
	engine   *Engine
	reviews  *Reviews
	ledger   ledger.Repository
	provider *fakeProvider
	logs     *bytes.Buffer
}

func newHarness(t *testing.T, guard *Guard) *harness {
	t.Helper()
	client := dbtest.Open(t)
	logs := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "test", Level: logger.ParseLevel("debug"), Output: logs})
	out := outbox.NewService(outbox.NewRepository(client.DB()), nil)

	notifier, err := notifications.NewNotifier(out)
	require.NoError(t, err)
	payoutSvc, err := payouts.NewService(payouts.NewRepository(client.DB()), out, nil)
	require.NoError(t, err)
	reviews, err := NewReviews(NewReviewRepository(client.DB()), out, logg)
	require.NoError(t, err)

	provider := &fakeProvider{}
	repo := ledger.NewRepository(client.DB())
	engine, err := NewEngine(EngineParams{
		DB:                   client,
		Ledger:               repo,
		Receipts:             NewReceiptRepository(client.DB()),
		Reviews:              reviews,
		Inventory:            inventory.NewService(),
		Notifier:             notifier,
		Payouts:              payoutSvc,
		Registry:             payments.NewRegistry(provider),
		Logger:               logg,
		Guard:                guard,
		AmountToleranceCents: 1,
	})
	require.NoError(t, err)
	return &harness{client: client, engine: engine, reviews: reviews, ledger: repo, provider: provider, logs: logs}
}

type seeded struct {
	product models.Product
	order   models.Order
	attempt models.PaymentAttempt
}

func (h *harness) seed(t *testing.T, ref string) seeded {
	t.Helper()
	product := dbtest.SeedProduct(t, h.client, dbtest.ProductFixture{PriceCents: 50000, Stock: 4})
	order := dbtest.SeedOrder(t, h.client, dbtest.OrderFixture{Product: product, Quantity: 2, CommissionCents: 10000})
	attempt := dbtest.SeedAttempt(t, h.client, order, ref)
	return seeded{product: product, order: order, attempt: attempt}
}

func (h *harness) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := h.client.DB().Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func (h *harness) notificationKinds(t *testing.T) []enums.NotificationKind {
	t.Helper()
	var rows []models.OutboxEvent
	require.NoError(t, h.client.DB().Where("event_type = ?", enums.EventNotificationRequested).Order("created_at ASC").Find(&rows).Error)
	kinds := make([]enums.NotificationKind, 0, len(rows))
	for _, row := range rows {
		var env outbox.PayloadEnvelope
		require.NoError(t, json.Unmarshal(row.Payload, &env))
		var data struct {
			Kind enums.NotificationKind `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(env.Data, &data))
		kinds = append(kinds, data.Kind)
	}
	return kinds
}

func (h *harness) attempt(t *testing.T, ref string) *models.PaymentAttempt {
	t.Helper()
	got, err := h.ledger.FindAttemptByRef(context.Background(), enums.PaymentProviderMPesa, ref)
	require.NoError(t, err)
	return got
}

func TestSuccessfulCallbackSettlesOrder(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_ok")

	ack, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("ws_CO_ok", "0", enums.PaymentStatusCompleted, s.order.TotalCents))
	require.NoError(t, err)
	assert.Equal(t, AckApplied, ack.Outcome)
	assert.Equal(t, enums.PaymentStatusCompleted, ack.Status)

	order := dbtest.Reload(t, h.client, s.order.ID)
	assert.Equal(t, enums.PaymentStatusCompleted, order.PaymentStatus)
	assert.Equal(t, enums.OrderStatusProcessing, order.OrderStatus)
	assert.True(t, order.StockReserved)
	assert.Equal(t, 2, dbtest.Stock(t, h.client, s.product.ID))
	assert.Equal(t, enums.PaymentStatusCompleted, h.attempt(t, "ws_CO_ok").Status)

	var entry models.PayoutLedgerEntry
	require.NoError(t, h.client.DB().Where("order_id = ?", s.order.ID).Take(&entry).Error)
	assert.Equal(t, s.order.TotalCents, entry.GrossCents)
	assert.Equal(t, int64(10000), entry.CommissionCents)
	assert.Equal(t, s.order.TotalCents-10000, entry.NetCents)

	assert.Equal(t, int64(1), h.count(t, &models.WebhookReceipt{}, "outcome = ?", "applied"))
	assert.Equal(t, []enums.NotificationKind{enums.NotificationPaymentConfirmed}, h.notificationKinds(t))
}

func TestFailedCallbackReleasesStock(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_fail")
	require.Equal(t, 2, dbtest.Stock(t, h.client, s.product.ID))

	ack, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("ws_CO_fail", "1032", enums.PaymentStatusFailed, 0))
	require.NoError(t, err)
	assert.Equal(t, AckApplied, ack.Outcome)

	order := dbtest.Reload(t, h.client, s.order.ID)
	assert.Equal(t, enums.PaymentStatusFailed, order.PaymentStatus)
	assert.Equal(t, enums.OrderStatusPending, order.OrderStatus)
	require.NotNil(t, order.PaymentFailureReason)
	assert.Equal(t, string(enums.FailureReasonProviderDeclined), *order.PaymentFailureReason)
	assert.False(t, order.StockReserved)
	assert.Equal(t, 4, dbtest.Stock(t, h.client, s.product.ID))
	assert.Zero(t, h.count(t, &models.PayoutLedgerEntry{}, ""))
	assert.Equal(t, []enums.NotificationKind{enums.NotificationPaymentFailed}, h.notificationKinds(t))
}

func TestDuplicateDeliveryIsAcknowledgedOnce(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_dup")
	payload := callback("ws_CO_dup", "0", enums.PaymentStatusCompleted, s.order.TotalCents)

	first, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, payload)
	require.NoError(t, err)
	second, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, payload)
	require.NoError(t, err)

	assert.Equal(t, AckApplied, first.Outcome)
	assert.Equal(t, AckDuplicate, second.Outcome)
	assert.Equal(t, int64(1), h.count(t, &models.PayoutLedgerEntry{}, ""))
	assert.Equal(t, int64(1), h.count(t, &models.WebhookReceipt{}, ""))
	assert.Len(t, h.notificationKinds(t), 1)
}

func TestConflictingCallbackAfterResolutionIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_flip")

	_, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("ws_CO_flip", "0", enums.PaymentStatusCompleted, s.order.TotalCents))
	require.NoError(t, err)
	ack, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("ws_CO_flip", "1", enums.PaymentStatusFailed, 0))
	require.NoError(t, err)

	assert.Equal(t, AckNoop, ack.Outcome)
	assert.Equal(t, enums.PaymentStatusCompleted, dbtest.Reload(t, h.client, s.order.ID).PaymentStatus)
	assert.Equal(t, 2, dbtest.Stock(t, h.client, s.product.ID))
	assert.Equal(t, int64(1), h.count(t, &models.WebhookReceipt{}, "outcome = ?", "noop"))
}

func TestPaymentAfterCancelIsFlaggedWithoutPayout(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_late")
	ctx := context.Background()

	require.NoError(t, h.client.WithTx(ctx, func(tx *gorm.DB) error {
		repo := h.ledger.WithTx(tx)
		ok, err := repo.CancelOrder(ctx, s.order.ID, time.Now().UTC())
		require.True(t, ok)
		if err != nil {
			return err
		}
		order, err := repo.LockOrder(ctx, s.order.ID)
		if err != nil {
			return err
		}
		_, err = ledger.ReleaseReservation(ctx, tx, h.ledger, inventory.NewService(), order)
		return err
	}))
	require.Equal(t, 4, dbtest.Stock(t, h.client, s.product.ID))

	ack, err := h.engine.HandleCallback(ctx, enums.PaymentProviderMPesa, callback("ws_CO_late", "0", enums.PaymentStatusCompleted, s.order.TotalCents))
	require.NoError(t, err)
	assert.Equal(t, AckApplied, ack.Outcome)

	order := dbtest.Reload(t, h.client, s.order.ID)
	assert.Equal(t, enums.OrderStatusCancelled, order.OrderStatus)
	assert.Equal(t, enums.PaymentStatusCompleted, order.PaymentStatus)
	assert.Equal(t, enums.PaymentStatusCompleted, h.attempt(t, "ws_CO_late").Status)
	assert.Zero(t, h.count(t, &models.PayoutLedgerEntry{}, ""))
	assert.Equal(t, 4, dbtest.Stock(t, h.client, s.product.ID), "stock must not be released twice")

	flags, err := h.reviews.List(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, enums.ReviewReasonPaidAfterCancel, flags[0].Reason)
	assert.Equal(t, int64(1), h.count(t, &models.OutboxEvent{}, "event_type = ?", enums.EventReviewFlagged))
}

func TestAmountMismatchFailsAndFlags(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_short")

	ack, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("ws_CO_short", "0", enums.PaymentStatusCompleted, s.order.TotalCents-500))
	require.NoError(t, err)
	assert.Equal(t, AckApplied, ack.Outcome)
	assert.Equal(t, enums.PaymentStatusFailed, ack.Status)

	order := dbtest.Reload(t, h.client, s.order.ID)
	assert.Equal(t, enums.PaymentStatusFailed, order.PaymentStatus)
	require.NotNil(t, order.PaymentFailureReason)
	assert.Equal(t, string(enums.FailureReasonAmountMismatch), *order.PaymentFailureReason)
	assert.Equal(t, 4, dbtest.Stock(t, h.client, s.product.ID))
	assert.Zero(t, h.count(t, &models.PayoutLedgerEntry{}, ""))

	flags, err := h.reviews.List(context.Background(), false, 0)
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, enums.ReviewReasonAmountMismatch, flags[0].Reason)
	assert.Equal(t, s.order.TotalCents-500, flags[0].ReceivedCents)
}

func TestAmountWithinToleranceSettles(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_tol")

	ack, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("ws_CO_tol", "0", enums.PaymentStatusCompleted, s.order.TotalCents+1))
	require.NoError(t, err)
	assert.Equal(t, enums.PaymentStatusCompleted, ack.Status)
}

func TestOrphanedCallbackWritesNoReceipt(t *testing.T) {
	h := newHarness(t, nil)

	ack, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("unknown", "0", enums.PaymentStatusCompleted, 100))
	require.NoError(t, err)
	assert.Equal(t, AckOrphaned, ack.Outcome)
	assert.Zero(t, h.count(t, &models.WebhookReceipt{}, ""))
	assert.Contains(t, h.logs.String(), "callback matches no payment attempt")
}

func TestNonConclusiveCallbackIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_info")

	ack, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("ws_CO_info", "approved", enums.PaymentStatusProcessing, 0))
	require.NoError(t, err)
	assert.Equal(t, AckIgnored, ack.Outcome)
	assert.Equal(t, enums.PaymentStatusProcessing, dbtest.Reload(t, h.client, s.order.ID).PaymentStatus)
}

func TestUnparseableCallbackIsValidationError(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, []byte("not json"))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestUnknownProviderIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderPayPal, []byte(`{}`))
	require.Error(t, err)
}

type memoryGuardStore struct {
	keys map[string]bool
	fail bool
}

func (m *memoryGuardStore) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
	if m.fail {
		return false, errors.New("redis down")
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *memoryGuardStore) WebhookGuardKey(provider, ref, code string) string {
	return provider + ":" + ref + ":" + code
}

func (m *memoryGuardStore) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.keys, k)
	}
	return nil
}

func TestGuardShortCircuitsRedelivery(t *testing.T) {
	store := &memoryGuardStore{keys: map[string]bool{}}
	guard, err := NewGuard(store, time.Hour)
	require.NoError(t, err)
	h := newHarness(t, guard)
	s := h.seed(t, "ws_CO_guard")
	payload := callback("ws_CO_guard", "0", enums.PaymentStatusCompleted, s.order.TotalCents)

	_, err = h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, payload)
	require.NoError(t, err)
	ack, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, payload)
	require.NoError(t, err)
	assert.Equal(t, AckDuplicate, ack.Outcome)
	assert.True(t, store.keys["mpesa:ws_CO_guard:0"])
}

func TestGuardIsClearedForOrphans(t *testing.T) {
	store := &memoryGuardStore{keys: map[string]bool{}}
	guard, err := NewGuard(store, time.Hour)
	require.NoError(t, err)
	h := newHarness(t, guard)

	ack, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("early", "0", enums.PaymentStatusCompleted, 100))
	require.NoError(t, err)
	assert.Equal(t, AckOrphaned, ack.Outcome)
	assert.Empty(t, store.keys)
}

func TestGuardOutageFallsBackToReceipts(t *testing.T) {
	store := &memoryGuardStore{keys: map[string]bool{}, fail: true}
	guard, err := NewGuard(store, time.Hour)
	require.NoError(t, err)
	h := newHarness(t, guard)
	s := h.seed(t, "ws_CO_outage")
	payload := callback("ws_CO_outage", "0", enums.PaymentStatusCompleted, s.order.TotalCents)

	first, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, payload)
	require.NoError(t, err)
	second, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, payload)
	require.NoError(t, err)
	assert.Equal(t, AckApplied, first.Outcome)
	assert.Equal(t, AckDuplicate, second.Outcome)
}

func TestSuccessWithoutAmountIsVerifiedBeforeSettling(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_noamt")
	h.provider.verify = func(ref string) (payments.ProviderStatus, error) {
		return payments.ProviderStatus{Ref: ref, Status: enums.PaymentStatusCompleted, AmountCents: s.order.TotalCents}, nil
	}

	ack, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("ws_CO_noamt", "0", enums.PaymentStatusCompleted, 0))
	require.NoError(t, err)
	assert.Equal(t, AckApplied, ack.Outcome)
	assert.Equal(t, enums.PaymentStatusCompleted, ack.Status)
	assert.Equal(t, int64(1), h.count(t, &models.PayoutLedgerEntry{}, ""))
}

func TestSuccessWithoutConfirmedAmountFailsAndFlags(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_zero")

	ack, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("ws_CO_zero", "0", enums.PaymentStatusCompleted, 0))
	require.NoError(t, err)
	assert.Equal(t, AckApplied, ack.Outcome)
	assert.Equal(t, enums.PaymentStatusFailed, ack.Status)

	order := dbtest.Reload(t, h.client, s.order.ID)
	assert.Equal(t, enums.PaymentStatusFailed, order.PaymentStatus)
	require.NotNil(t, order.PaymentFailureReason)
	assert.Equal(t, string(enums.FailureReasonAmountMismatch), *order.PaymentFailureReason)
	assert.Zero(t, h.count(t, &models.PayoutLedgerEntry{}, ""))
	assert.Equal(t, int64(1), h.count(t, &models.ReviewFlag{}, "reason = ?", enums.ReviewReasonAmountMismatch))
	assert.Equal(t, 4, dbtest.Stock(t, h.client, s.product.ID))
}

func TestSuccessWithoutAmountDefersWhenVerifyIsUnavailable(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_later")
	h.provider.verify = func(string) (payments.ProviderStatus, error) {
		return payments.ProviderStatus{}, payments.Transient(errors.New("gateway timeout"))
	}

	_, err := h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, callback("ws_CO_later", "0", enums.PaymentStatusCompleted, 0))
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
	assert.Zero(t, h.count(t, &models.WebhookReceipt{}, ""))
	assert.Equal(t, enums.PaymentStatusProcessing, dbtest.Reload(t, h.client, s.order.ID).PaymentStatus)
}

func TestConcurrentDeliveriesSettleOnce(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_storm")
	payload := callback("ws_CO_storm", "0", enums.PaymentStatusCompleted, s.order.TotalCents)

	const deliveries = 8
	acks := make([]Ack, deliveries)
	errs := make([]error, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			acks[i], errs[i] = h.engine.HandleCallback(context.Background(), enums.PaymentProviderMPesa, payload)
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range acks {
		require.NoError(t, errs[i])
		switch acks[i].Outcome {
		case AckApplied:
			applied++
		case AckDuplicate, AckNoop:
		default:
			t.Fatalf("unexpected outcome %s", acks[i].Outcome)
		}
	}
	assert.Equal(t, 1, applied)
	assert.Equal(t, int64(1), h.count(t, &models.PayoutLedgerEntry{}, ""))
	assert.Equal(t, int64(1), h.count(t, &models.WebhookReceipt{}, ""))
	assert.Equal(t, 2, dbtest.Stock(t, h.client, s.product.ID))
}

func TestLateSuccessForVoidedAttemptIsFlagged(t *testing.T) {
	h := newHarness(t, nil)
	s := h.seed(t, "ws_CO_void")
	ctx := context.Background()

	reason := string(enums.FailureReasonOrderCancelled)
	require.NoError(t, h.client.WithTx(ctx, func(tx *gorm.DB) error {
		repo := h.ledger.WithTx(tx)
		if _, err := repo.CancelOrder(ctx, s.order.ID, time.Now().UTC()); err != nil {
			return err
		}
		_, err := repo.ResolveAttempt(ctx, s.attempt.ID, enums.PaymentStatusFailed, &reason, time.Now().UTC())
		return err
	}))

	payload := callback("ws_CO_void", "0", enums.PaymentStatusCompleted, s.order.TotalCents)
	ack, err := h.engine.HandleCallback(ctx, enums.PaymentProviderMPesa, payload)
	require.NoError(t, err)
	assert.Equal(t, AckNoop, ack.Outcome)
	assert.Zero(t, h.count(t, &models.PayoutLedgerEntry{}, ""))
	assert.Equal(t, int64(1), h.count(t, &models.ReviewFlag{}, "reason = ?", enums.ReviewReasonPaidAfterCancel))

	again, err := h.engine.HandleCallback(ctx, enums.PaymentProviderMPesa, payload)
	require.NoError(t, err)
	assert.Equal(t, AckDuplicate, again.Outcome)
	assert.Equal(t, int64(1), h.count(t, &models.ReviewFlag{}, "reason = ?", enums.ReviewReasonPaidAfterCancel))
}
