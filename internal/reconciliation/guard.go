package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/marketplace-backend/pkg/enums"
)

type guardStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	WebhookGuardKey(provider, ref, resultCode string) string
	Del(ctx context.Context, keys ...string) error
}

// Guard is the redis fast path in front of the receipt table. The receipt
// unique index stays authoritative; the guard only sheds redeliveries early.
type Guard struct {
	store guardStore
	ttl   time.Duration
}

func NewGuard(store guardStore, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, errors.New("guard store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	return &Guard{store: store, ttl: ttl}, nil
}

// CheckAndMark reports whether the key was already marked. A nil Guard never
// reports a hit.
func (g *Guard) CheckAndMark(ctx context.Context, provider enums.PaymentProvider, ref, resultCode string) (bool, error) {
	if g == nil {
		return false, nil
	}
	if ref == "" {
		return false, errors.New("transaction ref is required")
	}
	set, err := g.store.SetNX(ctx, g.store.WebhookGuardKey(string(provider), ref, resultCode), "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set webhook guard: %w", err)
	}
	return !set, nil
}

// Delete clears the mark so a redelivery is processed again.
func (g *Guard) Delete(ctx context.Context, provider enums.PaymentProvider, ref, resultCode string) error {
	if g == nil {
		return nil
	}
	return g.store.Del(ctx, g.store.WebhookGuardKey(string(provider), ref, resultCode))
}
