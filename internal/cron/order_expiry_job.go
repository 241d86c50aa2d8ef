package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/marketplace-backend/pkg/logger"
)

const (
	defaultOrderTTL   = 72 * time.Hour
	defaultOrderBatch = 100
)

type abandonedOrderExpirer interface {
	ExpireAbandoned(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

// OrderExpiryJobParams configure the abandoned order expiry.
type OrderExpiryJobParams struct {
	Logger    *logger.Logger
	Orders    abandonedOrderExpirer
	TTL       time.Duration
	BatchSize int
}

// NewOrderExpiryJob cancels orders that were never paid and returns their
// reserved stock.
func NewOrderExpiryJob(params OrderExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("order service required")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultOrderTTL
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultOrderBatch
	}
	return &orderExpiryJob{logg: params.Logger, orders: params.Orders, ttl: ttl, batch: batch}, nil
}

type orderExpiryJob struct {
	logg   *logger.Logger
	orders abandonedOrderExpirer
	ttl    time.Duration
	batch  int
}

func (j *orderExpiryJob) Name() string { return "order-expiry" }

func (j *orderExpiryJob) Run(ctx context.Context) error {
	expired, err := j.orders.ExpireAbandoned(ctx, j.ttl, j.batch)
	if err != nil {
		return fmt.Errorf("expire abandoned orders: %w", err)
	}
	if expired > 0 {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{"expired": expired, "ttl": j.ttl.String()}), "abandoned orders expired")
	}
	return nil
}
