package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/marketplace-backend/internal/reconciliation"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
)

const (
	defaultPendingTimeout = 15 * time.Minute
	defaultSweepBatch     = 100
)

type timeoutSweeper interface {
	SweepTimeouts(ctx context.Context, window time.Duration, limit int) (reconciliation.SweepResult, error)
}

// PaymentTimeoutJobParams configure the stale payment attempt sweep.
type PaymentTimeoutJobParams struct {
	Logger    *logger.Logger
	Sweeper   timeoutSweeper
	Window    time.Duration
	BatchSize int
}

// NewPaymentTimeoutJob resolves attempts that never received a callback.
func NewPaymentTimeoutJob(params PaymentTimeoutJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Sweeper == nil {
		return nil, fmt.Errorf("timeout sweeper required")
	}
	window := params.Window
	if window <= 0 {
		window = defaultPendingTimeout
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &paymentTimeoutJob{logg: params.Logger, sweeper: params.Sweeper, window: window, batch: batch}, nil
}

type paymentTimeoutJob struct {
	logg    *logger.Logger
	sweeper timeoutSweeper
	window  time.Duration
	batch   int
}

func (j *paymentTimeoutJob) Name() string { return "payment-timeout-sweep" }

func (j *paymentTimeoutJob) Run(ctx context.Context) error {
	res, err := j.sweeper.SweepTimeouts(ctx, j.window, j.batch)
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"window":    j.window.String(),
		"scanned":   res.Scanned,
		"completed": res.Completed,
		"failed":    res.Failed,
		"timed_out": res.TimedOut,
		"deferred":  res.Deferred,
		"reset":     res.Reset,
	})
	if err != nil {
		return fmt.Errorf("payment timeout sweep: %w", err)
	}
	if res.Scanned > 0 || res.Reset > 0 {
		j.logg.Info(logCtx, "payment timeout sweep complete")
	}
	return nil
}
