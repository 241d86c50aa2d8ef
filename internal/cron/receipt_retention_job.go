package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/marketplace-backend/pkg/logger"
)

const defaultReceiptRetention = 30 * 24 * time.Hour

type receiptPurger interface {
	PurgeReceipts(ctx context.Context, retention time.Duration) (int64, error)
}

// ReceiptRetentionJobParams configure the webhook receipt cleanup.
type ReceiptRetentionJobParams struct {
	Logger    *logger.Logger
	Purger    receiptPurger
	Retention time.Duration
}

// NewReceiptRetentionJob deletes callback receipts past the dedup window.
func NewReceiptRetentionJob(params ReceiptRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Purger == nil {
		return nil, fmt.Errorf("receipt purger required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultReceiptRetention
	}
	return &receiptRetentionJob{logg: params.Logger, purger: params.Purger, retention: retention}, nil
}

type receiptRetentionJob struct {
	logg      *logger.Logger
	purger    receiptPurger
	retention time.Duration
}

func (j *receiptRetentionJob) Name() string { return "receipt-retention" }

func (j *receiptRetentionJob) Run(ctx context.Context) error {
	deleted, err := j.purger.PurgeReceipts(ctx, j.retention)
	if err != nil {
		return fmt.Errorf("receipt retention: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"retention":    j.retention.String(),
		"rows_deleted": deleted,
	}), "webhook receipt cleanup complete")
	return nil
}
