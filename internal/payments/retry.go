package payments

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/angelmondragon/marketplace-backend/pkg/config"
)

// RetryPolicy bounds provider initiation retries.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
}

// PolicyFromConfig builds a RetryPolicy from the payments config section.
func PolicyFromConfig(cfg config.PaymentsConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		CallTimeout:    cfg.CallTimeout,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.InitialBackoff
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	b := retry.NewExponential(base)
	if p.MaxBackoff > 0 {
		b = retry.WithCappedDuration(p.MaxBackoff, b)
	}
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// InitiateWithRetry calls provider.Initiate, retrying transient failures with
// exponential backoff. It returns the number of calls made. Definitive errors
// stop immediately.
func InitiateWithRetry(ctx context.Context, provider Provider, req InitiationRequest, policy RetryPolicy) (InitiationResult, int, error) {
	var (
		result InitiationResult
		calls  int
	)
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		calls++
		callCtx := ctx
		if policy.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, policy.CallTimeout)
			defer cancel()
		}
		res, err := provider.Initiate(callCtx, req)
		if err != nil {
			if IsTransient(err) || callCtx.Err() != nil {
				return retry.RetryableError(Transient(err))
			}
			return err
		}
		result = res
		return nil
	})
	return result, calls, err
}
