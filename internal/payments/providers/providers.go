// Package providers builds the payment registry from configuration.
package providers

import (
	"context"
	"errors"
	"strings"

	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/internal/payments/mpesa"
	"github.com/angelmondragon/marketplace-backend/internal/payments/paypal"
	squarepay "github.com/angelmondragon/marketplace-backend/internal/payments/square"
	stripepay "github.com/angelmondragon/marketplace-backend/internal/payments/stripe"
	"github.com/angelmondragon/marketplace-backend/pkg/config"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
	pkgsquare "github.com/angelmondragon/marketplace-backend/pkg/square"
	pkgstripe "github.com/angelmondragon/marketplace-backend/pkg/stripe"
)

const mpesaCallbackPath = "/api/v1/webhooks/mpesa"

var errNoProviders = errors.New("no payment provider configured")

// FromConfig registers every provider whose credentials are present.
func FromConfig(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*payments.Registry, error) {
	var enabled []payments.Provider

	if cfg.MPesa.Enabled() {
		callbackURL := strings.TrimRight(cfg.App.PublicBaseURL, "/") + mpesaCallbackPath
		client, err := mpesa.NewClient(cfg.MPesa, callbackURL, logg)
		if err != nil {
			return nil, err
		}
		enabled = append(enabled, client)
	}

	if cfg.Stripe.Enabled() {
		client, err := pkgstripe.NewClient(ctx, cfg.Stripe, logg)
		if err != nil {
			return nil, err
		}
		provider, err := stripepay.NewProvider(client)
		if err != nil {
			return nil, err
		}
		enabled = append(enabled, provider)
	}

	if cfg.Square.Enabled() {
		client, err := pkgsquare.NewClient(ctx, cfg.Square, logg)
		if err != nil {
			return nil, err
		}
		provider, err := squarepay.NewProvider(client)
		if err != nil {
			return nil, err
		}
		enabled = append(enabled, provider)
	}

	if cfg.PayPal.Enabled() {
		client, err := paypal.NewClient(cfg.PayPal, logg)
		if err != nil {
			return nil, err
		}
		enabled = append(enabled, client)
	}

	if len(enabled) == 0 {
		return nil, errNoProviders
	}
	return payments.NewRegistry(enabled...), nil
}
