// Package webhooks receives asynchronous payment callbacks from providers.
package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/marketplace-backend/api/responses"
	"github.com/angelmondragon/marketplace-backend/internal/payments"
	"github.com/angelmondragon/marketplace-backend/internal/reconciliation"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/marketplace-backend/pkg/errors"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
)

const maxCallbackBytes = 1 << 20

// CallbackHandler applies a raw provider payload.
type CallbackHandler interface {
	HandleCallback(ctx context.Context, provider enums.PaymentProvider, raw []byte) (reconciliation.Ack, error)
}

// AuthenticatorSource resolves the webhook authenticator for a provider.
type AuthenticatorSource interface {
	Authenticator(name enums.PaymentProvider) (payments.WebhookAuthenticator, error)
}

// PaymentCallback authenticates and applies a provider callback. Every parsed
// outcome is acknowledged with 200 so providers stop redelivering; only
// dependency failures surface as 5xx.
func PaymentCallback(engine CallbackHandler, auths AuthenticatorSource, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		provider, err := enums.ParsePaymentProvider(chi.URLParam(r, "provider"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "unknown payment provider"))
			return
		}
		if logg != nil {
			ctx = logg.WithProvider(ctx, string(provider))
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "failed to read callback body"))
			return
		}

		auth, err := auths.Authenticator(provider)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if err := auth.AuthenticateWebhook(ctx, r.Header, r.URL.Query(), body); err != nil {
			if logg != nil {
				logg.Warn(ctx, "webhook authentication failed")
			}
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid webhook signature"))
			return
		}

		ack, err := engine.HandleCallback(ctx, provider, body)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteAccepted(w, ack)
	}
}
