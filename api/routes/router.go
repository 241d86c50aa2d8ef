package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/marketplace-backend/api/controllers"
	admincontrollers "github.com/angelmondragon/marketplace-backend/api/controllers/admin"
	ordercontrollers "github.com/angelmondragon/marketplace-backend/api/controllers/orders"
	vendorcontrollers "github.com/angelmondragon/marketplace-backend/api/controllers/vendor"
	webhookcontrollers "github.com/angelmondragon/marketplace-backend/api/controllers/webhooks"
	"github.com/angelmondragon/marketplace-backend/api/middleware"
	"github.com/angelmondragon/marketplace-backend/internal/orders"
	"github.com/angelmondragon/marketplace-backend/pkg/config"
	"github.com/angelmondragon/marketplace-backend/pkg/db"
	"github.com/angelmondragon/marketplace-backend/pkg/enums"
	"github.com/angelmondragon/marketplace-backend/pkg/logger"
	"github.com/angelmondragon/marketplace-backend/pkg/redis"
)

type payoutService interface {
	vendorcontrollers.PayoutReader
	admincontrollers.PayoutService
}

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	ordersSvc orders.Service,
	payoutsSvc payoutService,
	reviews admincontrollers.ReviewQueue,
	engine webhookcontrollers.CallbackHandler,
	authenticators webhookcontrollers.AuthenticatorSource,
	metricsHandler http.Handler,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	deps := map[string]controllers.Pinger{"db": dbP}
	var idempotencyStore redis.IdempotencyStore
	if redisClient != nil {
		deps["redis"] = redisClient
		idempotencyStore = redisClient
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, deps))
	})
	r.Handle("/metrics", metricsHandler)

	r.Post("/api/v1/webhooks/{provider}", webhookcontrollers.PaymentCallback(engine, authenticators, logg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.Idempotency(idempotencyStore, logg))

		r.Route("/orders", func(r chi.Router) {
			r.With(middleware.RequireRole(logg, enums.ActorRoleBuyer)).Post("/", ordercontrollers.Create(ordersSvc, logg))
			r.Get("/{orderId}/payment-status", ordercontrollers.PaymentStatus(ordersSvc, logg))

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(logg, enums.ActorRoleBuyer))
				r.Post("/{orderId}/payments", ordercontrollers.InitiatePayment(ordersSvc, logg))
				r.Post("/{orderId}/payments/confirm", ordercontrollers.ConfirmPayment(ordersSvc, logg))
				r.Post("/{orderId}/cancel", ordercontrollers.Cancel(ordersSvc, logg))
			})
		})

		r.Route("/vendor", func(r chi.Router) {
			r.Use(middleware.RequireRole(logg, enums.ActorRoleVendor))
			r.Post("/orders/{orderId}/ship", vendorcontrollers.ShipOrder(ordersSvc, logg))
			r.Post("/orders/{orderId}/deliver", vendorcontrollers.DeliverOrder(ordersSvc, logg))
			r.Get("/payouts", vendorcontrollers.Payouts(payoutsSvc, logg))
		})
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))
		r.Use(middleware.RequireRole(logg, enums.ActorRoleAdmin))
		r.Use(middleware.Idempotency(idempotencyStore, logg))

		r.Post("/orders/{orderId}/refund", admincontrollers.RefundOrder(ordersSvc, logg))
		r.Get("/payouts/pending", admincontrollers.PendingPayouts(payoutsSvc, logg))
		r.Post("/payouts/{entryId}/approve", admincontrollers.ApprovePayout(payoutsSvc, logg))
		r.Post("/payouts/{entryId}/paid", admincontrollers.MarkPayoutPaid(payoutsSvc, logg))
		r.Get("/reviews", admincontrollers.ListReviews(reviews, logg))
		r.Post("/reviews/{flagId}/resolve", admincontrollers.ResolveReview(reviews, logg))
	})

	return r
}
