package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/example/esimstore/internal/config"
	"github.com/example/esimstore/internal/handlers"
	"github.com/example/esimstore/internal/idempotency"
	"github.com/example/esimstore/internal/middleware"
	"github.com/example/esimstore/internal/services"
	"github.com/example/esimstore/internal/store"
)

// dedupTTL bounds how long processed charge ids are remembered.
const dedupTTL = 48 * time.Hour

// Register wires up services, handlers and HTTP routes.
func Register(app *fiber.App, db *gorm.DB, rdb *redis.Client, provisioning *services.ProvisioningService, cfg *config.Config) {
	telegram := services.NewTelegramService(cfg.TelegramAPIBase, cfg.TelegramBotToken, cfg.TelegramAdminChat)
	pricing := services.NewPricingService(db)
	card := services.NewCardCheckoutService(cfg.CardAPIBase, cfg.CardSecretKey, cfg.CardWebhookSecret)
	crypto := services.NewCryptoInvoiceService(cfg.CryptoAPIBase, cfg.CryptoMerchantID, cfg.CryptoAPIKey)

	orders := store.NewOrderRepository(db)

	var dedup idempotency.Store
	if rdb != nil {
		dedup = idempotency.NewRedisStore(rdb, dedupTTL)
	} else {
		dedup = idempotency.NewMemoryStore(dedupTTL)
	}

	fulfillment := services.NewFulfillmentService(orders, provisioning, telegram, dedup)

	authHandler := handlers.NewAuthHandler(cfg)
	starsHandler := handlers.NewStarsHandler(pricing, fulfillment, telegram, cfg.StarsUSDRate)
	cardHandler := handlers.NewCardHandler(cfg, orders, pricing, card, fulfillment)
	cryptoHandler := handlers.NewCryptoHandler(cfg, orders, pricing, crypto, fulfillment)
	orderHandler := handlers.NewOrderHandler(orders, fulfillment)
	markupHandler := handlers.NewMarkupHandler(db, pricing)

	api := app.Group("/api")

	api.Post("/auth/login", authHandler.Login)

	stars := api.Group("/stars")
	stars.Post("/invoice", starsHandler.CreateInvoice)
	stars.Post("/webhook", starsHandler.Webhook)

	cardGroup := api.Group("/card")
	cardGroup.Post("/checkout", cardHandler.Checkout)
	cardGroup.Post("/webhook", cardHandler.Webhook)

	cryptoGroup := api.Group("/crypto")
	cryptoGroup.Post("/invoice", cryptoHandler.CreateInvoice)
	cryptoGroup.Post("/webhook", cryptoHandler.Webhook)

	// Admin routes
	protected := api.Group("", middleware.AuthMiddleware(cfg))

	protected.Get("/orders", orderHandler.List)
	protected.Get("/orders/user/:userID", orderHandler.ListByUser)
	protected.Post("/orders/sweep", orderHandler.Sweep)
	protected.Post("/orders/:id/retry-fulfillment", orderHandler.RetryFulfillment)

	protected.Get("/markup", markupHandler.Get)
	protected.Put("/markup", markupHandler.Update)
	protected.Put("/markup/countries/:code", markupHandler.UpsertCountry)
	protected.Delete("/markup/countries/:code", markupHandler.DeleteCountry)
}
