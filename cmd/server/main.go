package main

import (
	"context"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/example/esimstore/internal/config"
	"github.com/example/esimstore/internal/database"
	"github.com/example/esimstore/internal/routes"
	"github.com/example/esimstore/internal/services"
)

func main() {
	cfg := config.Load()
	db := database.Connect(cfg.DatabaseURL)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("redis ping failed: %v", err)
		}
	} else {
		log.Println("REDIS_URL not set, webhook dedup falls back to in-memory store")
	}

	app := fiber.New(fiber.Config{
		AppName: "eSIM Store Backend",
	})

	app.Use(recover.New())
	app.Use(logger.New())

	provisioning := services.NewProvisioningService(cfg.ProvisioningBaseURL, cfg.ProvisioningAuthURL, cfg.ProvisioningSecret)
	routes.Register(app, db, rdb, provisioning, cfg)

	warmCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if _, err := provisioning.Token(warmCtx); err != nil {
		log.Printf("provisioning token warm-up failed: %v", err)
	}
	cancel()

	log.Printf("Starting server on :%s", cfg.AppPort)
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatalf("fiber.Listen error: %v", err)
	}
}
