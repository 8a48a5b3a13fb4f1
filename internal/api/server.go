// Package api assembles the HTTP surface of the service.
package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"

	"github.com/kb-assistant/backend/internal/api/handlers"
	"github.com/kb-assistant/backend/internal/metrics"
	"github.com/kb-assistant/backend/internal/middleware/ratelimit"
	"github.com/kb-assistant/backend/internal/middleware/security"
	"github.com/kb-assistant/backend/internal/middleware/validation"
)

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BodyLimit      int
	MaxQueryLength int
	RequestLogging bool
	Development    bool
}

// NewApp builds the fiber app. The limiter may be nil.
func NewApp(cfg Config, service handlers.QueryService, limiter *ratelimit.RateLimiter, deps map[string]Pinger) *fiber.App {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if cfg.RequestLogging {
		app.Use(fiberlogger.New())
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, " + ratelimit.SessionHeader,
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: cfg.Development}))

	app.Get("/metrics", metrics.MetricsHandler())
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})
	app.Get("/ready", readiness(deps))

	queryHandler := handlers.NewQueryHandler(service)
	wsHandler := handlers.NewWebSocketHandler(service)

	v1 := app.Group("/api/v1")
	if limiter != nil {
		v1.Use(limiter.Middleware())
	}
	v1.Use(validation.Middleware(validation.Config{MaxQueryLength: cfg.MaxQueryLength}))

	v1.Post("/query", queryHandler.HandleQuery)
	v1.Get("/query/history", queryHandler.GetQueryHistory)
	v1.Post("/feedback", queryHandler.HandleFeedback)

	v1.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	v1.Get("/ws", websocket.New(wsHandler.HandleConnection))

	return app
}

func readiness(deps map[string]Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
		defer cancel()

		checks := fiber.Map{}
		ready := true
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				checks[name] = "unavailable"
				ready = false
				continue
			}
			checks[name] = "ok"
		}

		status := fiber.StatusOK
		state := "ready"
		if !ready {
			status = fiber.StatusServiceUnavailable
			state = "not_ready"
		}
		return c.Status(status).JSON(fiber.Map{"status": state, "checks": checks})
	}
}
