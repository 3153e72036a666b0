package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/listahub/ListaPay/internal/pkg/cache"
	"github.com/listahub/ListaPay/internal/pkg/database"
)

// HandleHealthz reports component health. The database is load-bearing:
// without it the service cannot answer anything and reports 503. A dead
// cache or gateway only degrades (stored statuses still get served).
func HandleHealthz(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	checks := fiber.Map{}
	healthy := true

	checks["database"] = "up"
	db := database.GetDB()
	if db == nil {
		checks["database"] = "down"
		healthy = false
	} else if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "down"
		healthy = false
	}

	checks["cache"] = "up"
	if err := cache.GetClient().Ping(ctx).Err(); err != nil {
		checks["cache"] = "down"
	}

	checks["gateway"] = "up"
	if err := PaymentService().GatewayHealth(ctx); err != nil {
		checks["gateway"] = "down"
	}

	status := fiber.StatusOK
	overall := "ok"
	if !healthy {
		status = fiber.StatusServiceUnavailable
		overall = "unavailable"
	} else if checks["cache"] == "down" || checks["gateway"] == "down" {
		overall = "degraded"
	}

	return c.Status(status).JSON(fiber.Map{"status": overall, "checks": checks})
}
