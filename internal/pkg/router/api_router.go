package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/listahub/ListaPay/app/controllers"
	"github.com/listahub/ListaPay/internal/pkg/cache"
	"github.com/listahub/ListaPay/internal/pkg/env"
	"github.com/listahub/ListaPay/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        apiRateLimit(),
		Expiration: 1 * time.Minute,
		Storage:    newLimiterStorage(),
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"service": "listapay",
			"version": "v1",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1")
	v1.Post("/payments", controllers.HandlePaymentInitialize)
	v1.Get("/payments/:reference", controllers.HandlePaymentStatus)

	// Operator routes sit behind the static ops API key. The static stats
	// route must be registered before the :reference routes.
	admin := v1.Group("/admin", middleware.OpsKeyAuthMiddleware())
	admin.Get("/payments", controllers.HandleAdminPaymentList)
	admin.Get("/payments/stats", controllers.HandleAdminPaymentStats)
	admin.Get("/payments/:reference", controllers.HandleAdminPaymentInspect)
	admin.Post("/payments/:reference/recover", controllers.HandleAdminPaymentRecover)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}

// newLimiterStorage backs the rate limiter with Redis so counters are shared
// between instances and survive restarts. Connection settings are derived
// from the existing cache client; database 1 keeps limiter keys apart from
// cache entries (DB 0).
func newLimiterStorage() *redis.Storage {
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if cacheClient := cache.GetClient(); cacheClient != nil {
		addr := cacheClient.Options().Addr
		if h, p, err := net.SplitHostPort(addr); err == nil {
			host = h
			if v, err := strconv.Atoi(p); err == nil {
				port = v
			}
		}
		// Prefer password from the underlying client if present
		if p := cacheClient.Options().Password; p != "" {
			password = p
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 1,
		Reset:    false,
	})
}

func apiRateLimit() int {
	if v, err := strconv.Atoi(env.GetEnv("API_RATE_LIMIT", "")); err == nil && v > 0 {
		return v
	}
	return 120
}
