package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/listahub/ListaPay/app/controllers"
	"github.com/listahub/ListaPay/internal/pkg/constants"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Gateway callbacks and probes stay outside the /api group: a throttled
	// 429 would make the gateway treat the webhook endpoint as dead.
	app.Post(constants.WebhookRoute, controllers.HandlePaymentWebhook)
	app.Get(constants.HealthRoute, controllers.HandleHealthz)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
