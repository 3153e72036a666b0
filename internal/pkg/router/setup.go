package router

import (
	"github.com/gofiber/fiber/v2"
)

// Router installs a set of routes on the fiber application.
type Router interface {
	InstallRouter(app *fiber.App)
}

func InstallRouter(app *fiber.App) {
	// Install HttpRouter first: it mounts the gateway webhook and the health
	// probe, which must never sit behind the API rate limiter.
	setup(app, NewHttpRouter(), NewApiRouter())
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
