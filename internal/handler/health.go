package handler

import (
	"context"
	"time"

	"github.com/clipreel/api/pkg/response"
	"github.com/gofiber/fiber/v2"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Root handles GET /
func Root(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{
		"service": "clipreel",
		"status":  "ok",
	})
}

// Health handles GET /health
func Health(p Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		if err := p.Ping(ctx); err != nil {
			return response.Unavailable(c, "Job store unreachable")
		}
		return response.OK(c, fiber.Map{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}
