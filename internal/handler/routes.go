package handler

import (
	ws "github.com/clipreel/api/internal/websocket"
	"github.com/gofiber/fiber/v2"
)

// Routes bundles what Register mounts. SubmitLimit may be nil.
type Routes struct {
	Clips       *ClipHandler
	Hub         *ws.Hub
	Health      Pinger
	SubmitLimit fiber.Handler
}

// Register mounts the public HTTP surface on app.
func Register(app *fiber.App, r Routes) {
	app.Get("/", Root)
	app.Get("/health", Health(r.Health))

	submit := []fiber.Handler{r.Clips.Submit}
	if r.SubmitLimit != nil {
		submit = append([]fiber.Handler{r.SubmitLimit}, submit...)
	}

	api := app.Group("/api")
	api.Post("/process-video", submit...)
	api.Post("/jobs", submit...)
	api.Get("/jobs/:jobId", r.Clips.Status)

	app.Get("/ws/jobs/:jobId", r.Clips.Upgrade, Stream(r.Hub))
}
