package handler

import (
	"encoding/json"
	"errors"

	"github.com/clipreel/api/internal/store"
	ws "github.com/clipreel/api/internal/websocket"
	"github.com/clipreel/api/pkg/response"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

const snapshotKey = "snapshot"

// Upgrade guards GET /ws/jobs/:jobId. Unknown jobs are rejected before the
// upgrade and the current state is stashed for the first frame.
func (h *ClipHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return response.Error(c, fiber.StatusUpgradeRequired, response.CodeUpgradeRequired, "WebSocket upgrade required", nil)
	}

	status, err := h.service.GetStatus(c.UserContext(), c.Params("jobId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Failed to load job")
	}

	data, err := json.Marshal(ws.ProgressMessage(status.JobID, status.Progress, status.State, status.Message))
	if err == nil {
		c.Locals(snapshotKey, data)
	}
	return c.Next()
}

// Stream serves job updates from hub over the upgraded connection.
func Stream(hub *ws.Hub) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		initial, _ := c.Locals(snapshotKey).([]byte)
		hub.HandleConnection(c, c.Params("jobId"), initial)
	})
}
