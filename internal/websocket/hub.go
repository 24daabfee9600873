package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/clipreel/api/internal/model"
	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"
)

// ErrorCodeJobFailed is sent to subscribers when a job fails.
const ErrorCodeJobFailed = "JOB_FAILED"

// Client represents a WebSocket client
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	log *logrus.Logger
	mu  sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

// NewHub creates a new Hub
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		log:        logger,
	}
}

// Run starts the hub's main loop; it returns when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.log.WithField("job_id", client.JobID).Debug("Client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			h.remove(client)
			h.mu.Unlock()
			h.log.WithField("job_id", client.JobID).Debug("Client unregistered")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow consumer
					h.remove(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// remove drops client and closes its channel. Callers hold mu.
func (h *Hub) remove(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribers returns the number of clients watching jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// JobUpdated fans a committed job update out to its subscribers.
func (h *Hub) JobUpdated(job model.Job) {
	switch job.State {
	case model.JobStateSuccess:
		h.BroadcastComplete(job.ID, job.Result)
	case model.JobStateFailed:
		h.BroadcastError(job.ID, ErrorCodeJobFailed, job.Message)
	default:
		h.BroadcastProgress(job.ID, job.Progress, job.State, job.Message)
	}
}

// BroadcastProgress sends a progress update to all job subscribers.
// Updates are dropped rather than blocking the caller when the hub is
// backed up.
func (h *Hub) BroadcastProgress(jobID string, progress float64, state model.JobState, message string) {
	data, ok := h.marshal(ProgressMessage(jobID, progress, state, message))
	if !ok {
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data}:
	default:
		h.log.WithField("job_id", jobID).Warn("Dropped progress broadcast")
	}
}

// BroadcastComplete sends a completion message to all job subscribers
func (h *Hub) BroadcastComplete(jobID string, result *model.Result) {
	data, ok := h.marshal(model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		JobID:  jobID,
		Result: result,
	})
	if !ok {
		return
	}
	h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data}
}

// BroadcastError sends an error message to all job subscribers
func (h *Hub) BroadcastError(jobID string, code, message string) {
	data, ok := h.marshal(model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
	if !ok {
		return
	}
	h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data}
}

// ProgressMessage builds the progress payload for one job.
func ProgressMessage(jobID string, progress float64, state model.JobState, message string) model.WSProgressMessage {
	return model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		JobID:    jobID,
		Progress: progress,
		State:    state,
		Message:  message,
	}
}

func (h *Hub) marshal(v interface{}) ([]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.WithError(err).Error("Failed to marshal websocket message")
		return nil, false
	}
	return data, true
}

// HandleConnection handles a WebSocket connection. initial, when non-nil,
// is sent before any broadcast.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, initial []byte) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}
	if initial != nil {
		client.Send <- initial
	}

	h.Register(client)
	defer h.Unregister(client)

	// the hub may close Send at any point, so pongs take their own path
	pongs := make(chan struct{}, 1)

	// Start writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pongs:
				pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.WithError(err).WithField("job_id", jobID).Warn("WebSocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}
