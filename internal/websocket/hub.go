package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/melodygen/api/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	TaskID string
	Conn   *websocket.Conn
	Send   chan []byte
}

// Hub maintains active WebSocket connections, grouped by the generation
// task they watch.
type Hub struct {
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	mu sync.RWMutex
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	TaskID  string
	Message []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.TaskID] == nil {
				h.clients[client.TaskID] = make(map[*Client]bool)
			}
			h.clients[client.TaskID][client] = true
			h.mu.Unlock()
			log.Printf("Client registered for task %s", client.TaskID)

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.TaskID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.TaskID)
					}
				}
			}
			h.mu.Unlock()
			log.Printf("Client unregistered from task %s", client.TaskID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			if clients, ok := h.clients[msg.TaskID]; ok {
				for client := range clients {
					select {
					case client.Send <- msg.Message:
					default:
						close(client.Send)
						delete(clients, client)
					}
				}
			}
			h.mu.RUnlock()
		}
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

// NotifyState sends a state transition to all task subscribers
func (h *Hub) NotifyState(taskID string, state model.JobState) {
	msg := model.WSStateMessage{
		Type:   model.WSMessageTypeState,
		TaskID: taskID,
		State:  state,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal state message: %v", err)
		return
	}

	h.broadcast <- &BroadcastMessage{TaskID: taskID, Message: data}
}

// NotifyComplete sends the merged record to all task subscribers
func (h *Hub) NotifyComplete(taskID string, job *model.GenerationJob) {
	msg := model.WSCompleteMessage{
		Type:   model.WSMessageTypeComplete,
		TaskID: taskID,
		Result: job,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal complete message: %v", err)
		return
	}

	h.broadcast <- &BroadcastMessage{TaskID: taskID, Message: data}
}

// NotifyError sends an error message to all task subscribers
func (h *Hub) NotifyError(taskID string, code, message string) {
	msg := model.WSErrorMessage{
		Type:   model.WSMessageTypeError,
		TaskID: taskID,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("Failed to marshal error message: %v", err)
		return
	}

	h.broadcast <- &BroadcastMessage{TaskID: taskID, Message: data}
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(c *websocket.Conn, taskID string) {
	client := &Client{
		TaskID: taskID,
		Conn:   c,
		Send:   make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

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
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong := model.WSMessage{Type: model.WSMessageTypePong}
			data, _ := json.Marshal(pong)
			client.Send <- data
		}
	}
}
