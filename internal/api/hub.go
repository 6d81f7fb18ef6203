package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/CLIAIMONITOR/coordcore/internal/events"
	"github.com/CLIAIMONITOR/coordcore/internal/logging"
)

// hubBufferSize is the per-client and broadcast channel buffer, matching
// the teacher's WebSocketBufferSize.
const hubBufferSize = 256

// wsMessage is the envelope every WS frame carries: the topic name and its
// payload, letting one connection subscribe to the whole closed topic set.
type wsMessage struct {
	Topic     string                 `json:"topic"`
	ProjectID string                 `json:"projectId"`
	Payload   map[string]interface{} `json:"payload"`
}

// client is one connected WebSocket browser/dashboard.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub fans every internal event out to every connected WS client,
// generalizing the teacher's internal/server.Hub (register/unregister/
// broadcast channels over a client set) from dashboard-specific message
// types to the Coordination Core's closed event Topic set.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	log        *logging.Logger
}

// NewHub constructs a Hub. Call Run in its own goroutine before serving.
func NewHub(log *logging.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, hubBufferSize),
		log:        log,
	}
}

// Run is the hub's single-goroutine event loop.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// SubscribeEvents wires the hub to the internal event bus's wildcard
// topic, republishing every event it observes onto connected WS clients.
// Runs in its own goroutine for the Server's lifetime.
func (h *Hub) SubscribeEvents(evBus *events.Bus) {
	ch := evBus.Subscribe("")
	go func() {
		for ev := range ch {
			h.broadcastEvent(ev)
		}
	}()
}

func (h *Hub) broadcastEvent(ev events.Event) {
	data, err := json.Marshal(wsMessage{
		Topic:     string(ev.Topic),
		ProjectID: ev.ProjectID,
		Payload:   ev.Payload,
	})
	if err != nil {
		h.log.Printf("marshal event for ws broadcast: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Printf("broadcast channel full, dropping %s", ev.Topic)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades the request and registers the resulting client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, hubBufferSize)}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// readPump drains the connection so close frames are observed; the WS
// surface is publish-only, so incoming messages are discarded.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
