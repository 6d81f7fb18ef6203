// Command natsbridge is a thin relay that republishes the Context Bus's
// task/conflict/budget/agent topics onto a WebSocket-reachable endpoint,
// for deployments that run the HTTP/WS facade (internal/api) as a separate
// process from the daemon that owns the Orchestrator. Adapted from the
// teacher's cmd/nats-bridge, which relayed Captain<->Sergeant subjects
// between two NATS-connected terminals; this relay instead fans one set of
// bus subjects out to any number of WebSocket browsers.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/CLIAIMONITOR/coordcore/internal/bus"
	"github.com/CLIAIMONITOR/coordcore/internal/events"
	"github.com/CLIAIMONITOR/coordcore/internal/logging"
	"github.com/CLIAIMONITOR/coordcore/internal/schedule"
)

func main() {
	addr := flag.String("addr", ":8081", "listen address for the relay's /ws endpoint")
	busAddr := flag.String("bus-address", "nats://127.0.0.1:4222", "Context Bus NATS address")
	busCredential := flag.String("bus-credential", "", "Context Bus credential")
	busKeyPrefix := flag.String("bus-key-prefix", "coordcore", "Context Bus subject key prefix")
	flag.Parse()

	log := logging.New("natsbridge")

	b, err := bus.Connect(bus.Options{
		Address:    *busAddr,
		Credential: *busCredential,
		KeyPrefix:  *busKeyPrefix,
	}, schedule.New(schedule.RealClock), log.Named("bus"))
	if err != nil {
		log.Printf("connect: %v", err)
		os.Exit(1)
	}
	defer b.Close()

	h := newRelayHub(log.Named("hub"))
	go h.run()

	for _, topic := range events.AllTopics() {
		sub, err := b.Subscribe(string(topic))
		if err != nil {
			log.Printf("subscribe %s: %v", topic, err)
			continue
		}
		go h.pump(string(topic), sub.Ch)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !b.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		log.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("serve: %v", err)
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	<-shutdown
	log.Println("shutting down")
	_ = srv.Close()
}

// relayMessage is the frame forwarded to every connected WS client.
type relayMessage struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// relayClient pairs a connection with the channel it reads its outbound
// frames from, created before registration so the hub never has to
// allocate state on another goroutine's behalf mid-handshake.
type relayClient struct {
	conn *websocket.Conn
	send chan []byte
}

// relayHub is a minimal register/unregister/broadcast hub, the same shape
// as internal/api.Hub but payload-agnostic: it forwards whatever raw bytes
// the bus delivered instead of decoding them into events.Event.
type relayHub struct {
	mu         sync.RWMutex
	clients    map[*relayClient]bool
	register   chan *relayClient
	unregister chan *relayClient
	broadcast  chan []byte
	log        *logging.Logger
}

func newRelayHub(log *logging.Logger) *relayHub {
	return &relayHub{
		clients:    make(map[*relayClient]bool),
		register:   make(chan *relayClient),
		unregister: make(chan *relayClient),
		broadcast:  make(chan []byte, 256),
		log:        log,
	}
}

func (h *relayHub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// pump forwards every payload the bus delivers on topic into the hub's
// broadcast channel, wrapped with the topic name so clients can dispatch.
func (h *relayHub) pump(topic string, ch <-chan []byte) {
	for payload := range ch {
		data, err := json.Marshal(relayMessage{Topic: topic, Payload: payload})
		if err != nil {
			h.log.Printf("marshal relay message for %s: %v", topic, err)
			continue
		}
		select {
		case h.broadcast <- data:
		default:
			h.log.Printf("broadcast buffer full, dropping %s", topic)
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *relayHub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &relayClient{conn: conn, send: make(chan []byte, 256)}
	h.register <- c

	go func() {
		defer func() {
			h.unregister <- c
			conn.Close()
		}()
		for msg := range c.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
