package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/CLIAIMONITOR/coordcore/internal/logging"
)

// EmbeddedServerConfig configures the in-process NATS server used for
// single-binary deployments. Generalizes the teacher's
// internal/nats.EmbeddedServerConfig (which additionally exposed a
// dashboard WebSocket port; the Coordination Core's own WS surface is
// served separately by internal/api, so that option is dropped here).
type EmbeddedServerConfig struct {
	Port      int
	JetStream bool
	DataDir   string
}

// EmbeddedServer wraps an embedded nats-server instance, letting
// cmd/coordcored run the bus transport in-process instead of requiring an
// external NATS deployment for development and single-node use.
type EmbeddedServer struct {
	log    *logging.Logger
	server *server.Server
	config EmbeddedServerConfig

	mu      sync.RWMutex
	running bool
}

// NewEmbeddedServer constructs (but does not start) an embedded server.
func NewEmbeddedServer(config EmbeddedServerConfig, log *logging.Logger) (*EmbeddedServer, error) {
	if config.Port <= 0 {
		config.Port = 4222
	}
	if config.JetStream && config.DataDir == "" {
		return nil, fmt.Errorf("bus: DataDir is required when JetStream is enabled")
	}
	return &EmbeddedServer{config: config, log: log}, nil
}

// Start brings the embedded server up and blocks until it is ready for
// connections or the startup deadline elapses.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("bus: embedded server already running")
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       e.config.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024, // 1 MiB, matches the spec's SerializationTooLarge cap
	}
	if e.config.JetStream {
		opts.JetStream = true
		opts.StoreDir = e.config.DataDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("bus: create embedded server: %w", err)
	}

	e.server = ns
	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("bus: embedded server not ready for connections")
	}

	e.running = true
	e.log.Printf("embedded server ready at %s", e.URL())
	return nil
}

// Shutdown gracefully stops the embedded server.
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.server == nil {
		return
	}
	e.server.Shutdown()
	e.server.WaitForShutdown()
	e.running = false
	e.server = nil
}

// URL returns the connection string for clients of this server.
func (e *EmbeddedServer) URL() string {
	return fmt.Sprintf("nats://127.0.0.1:%d", e.config.Port)
}

// IsRunning reports whether the embedded server is currently accepting
// connections.
func (e *EmbeddedServer) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
