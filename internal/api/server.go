package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/CLIAIMONITOR/coordcore/internal/bus"
	"github.com/CLIAIMONITOR/coordcore/internal/cost"
	"github.com/CLIAIMONITOR/coordcore/internal/events"
	"github.com/CLIAIMONITOR/coordcore/internal/logging"
	"github.com/CLIAIMONITOR/coordcore/internal/orchestrator"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

// Server is the HTTP/WS facade over the Coordination Core, generalizing
// the teacher's internal/server.Server from a JSON-store-backed dashboard
// to a thin collaborator over the Orchestrator, Cost Ledger, and task
// store.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	hub        *Hub

	orc    *orchestrator.Orchestrator
	ledger *cost.Ledger
	db     *store.DB
	bus    *bus.Bus
	log    *logging.Logger
}

// NewServer wires the HTTP surface and WS hub over the already-constructed
// Coordination Core components. addr is the http.Server's listen address
// (config.Config.HTTP.Addr).
func NewServer(addr string, orc *orchestrator.Orchestrator, ledger *cost.Ledger, db *store.DB, b *bus.Bus, evBus *events.Bus, log *logging.Logger) *Server {
	s := &Server{
		orc:    orc,
		ledger: ledger,
		db:     db,
		bus:    b,
		log:    log,
		hub:    NewHub(log.Named("hub")),
	}
	s.setupRoutes()
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}

	go s.hub.Run()
	s.hub.SubscribeEvents(evBus)
	return s
}

// setupRoutes registers the nine endpoints spec.md §6 names, following the
// teacher's PathPrefix("/api").Subrouter() + per-route Methods() style,
// minus the "/api" prefix (this surface has no dashboard static assets to
// disambiguate from).
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()
	s.router.Use(SecurityHeadersMiddleware)

	s.router.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	s.router.HandleFunc("/projects/{id}", s.handleGetProject).Methods(http.MethodGet)
	s.router.HandleFunc("/projects/{id}/execute", s.handleExecuteProject).Methods(http.MethodPost)
	s.router.HandleFunc("/projects/{id}/pause", s.handlePauseProject).Methods(http.MethodPost)
	s.router.HandleFunc("/projects/{id}/resume", s.handleResumeProject).Methods(http.MethodPost)
	s.router.HandleFunc("/projects/{id}/tasks", s.handleListProjectTasks).Methods(http.MethodGet)
	s.router.HandleFunc("/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	s.router.HandleFunc("/projects/{id}/costs", s.handleGetProjectCosts).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.hub.ServeWS)
}

// Start begins serving and blocks until the server stops or fails.
func (s *Server) Start() error {
	s.log.Printf("listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
