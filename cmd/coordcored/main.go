// Command coordcored is the Coordination Core daemon: it connects to the
// Context Bus, opens the task store, and starts the Orchestrator's dispatch
// loop, the Arbitrator's conflict-resolution loop, and the HTTP/WS facade.
// Generalizes the teacher's cmd/cliaimonitor/main.go wiring-up-everything
// main into the Coordination Core's component set.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/alerts"
	"github.com/CLIAIMONITOR/coordcore/internal/api"
	"github.com/CLIAIMONITOR/coordcore/internal/arbitrator"
	"github.com/CLIAIMONITOR/coordcore/internal/bus"
	"github.com/CLIAIMONITOR/coordcore/internal/catalog"
	"github.com/CLIAIMONITOR/coordcore/internal/config"
	"github.com/CLIAIMONITOR/coordcore/internal/cost"
	"github.com/CLIAIMONITOR/coordcore/internal/events"
	"github.com/CLIAIMONITOR/coordcore/internal/inference"
	"github.com/CLIAIMONITOR/coordcore/internal/logging"
	"github.com/CLIAIMONITOR/coordcore/internal/orchestrator"
	"github.com/CLIAIMONITOR/coordcore/internal/router"
	"github.com/CLIAIMONITOR/coordcore/internal/schedule"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "configuration file")
	embedBus := flag.Bool("embed-bus", false, "run an embedded NATS server instead of connecting to an external one")
	embedBusPort := flag.Int("embed-bus-port", 4222, "port for the embedded NATS server")
	embedBusDataDir := flag.String("embed-bus-data", "data/nats", "JetStream data directory for the embedded NATS server")
	desktopAlerts := flag.Bool("desktop-alerts", false, "show a desktop toast when a conflict is recorded (Windows only)")
	flag.Parse()

	log := logging.New("coordcored")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v (falling back to defaults)\n", err)
		cfg = config.Default()
	}

	var embedded *bus.EmbeddedServer
	if *embedBus {
		embedded, err = bus.NewEmbeddedServer(bus.EmbeddedServerConfig{
			Port:      *embedBusPort,
			JetStream: true,
			DataDir:   *embedBusDataDir,
		}, log.Named("embedded-nats"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "embedded bus: %v\n", err)
			os.Exit(1)
		}
		if err := embedded.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "embedded bus start: %v\n", err)
			os.Exit(1)
		}
		defer embedded.Shutdown()
		cfg.Bus.Address = embedded.URL()
	}

	scheduler := schedule.New(schedule.RealClock)

	b, err := bus.Connect(bus.Options{
		Address:           cfg.Bus.Address,
		Credential:        cfg.Bus.Credential,
		KeyPrefix:         cfg.Bus.KeyPrefix,
		LockDefaultTTL:    cfg.Lock.DefaultTTL,
		AgentIdleTTL:      cfg.AgentState.IdleTTL,
		ContextRetention:  cfg.Context.Retention,
		ConflictRetention: cfg.Conflict.Retention,
		ConflictSLA:       cfg.Conflict.SLA,
	}, scheduler, log.Named("bus"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bus connect: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	db, err := store.Open(cfg.Store.Connection)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	cat, err := catalog.Load(cfg.Backends)
	if err != nil {
		fmt.Fprintf(os.Stderr, "catalog load: %v\n", err)
		os.Exit(1)
	}

	ledger := cost.New(db, cat)
	rtr := router.New(cat, ledger)

	credentials := make(map[string]string, len(cfg.Backends))
	for _, backend := range cfg.Backends {
		credentials[backend.ID] = backend.Credential()
	}
	client := inference.New(cat, rtr, ledger, b, credentials, cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout)

	evBus := events.NewBus(log.Named("events"))
	orc := orchestrator.New(b, cat, client, db, evBus, scheduler, cfg, log.Named("orchestrator"))
	arb := arbitrator.New(b, client, db, log.Named("arbitrator"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go arb.Run(ctx)

	if *desktopAlerts {
		notifier := alerts.NewConflictNotifier("coordcore", "http://127.0.0.1"+cfg.HTTP.Addr, log.Named("alerts"))
		go notifier.Watch(evBus)
	}

	srv := api.NewServer(cfg.HTTP.Addr, orc, ledger, db, b, evBus, log.Named("api"))
	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	log.Printf("coordination core started, http on %s", cfg.HTTP.Addr)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil {
			log.Printf("http server error: %v", err)
		}
	case sig := <-shutdown:
		log.Printf("shutting down (%v)", sig)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	log.Println("goodbye")
}
