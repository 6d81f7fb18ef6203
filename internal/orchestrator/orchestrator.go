// Package orchestrator implements the Orchestrator (C6): owns project and
// task lifecycle, drives the stage machine, and dispatches ready tasks
// against the Context Bus, Model Router, and Inference Client. Grounded on
// the teacher's internal/tasks.Queue (priority queue feeding a dispatch
// loop) and internal/server/heartbeat.go (stale-worker detection ticker),
// generalized from a single WezTerm pane pool to per-project concurrency-
// bounded task dispatch.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/CLIAIMONITOR/coordcore/internal/bus"
	"github.com/CLIAIMONITOR/coordcore/internal/catalog"
	"github.com/CLIAIMONITOR/coordcore/internal/config"
	"github.com/CLIAIMONITOR/coordcore/internal/events"
	"github.com/CLIAIMONITOR/coordcore/internal/inference"
	"github.com/CLIAIMONITOR/coordcore/internal/logging"
	"github.com/CLIAIMONITOR/coordcore/internal/schedule"
	"github.com/CLIAIMONITOR/coordcore/internal/store"
)

// Orchestrator is the concrete Orchestrator (C6).
type Orchestrator struct {
	bus       *bus.Bus
	catalog   *catalog.Catalog
	client    *inference.Client
	db        *store.DB
	events    *events.Bus
	scheduler *schedule.Scheduler
	cfg       *config.Config
	log       *logging.Logger

	global *semaphore.Weighted

	mu        sync.Mutex
	perProj   map[string]*semaphore.Weighted
	cancelers map[string]context.CancelFunc // projectID -> cancels all its running tasks

	blockedMu      sync.Mutex
	blockedBackoff map[string]time.Duration // taskID -> next lock-wait backoff

	lockFailMu sync.Mutex
	lockFails  map[string]map[string]bool // "project/stage/path" -> agents that failed to acquire it
}

// New constructs an Orchestrator over its dependencies. cat is the same
// catalog the Inference Client was built from, needed here only to
// attribute accrued cost back onto each store.Task record.
func New(b *bus.Bus, cat *catalog.Catalog, client *inference.Client, db *store.DB, evBus *events.Bus, sched *schedule.Scheduler, cfg *config.Config, log *logging.Logger) *Orchestrator {
	o := &Orchestrator{
		bus:            b,
		catalog:        cat,
		client:         client,
		db:             db,
		events:         evBus,
		scheduler:      sched,
		cfg:            cfg,
		log:            log,
		global:         semaphore.NewWeighted(int64(cfg.Task.Concurrency.Global)),
		perProj:        make(map[string]*semaphore.Weighted),
		cancelers:      make(map[string]context.CancelFunc),
		blockedBackoff: make(map[string]time.Duration),
		lockFails:      make(map[string]map[string]bool),
	}
	o.startHeartbeatSweep()
	return o
}

// semaphoreFor returns (creating if necessary) the per-project concurrency
// bound, default spec.md §5 / config task.concurrency.perProject.
func (o *Orchestrator) semaphoreFor(projectID string) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.perProj[projectID]
	if !ok {
		s = semaphore.NewWeighted(int64(o.cfg.Task.Concurrency.PerProject))
		o.perProj[projectID] = s
	}
	return s
}

func (o *Orchestrator) publish(topic events.Topic, projectID string, payload map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Publish(events.New(topic, projectID, payload))
	o.bus.Publish(string(topic), payload)
}
