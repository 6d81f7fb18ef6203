package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/coordcore/internal/logging"
	"github.com/CLIAIMONITOR/coordcore/internal/schedule"
)

// Options configures a Bus instance.
type Options struct {
	Address            string
	Credential         string
	KeyPrefix          string
	LockDefaultTTL     time.Duration
	AgentIdleTTL       time.Duration
	ContextRetention   time.Duration
	ConflictRetention  time.Duration
	ConflictSLA        time.Duration
	SerializationCap   int // bytes; default 1 MiB per spec
}

func (o *Options) applyDefaults() {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "coordcore"
	}
	if o.LockDefaultTTL == 0 {
		o.LockDefaultTTL = 300 * time.Second
	}
	if o.AgentIdleTTL == 0 {
		o.AgentIdleTTL = time.Hour
	}
	if o.ContextRetention == 0 {
		o.ContextRetention = 7 * 24 * time.Hour
	}
	if o.ConflictRetention == 0 {
		o.ConflictRetention = 7 * 24 * time.Hour
	}
	if o.ConflictSLA == 0 {
		o.ConflictSLA = time.Hour
	}
	if o.SerializationCap == 0 {
		o.SerializationCap = 1 << 20
	}
}

// Bus is the concrete Context Bus (C1): a JetStream-backed store for
// locks, agent state, project context, the conflict queue, pub/sub, cache,
// and counters, generalizing the teacher's internal/nats package into the
// coordination substrate the rest of the system depends on.
type Bus struct {
	log       *logging.Logger
	opts      Options
	conn      *conn
	scheduler *schedule.Scheduler

	locksKV      nc.KeyValue
	contextKV    nc.KeyValue
	agentStateKV nc.KeyValue
	cacheKV      nc.KeyValue
	countersKV   nc.KeyValue
	conflictsKV  nc.KeyValue

	localCache *gocache.Cache

	subMu sync.Mutex
	subs  map[string][]*nc.Subscription

	conflictStream   string
	conflictSubject  string
	conflictConsumer string
	conflictSub      *nc.Subscription

	locksMu  sync.Mutex // guards locksIdx construction
	locksIdx *lockIndex
}

const conflictPendingSubject = "conflicts.pending"

// Connect dials the configured NATS endpoint, provisions the JetStream
// buckets/streams the Context Bus needs, and returns a ready Bus.
func Connect(opts Options, scheduler *schedule.Scheduler, log *logging.Logger) (*Bus, error) {
	opts.applyDefaults()

	c, err := dial(opts.Address, opts.Credential, log.Named("conn"))
	if err != nil {
		return nil, err
	}

	b := &Bus{
		log:              log,
		opts:             opts,
		conn:             c,
		scheduler:        scheduler,
		subs:             make(map[string][]*nc.Subscription),
		localCache:       gocache.New(5*time.Second, 10*time.Second),
		conflictStream:   opts.KeyPrefix + "_CONFLICTS",
		conflictSubject:  opts.KeyPrefix + "." + conflictPendingSubject,
		conflictConsumer: opts.KeyPrefix + "-arbitrators",
	}

	if err := b.setup(); err != nil {
		c.Close()
		return nil, err
	}
	return b, nil
}

func (b *Bus) setup() error {
	js := b.conn.js
	prefix := b.opts.KeyPrefix

	bucket := func(name string, ttl time.Duration) (nc.KeyValue, error) {
		return js.CreateKeyValue(&nc.KeyValueConfig{
			Bucket:  prefix + "_" + name,
			History: 1,
			TTL:     ttl,
		})
	}

	var err error
	if b.locksKV, err = bucket("locks", 0); err != nil {
		return fmt.Errorf("bus: create locks bucket: %w", err)
	}
	if b.contextKV, err = bucket("context", b.opts.ContextRetention); err != nil {
		return fmt.Errorf("bus: create context bucket: %w", err)
	}
	if b.agentStateKV, err = bucket("agentstate", b.opts.AgentIdleTTL); err != nil {
		return fmt.Errorf("bus: create agentstate bucket: %w", err)
	}
	if b.cacheKV, err = bucket("cache", 0); err != nil {
		return fmt.Errorf("bus: create cache bucket: %w", err)
	}
	if b.countersKV, err = bucket("counters", 0); err != nil {
		return fmt.Errorf("bus: create counters bucket: %w", err)
	}
	if b.conflictsKV, err = bucket("conflicts", b.opts.ConflictRetention); err != nil {
		return fmt.Errorf("bus: create conflicts bucket: %w", err)
	}

	_, err = js.AddStream(&nc.StreamConfig{
		Name:      b.conflictStream,
		Subjects:  []string{b.conflictSubject},
		Storage:   nc.FileStorage,
		Retention: nc.WorkQueuePolicy,
		MaxAge:    b.opts.ConflictRetention,
	})
	if err != nil && err != nc.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("bus: create conflict stream: %w", err)
	}

	sub, err := js.PullSubscribe(b.conflictSubject, b.conflictConsumer, nc.ManualAck())
	if err != nil {
		return fmt.Errorf("bus: create conflict pull consumer: %w", err)
	}
	b.conflictSub = sub

	return nil
}

// Close releases the underlying NATS connection.
func (b *Bus) Close() {
	b.conn.Close()
}

// IsConnected reports whether the bus has a live connection. All
// operations may fail with corerr.KindDependencyUnavailable while false.
func (b *Bus) IsConnected() bool {
	return b.conn.IsConnected()
}

func marshalCapped(v interface{}, cap int) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if len(data) > cap {
		return nil, errSerializationTooLarge(len(data), cap)
	}
	return data, nil
}
