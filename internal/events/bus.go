package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/CLIAIMONITOR/coordcore/internal/logging"
)

// subscription is one subscriber's channel and the topic it filters on.
// topic == "" means wildcard: every published event is delivered.
type subscription struct {
	ch    chan Event
	topic Topic
}

// Backpressure configuration, unchanged from the bus this generalizes.
const (
	maxBackpressureRetries = 3
	backpressureRetryDelay = 10 * time.Millisecond
)

// Bus is an in-process, ephemeral pub/sub fan-out. It holds no durable
// event log: the durable record of what happened lives in internal/store
// (cost_records, conflicts, task status); this bus only carries the live
// notification to whoever is listening right now, same as the teacher's
// bus did for its WezTerm pane subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Topic][]*subscription
	dropped     uint64
	log         *logging.Logger
}

// NewBus creates an empty event bus.
func NewBus(log *logging.Logger) *Bus {
	return &Bus{
		subscribers: make(map[Topic][]*subscription),
		log:         log,
	}
}

// Subscribe returns a channel receiving every event published to topic.
// Pass "" to subscribe to all topics, the WS hub's fan-everything case.
func (b *Bus) Subscribe(topic Topic) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{ch: make(chan Event, 100), topic: topic}
	b.subscribers[topic] = append(b.subscribers[topic], sub)
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel. topic must
// match the value passed to Subscribe.
func (b *Bus) Unsubscribe(topic Topic, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[topic]
	if !ok {
		return
	}
	for i, sub := range subs {
		if sub.ch == ch {
			close(sub.ch)
			b.subscribers[topic] = append(subs[:i], subs[i+1:]...)
			if len(b.subscribers[topic]) == 0 {
				delete(b.subscribers, topic)
			}
			return
		}
	}
}

// Publish fans event out to subscribers of event.Topic and to wildcard
// ("") subscribers.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	targets := append(append([]*subscription{}, b.subscribers[event.Topic]...), b.subscribers[""]...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.sendWithBackpressure(sub, event)
	}
}

// sendWithBackpressure is a non-blocking send, retried a few times to ride
// out a momentarily full subscriber channel, then dropped and counted —
// a slow WS client never stalls the Orchestrator's dispatch loop.
func (b *Bus) sendWithBackpressure(sub *subscription, event Event) {
	select {
	case sub.ch <- event:
		return
	default:
	}

	for retry := 1; retry <= maxBackpressureRetries; retry++ {
		time.Sleep(backpressureRetryDelay)
		select {
		case sub.ch <- event:
			return
		default:
		}
	}

	dropped := atomic.AddUint64(&b.dropped, 1)
	if b.log != nil {
		b.log.Printf("dropped event after %d retries: topic=%s project=%s (total dropped=%d)",
			maxBackpressureRetries, event.Topic, event.ProjectID, dropped)
	}
}

// DroppedCount returns the number of events dropped due to full
// subscriber channels.
func (b *Bus) DroppedCount() uint64 {
	return atomic.LoadUint64(&b.dropped)
}
