package bus

import (
	"encoding/json"
	"time"

	nc "github.com/nats-io/nats.go"
)

// Publish sends a JSON-encoded payload to a topic. Delivery is at-most-once
// per subscriber, best-effort fanout, no replay on reconnect — core NATS
// semantics, not JetStream, matching the spec's pub/sub contract exactly.
// Publish errors are logged, not returned, since callers throughout this
// codebase use it for best-effort notification (context-update,
// lock-released, conflict.*) alongside their primary write, which has
// already succeeded by the time Publish is reached.
func (b *Bus) Publish(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Printf("publish %s: marshal: %v", topic, err)
		return
	}
	if err := b.conn.nc.Publish(b.subject(topic), data); err != nil {
		b.log.Printf("publish %s: %v", topic, err)
	}
}

// Subscription is a live subscription returned by Subscribe.
type Subscription struct {
	Ch  <-chan []byte
	sub *nc.Subscription
}

// Unsubscribe stops delivery and releases the subscription.
func (s *Subscription) Unsubscribe() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
}

// Subscribe opens a stream of raw payloads published to topic. Within one
// topic, delivery preserves publish order per subscriber but may drop
// messages across a disconnect; there is no ordering guarantee across
// topics.
func (b *Bus) Subscribe(topic string) (*Subscription, error) {
	ch := make(chan []byte, 256)
	sub, err := b.conn.nc.Subscribe(b.subject(topic), func(msg *nc.Msg) {
		select {
		case ch <- msg.Data:
		default:
			b.log.Printf("subscriber for %s is slow, dropping message", topic)
		}
	})
	if err != nil {
		return nil, errNotConnected("Subscribe", err)
	}

	b.subMu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.subMu.Unlock()

	return &Subscription{Ch: ch, sub: sub}, nil
}

func (b *Bus) subject(topic string) string {
	return b.opts.KeyPrefix + "." + topic
}

// Request sends a JSON-encoded payload to topic and waits for a single
// reply, mirroring the teacher's Client.RequestJSON round trip. Used by the
// Inference Client as the local/elastic tier transport: workers queue-
// subscribe on the same topic so replies load-balance across them.
func (b *Bus) Request(topic string, payload interface{}, timeout time.Duration) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg, err := b.conn.nc.Request(b.subject(topic), data, timeout)
	if err != nil {
		return nil, errNotConnected("Request", err)
	}
	return msg.Data, nil
}

// QueueSubscribeRaw registers a load-balanced worker for topic: each
// published request is delivered to exactly one subscriber in the queue
// group. Generalizes the teacher's Client.QueueSubscribe to the Bus's
// topic-prefixing convention. Handlers must reply via msg.Respond.
func (b *Bus) QueueSubscribeRaw(topic, queue string, handler func(msg *nc.Msg)) (*Subscription, error) {
	sub, err := b.conn.nc.QueueSubscribe(b.subject(topic), queue, handler)
	if err != nil {
		return nil, errNotConnected("QueueSubscribeRaw", err)
	}

	b.subMu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.subMu.Unlock()

	return &Subscription{sub: sub}, nil
}
