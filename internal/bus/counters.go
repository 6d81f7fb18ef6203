package bus

import (
	"errors"
	"strconv"
	"strings"

	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

// IncrementCounter adds delta to a named counter and returns its new value.
// Counters back cost-ledger aggregates and dispatch bookkeeping; they use
// the same optimistic-concurrency retry loop as MergeProjectContext and
// UpdateConflictStatus rather than a dedicated atomic-add API, since
// JetStream KV exposes none.
func (b *Bus) IncrementCounter(name string, delta int64) (int64, error) {
	if !b.IsConnected() {
		return 0, errNotConnected("IncrementCounter", corerr.ErrNotConnected)
	}

	for attempt := 0; attempt < 5; attempt++ {
		entry, err := b.countersKV.Get(name)
		var current int64
		var rev uint64
		switch {
		case err == nil:
			current, err = strconv.ParseInt(string(entry.Value()), 10, 64)
			if err != nil {
				return 0, corerr.Wrap(corerr.KindInternal, "counter "+name+" has non-numeric value", err)
			}
			rev = entry.Revision()
		case errors.Is(err, nc.ErrKeyNotFound):
			current, rev = 0, 0
		default:
			return 0, errNotConnected("IncrementCounter", err)
		}

		next := current + delta
		data := []byte(strconv.FormatInt(next, 10))

		if rev == 0 {
			if _, err := b.countersKV.Create(name, data); err != nil {
				if errors.Is(err, nc.ErrKeyExists) {
					continue
				}
				return 0, errNotConnected("IncrementCounter", err)
			}
		} else {
			if _, err := b.countersKV.Update(name, data, rev); err != nil {
				continue
			}
		}

		return next, nil
	}

	return 0, corerr.New(corerr.KindInternal, "IncrementCounter: too much contention")
}

// GetCounter returns a counter's current value, or 0 if it has never been
// incremented.
func (b *Bus) GetCounter(name string) (int64, error) {
	if !b.IsConnected() {
		return 0, errNotConnected("GetCounter", corerr.ErrNotConnected)
	}

	entry, err := b.countersKV.Get(name)
	if err != nil {
		if errors.Is(err, nc.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, errNotConnected("GetCounter", err)
	}

	value, err := strconv.ParseInt(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, corerr.Wrap(corerr.KindInternal, "counter "+name+" has non-numeric value", err)
	}
	return value, nil
}

// ListCounters returns every counter whose name starts with prefix.
func (b *Bus) ListCounters(prefix string) (map[string]int64, error) {
	if !b.IsConnected() {
		return nil, errNotConnected("ListCounters", corerr.ErrNotConnected)
	}

	keys, err := b.countersKV.Keys()
	if err != nil {
		if errors.Is(err, nc.ErrNoKeysFound) {
			return map[string]int64{}, nil
		}
		return nil, errNotConnected("ListCounters", err)
	}

	out := map[string]int64{}
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := b.countersKV.Get(key)
		if err != nil {
			continue
		}
		value, err := strconv.ParseInt(string(entry.Value()), 10, 64)
		if err != nil {
			continue
		}
		out[key] = value
	}
	return out, nil
}
