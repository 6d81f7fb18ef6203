package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

// cacheEnvelope wraps every shared-bucket cache value with the expiry the
// caller asked for. The bucket itself is provisioned with no bucket-wide
// TTL (it's shared across every caller's differing ttl), so per-key expiry
// has to be enforced on read instead of relying on NATS to age keys out.
type cacheEnvelope struct {
	ExpiresAt time.Time       `json:"expiresAt"` // zero means no expiry
	Data      json.RawMessage `json:"data"`
}

// Cache stores value under key with a TTL, writing through an in-process
// patrickmn/go-cache layer before the shared NATS KV bucket so that hot
// reads from GetCached never round-trip the network, mirroring the
// in-memory-cache-in-front-of-NATS idiom from dataparency-dev/AI-delegation.
func (b *Bus) Cache(key string, value interface{}, ttl time.Duration) error {
	if !b.IsConnected() {
		return errNotConnected("Cache", corerr.ErrNotConnected)
	}

	data, err := marshalCapped(value, b.opts.SerializationCap)
	if err != nil {
		return err
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	env, err := marshalCapped(cacheEnvelope{ExpiresAt: expiresAt, Data: data}, b.opts.SerializationCap)
	if err != nil {
		return err
	}

	if _, err := b.cacheKV.Put(key, env); err != nil {
		return errNotConnected("Cache", err)
	}

	b.localCache.Set(key, data, ttl)
	return nil
}

// GetCached returns the cached value for key, preferring the local
// in-process cache and falling back to the shared KV bucket on a miss. An
// entry whose caller-supplied ttl has elapsed is treated as a miss and
// deleted, even if it's still physically present in the bucket.
func (b *Bus) GetCached(key string, out interface{}) (bool, error) {
	if data, ok := b.localCache.Get(key); ok {
		return true, json.Unmarshal(data.([]byte), out)
	}

	if !b.IsConnected() {
		return false, errNotConnected("GetCached", corerr.ErrNotConnected)
	}

	entry, err := b.cacheKV.Get(key)
	if err != nil {
		if errors.Is(err, nc.ErrKeyNotFound) {
			return false, nil
		}
		return false, errNotConnected("GetCached", err)
	}

	var env cacheEnvelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return false, fmt.Errorf("bus: corrupt cache value for %s: %w", key, err)
	}
	if !env.ExpiresAt.IsZero() && time.Now().After(env.ExpiresAt) {
		_ = b.cacheKV.Delete(key)
		return false, nil
	}

	b.localCache.Set(key, []byte(env.Data), gocacheDefaultTTL)
	return true, json.Unmarshal(env.Data, out)
}

const gocacheDefaultTTL = 5 * time.Second

// InvalidateCache drops every cached key matching a filepath.Match-style
// glob pattern from both the local cache and the shared bucket.
func (b *Bus) InvalidateCache(pattern string) error {
	b.localCache.Flush() // local cache has no pattern iteration; clear it all

	if !b.IsConnected() {
		return errNotConnected("InvalidateCache", corerr.ErrNotConnected)
	}

	keys, err := b.cacheKV.Keys()
	if err != nil {
		if errors.Is(err, nc.ErrNoKeysFound) {
			return nil
		}
		return errNotConnected("InvalidateCache", err)
	}

	for _, key := range keys {
		matched, err := filepath.Match(pattern, key)
		if err != nil {
			return corerr.New(corerr.KindInvalidInput, "invalid cache pattern: "+err.Error())
		}
		if matched {
			_ = b.cacheKV.Delete(key)
		}
	}
	return nil
}
