package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

// locksByTask indexes which lock keys a task currently holds, since the
// spec's ListLocks(taskId) has no project parameter but the bus enforces
// uniqueness per (project, path) — the stronger, per-project reading of
// open question 4. The index is in-memory only and is not rebuilt from the
// KV bucket: after a process restart, locks acquired before it are absent
// from ListLocks (TryAcquireFileLock, its scheduled expiry, and
// ReleaseFileLock are the only write paths, all update it under lock).
type lockIndex struct {
	mu      sync.Mutex
	byTask  map[string]map[string]struct{} // taskID -> set of kv keys
}

func newLockIndex() *lockIndex {
	return &lockIndex{byTask: make(map[string]map[string]struct{})}
}

func (idx *lockIndex) add(taskID, key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	set, ok := idx.byTask[taskID]
	if !ok {
		set = make(map[string]struct{})
		idx.byTask[taskID] = set
	}
	set[key] = struct{}{}
}

func (idx *lockIndex) remove(taskID, key string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if set, ok := idx.byTask[taskID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(idx.byTask, taskID)
		}
	}
}

func (idx *lockIndex) keysFor(taskID string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	set := idx.byTask[taskID]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

func (b *Bus) index() *lockIndex {
	b.locksMu.Lock()
	defer b.locksMu.Unlock()
	if b.locksIdx == nil {
		b.locksIdx = newLockIndex()
	}
	return b.locksIdx
}

// lockKey encodes a (project, path) pair into a NATS KV key. KV keys map to
// subject tokens, so '.' (the subject-token delimiter) must be escaped.
func lockKey(project, path string) string {
	return project + "/" + strings.ReplaceAll(path, ".", "%2E")
}

// TryAcquireFileLock attempts an atomic set-if-absent lock with a TTL in
// [1s, 1h]. It never blocks: a live lock on (project, path) makes this
// return (false, nil), not an error. Required per spec.md §4.1.
func (b *Bus) TryAcquireFileLock(projectID, taskID, agent, path string, ttl time.Duration) (bool, error) {
	if ttl < time.Second || ttl > time.Hour {
		return false, corerr.New(corerr.KindInvalidInput, "lock TTL must be within [1s, 1h]")
	}
	if !b.IsConnected() {
		return false, errNotConnected("TryAcquireFileLock", corerr.ErrNotConnected)
	}

	key := lockKey(projectID, path)
	lock := FileLock{
		Project:    projectID,
		Path:       path,
		TaskID:     taskID,
		Agent:      agent,
		AcquiredAt: time.Now(),
		TTL:        ttl,
	}
	data, err := marshalCapped(lock, b.opts.SerializationCap)
	if err != nil {
		return false, err
	}

	rev, err := b.locksKV.Create(key, data)
	if err != nil {
		if errors.Is(err, nc.ErrKeyExists) {
			return false, nil
		}
		return false, errNotConnected("acquire lock", err)
	}

	b.index().add(taskID, key)

	// Active expiry: fires a CAS-delete at TTL so a lock whose holder never
	// calls ReleaseFileLock still becomes acquirable again within the
	// lease window; the locks bucket has no bucket-wide KV TTL of its own.
	b.scheduler.After(ttl, func() {
		_ = b.locksKV.Delete(key, nc.LastRevision(rev))
		b.index().remove(taskID, key)
	})

	return true, nil
}

// ReleaseFileLock succeeds only if the current holder matches agent;
// otherwise it returns (false, nil) and leaves the lock intact. Failures of
// this predicate are logged as attempted-theft, per spec.md §4.1.
func (b *Bus) ReleaseFileLock(projectID, taskID, agent, path string) (bool, error) {
	if !b.IsConnected() {
		return false, errNotConnected("ReleaseFileLock", corerr.ErrNotConnected)
	}

	key := lockKey(projectID, path)
	entry, err := b.locksKV.Get(key)
	if err != nil {
		if errors.Is(err, nc.ErrKeyNotFound) {
			return false, nil
		}
		return false, errNotConnected("release lock", err)
	}

	var lock FileLock
	if err := json.Unmarshal(entry.Value(), &lock); err != nil {
		return false, fmt.Errorf("bus: corrupt lock value for %s: %w", key, err)
	}

	if lock.Agent != agent {
		b.log.Printf("attempted-theft: agent %q tried to release lock %q held by %q", agent, key, lock.Agent)
		return false, nil
	}

	if err := b.locksKV.Delete(key, nc.LastRevision(entry.Revision())); err != nil {
		if errors.Is(err, nc.ErrKeyExists) {
			// Someone re-acquired between Get and Delete; treat as theft-protected no-op.
			return false, nil
		}
		return false, errNotConnected("release lock", err)
	}

	b.index().remove(taskID, key)
	b.Publish("lock-released", map[string]string{"project": projectID, "path": path})
	return true, nil
}

// ListLocks returns the locks currently held on behalf of a task.
func (b *Bus) ListLocks(taskID string) ([]FileLock, error) {
	if !b.IsConnected() {
		return nil, errNotConnected("ListLocks", corerr.ErrNotConnected)
	}

	keys := b.index().keysFor(taskID)
	locks := make([]FileLock, 0, len(keys))
	now := time.Now()
	for _, key := range keys {
		entry, err := b.locksKV.Get(key)
		if err != nil {
			continue // expired or released since the index snapshot
		}
		var lock FileLock
		if err := json.Unmarshal(entry.Value(), &lock); err != nil {
			continue
		}
		lock.Remaining = lock.TTLRemaining(now)
		locks = append(locks, lock)
	}
	return locks, nil
}
