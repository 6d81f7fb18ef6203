package bus

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

// RecordConflict stores a new conflict and enqueues its id on the FIFO
// conflict stream for arbitrators. Required: idempotent by caller-supplied
// request id to make retries of this non-idempotent operation safe — if
// requestID names a conflict that already exists, its id is returned
// without enqueuing a duplicate.
func (b *Bus) RecordConflict(requestID string, c Conflict) (string, error) {
	if !b.IsConnected() {
		return "", errNotConnected("RecordConflict", corerr.ErrNotConnected)
	}

	id := requestID
	if id == "" {
		id = uuid.NewString()
	}

	if _, err := b.conflictsKV.Get(id); err == nil {
		return id, nil // already recorded by an earlier attempt of this request
	}

	c.ID = id
	c.Status = ConflictPending
	c.CreatedAt = time.Now()

	data, err := marshalCapped(c, b.opts.SerializationCap)
	if err != nil {
		return "", err
	}

	if _, err := b.conflictsKV.Create(id, data); err != nil {
		if errors.Is(err, nc.ErrKeyExists) {
			return id, nil
		}
		return "", errNotConnected("RecordConflict", err)
	}

	if _, err := b.conn.js.Publish(b.conflictSubject, []byte(id)); err != nil {
		return "", errNotConnected("RecordConflict: enqueue", err)
	}

	b.Publish("conflict.recorded", c)
	return id, nil
}

// UpdateConflictStatus validates and applies a status transition, writing
// the resolution payload when provided. Transitions not in
// {pending->in-arbitration, in-arbitration->{resolved,escalated}} are
// rejected.
func (b *Bus) UpdateConflictStatus(id string, status ConflictStatus, resolution *Resolution) (Conflict, error) {
	if !b.IsConnected() {
		return Conflict{}, errNotConnected("UpdateConflictStatus", corerr.ErrNotConnected)
	}

	for attempt := 0; attempt < 5; attempt++ {
		entry, err := b.conflictsKV.Get(id)
		if err != nil {
			if errors.Is(err, nc.ErrKeyNotFound) {
				return Conflict{}, corerr.New(corerr.KindNotFound, "conflict "+id+" not found")
			}
			return Conflict{}, errNotConnected("UpdateConflictStatus", err)
		}

		var c Conflict
		if err := json.Unmarshal(entry.Value(), &c); err != nil {
			return Conflict{}, err
		}

		if !CanTransition(c.Status, status) {
			return Conflict{}, corerr.New(corerr.KindConflict,
				"invalid conflict transition "+string(c.Status)+" -> "+string(status))
		}

		c.Status = status
		if resolution != nil {
			c.Resolution = resolution
		}
		if status == ConflictResolved || status == ConflictEscalated {
			now := time.Now()
			c.ResolvedAt = &now
		}

		data, merr := marshalCapped(c, b.opts.SerializationCap)
		if merr != nil {
			return Conflict{}, merr
		}

		if _, err := b.conflictsKV.Update(id, data, entry.Revision()); err != nil {
			continue // concurrent writer moved the revision, retry
		}

		topic := "conflict.recorded"
		if status == ConflictResolved {
			topic = "conflict.resolved"
		}
		b.Publish(topic, c)
		return c, nil
	}

	return Conflict{}, corerr.New(corerr.KindInternal, "UpdateConflictStatus: too much contention")
}

// ListPendingConflicts returns every conflict currently in pending status.
func (b *Bus) ListPendingConflicts() ([]Conflict, error) {
	if !b.IsConnected() {
		return nil, errNotConnected("ListPendingConflicts", corerr.ErrNotConnected)
	}

	keys, err := b.conflictsKV.Keys()
	if err != nil {
		if errors.Is(err, nc.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errNotConnected("ListPendingConflicts", err)
	}

	var pending []Conflict
	for _, key := range keys {
		entry, err := b.conflictsKV.Get(key)
		if err != nil {
			continue
		}
		var c Conflict
		if err := json.Unmarshal(entry.Value(), &c); err != nil {
			continue
		}
		if c.Status == ConflictPending {
			pending = append(pending, c)
		}
	}
	return pending, nil
}

// PopPendingConflict blocks up to timeout for the next conflict id on the
// FIFO stream, marks it in-arbitration, and returns it. JetStream's
// work-queue retention plus ack-on-success gives the delivery invariant the
// spec requires: no two arbitrators observe the same id in pending.
func (b *Bus) PopPendingConflict(timeout time.Duration) (Conflict, bool, error) {
	if !b.IsConnected() {
		return Conflict{}, false, errNotConnected("PopPendingConflict", corerr.ErrNotConnected)
	}

	msgs, err := b.conflictSub.Fetch(1, nc.MaxWait(timeout))
	if err != nil {
		if errors.Is(err, nc.ErrTimeout) {
			return Conflict{}, false, nil
		}
		return Conflict{}, false, errNotConnected("PopPendingConflict", err)
	}
	if len(msgs) == 0 {
		return Conflict{}, false, nil
	}

	msg := msgs[0]
	id := string(msg.Data)

	c, err := b.UpdateConflictStatus(id, ConflictInArbitration, nil)
	if err != nil {
		_ = msg.Nak()
		return Conflict{}, false, err
	}

	_ = msg.Ack()
	return c, true, nil
}
