package bus

import (
	"encoding/json"
	"errors"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

// SetProjectContext performs a last-writer-wins full overwrite and
// publishes the new context on the context-update topic.
func (b *Bus) SetProjectContext(projectID string, ctx ProjectContext) error {
	if !b.IsConnected() {
		return errNotConnected("SetProjectContext", corerr.ErrNotConnected)
	}

	ctx.ProjectID = projectID
	ctx.UpdatedAt = time.Now()
	data, err := marshalCapped(ctx, b.opts.SerializationCap)
	if err != nil {
		return err
	}

	if _, err := b.contextKV.Put(projectID, data); err != nil {
		return errNotConnected("SetProjectContext", err)
	}
	b.Publish("context-update", ctx)
	return nil
}

// GetProjectContext returns the stored context for a project.
func (b *Bus) GetProjectContext(projectID string) (ProjectContext, error) {
	if !b.IsConnected() {
		return ProjectContext{}, errNotConnected("GetProjectContext", corerr.ErrNotConnected)
	}

	entry, err := b.contextKV.Get(projectID)
	if err != nil {
		if errors.Is(err, nc.ErrKeyNotFound) {
			return ProjectContext{ProjectID: projectID, Slots: map[string]Slot{}}, nil
		}
		return ProjectContext{}, errNotConnected("GetProjectContext", err)
	}

	var ctx ProjectContext
	if err := json.Unmarshal(entry.Value(), &ctx); err != nil {
		return ProjectContext{}, err
	}
	return ctx, nil
}

// MergeProjectContext deep-merges a patch's named slots into the stored
// context, last-writer-wins per slot by the patch's timestamp, retrying the
// read-modify-CAS-write loop if a concurrent writer raced it.
func (b *Bus) MergeProjectContext(projectID string, patch Patch) (ProjectContext, error) {
	if !b.IsConnected() {
		return ProjectContext{}, errNotConnected("MergeProjectContext", corerr.ErrNotConnected)
	}

	for attempt := 0; attempt < 5; attempt++ {
		entry, err := b.contextKV.Get(projectID)
		var ctx ProjectContext
		var rev uint64
		switch {
		case err == nil:
			if jerr := json.Unmarshal(entry.Value(), &ctx); jerr != nil {
				return ProjectContext{}, jerr
			}
			rev = entry.Revision()
		case errors.Is(err, nc.ErrKeyNotFound):
			ctx = ProjectContext{ProjectID: projectID, Slots: map[string]Slot{}}
		default:
			return ProjectContext{}, errNotConnected("MergeProjectContext", err)
		}

		if ctx.Slots == nil {
			ctx.Slots = map[string]Slot{}
		}
		for name, patchSlot := range patch.Slots {
			existing, ok := ctx.Slots[name]
			if !ok || !patchSlot.UpdatedAt.Before(existing.UpdatedAt) {
				ctx.Slots[name] = patchSlot
			}
		}
		ctx.UpdatedAt = time.Now()

		data, merr := marshalCapped(ctx, b.opts.SerializationCap)
		if merr != nil {
			return ProjectContext{}, merr
		}

		if rev == 0 {
			if _, err := b.contextKV.Create(projectID, data); err != nil {
				if errors.Is(err, nc.ErrKeyExists) {
					continue // someone else created it first, retry merge
				}
				return ProjectContext{}, errNotConnected("MergeProjectContext", err)
			}
		} else {
			if _, err := b.contextKV.Update(projectID, data, rev); err != nil {
				continue // revision moved, retry merge
			}
		}

		b.Publish("context-update", ctx)
		return ctx, nil
	}

	return ProjectContext{}, corerr.New(corerr.KindInternal, "MergeProjectContext: too much contention")
}

// ConsolidateIfOversized compresses a project's context when its serialized
// size exceeds the configured threshold, per the spec's data model note
// that ProjectContext is "consolidated (compressed) when its serialized
// size exceeds a configurable threshold." Consolidation here collapses the
// "activity" slot to its most recent keepActivity entries when its value is
// a list; every other slot, decision slots included, is left as it is, so
// the written-back context can still exceed threshold.
func (b *Bus) ConsolidateIfOversized(projectID string, threshold int, keepActivity int) error {
	ctx, err := b.GetProjectContext(projectID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(ctx)
	if err != nil {
		return err
	}
	if len(data) <= threshold {
		return nil
	}

	if activity, ok := ctx.Slots["activity"]; ok {
		if entries, ok := activity.Value.([]interface{}); ok && len(entries) > keepActivity {
			activity.Value = entries[len(entries)-keepActivity:]
			ctx.Slots["activity"] = activity
		}
	}

	return b.SetProjectContext(projectID, ctx)
}
