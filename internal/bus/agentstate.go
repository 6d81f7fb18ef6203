package bus

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

func agentStateKey(taskID, agent string) string {
	return taskID + "/" + strings.ReplaceAll(agent, ".", "%2E")
}

// SetAgentState records or refreshes an agent's reported status. Each call
// refreshes the bucket-wide idle TTL for this key, per spec.md §4.1.
func (b *Bus) SetAgentState(state AgentState) error {
	if !b.IsConnected() {
		return errNotConnected("SetAgentState", corerr.ErrNotConnected)
	}

	state.LastHeartbeat = time.Now()
	data, err := marshalCapped(state, b.opts.SerializationCap)
	if err != nil {
		return err
	}

	if _, err := b.agentStateKV.Put(agentStateKey(state.TaskID, state.Agent), data); err != nil {
		return errNotConnected("SetAgentState", err)
	}
	return nil
}

// GetAgentState returns the most recent reported state for (task, agent).
func (b *Bus) GetAgentState(taskID, agent string) (AgentState, bool, error) {
	if !b.IsConnected() {
		return AgentState{}, false, errNotConnected("GetAgentState", corerr.ErrNotConnected)
	}

	entry, err := b.agentStateKV.Get(agentStateKey(taskID, agent))
	if err != nil {
		if errors.Is(err, nc.ErrKeyNotFound) {
			return AgentState{}, false, nil
		}
		return AgentState{}, false, errNotConnected("GetAgentState", err)
	}

	var state AgentState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return AgentState{}, false, err
	}
	return state, true, nil
}

// ListAgentStates returns every agent state reported for a task.
func (b *Bus) ListAgentStates(taskID string) ([]AgentState, error) {
	if !b.IsConnected() {
		return nil, errNotConnected("ListAgentStates", corerr.ErrNotConnected)
	}

	keys, err := b.agentStateKV.Keys()
	if err != nil {
		if errors.Is(err, nc.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errNotConnected("ListAgentStates", err)
	}

	var states []AgentState
	prefix := taskID + "/"
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := b.agentStateKV.Get(key)
		if err != nil {
			continue
		}
		var state AgentState
		if err := json.Unmarshal(entry.Value(), &state); err != nil {
			continue
		}
		states = append(states, state)
	}
	return states, nil
}
