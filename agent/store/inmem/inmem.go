// Package inmem provides an in-memory Store implementation for tests and
// single-process embedding. All state is scoped to the Store instance and
// lost when it is garbage collected.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/store"
	"goa.design/agentcore/agent/todo"
	"goa.design/agentcore/agent/tools"
)

type (
	// Store is an in-memory store.Store. Safe for concurrent use. Values are
	// deep-copied on write and read so callers can never alias stored state;
	// timeline envelopes are kept as encoded JSON so reads exercise the same
	// codec path as durable backends.
	Store struct {
		mu     sync.RWMutex
		agents map[agent.Ident]*state
	}

	state struct {
		messages  []message.Message
		toolCalls []*tools.Record
		todos     *todo.Snapshot
		eventLog  []json.RawMessage
		snapshots map[string]*store.Snapshot
		snapOrder []string
		info      *store.Info
	}
)

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{agents: make(map[agent.Ident]*state)}
}

func (s *Store) state(id agent.Ident) *state {
	st, ok := s.agents[id]
	if !ok {
		st = &state{snapshots: make(map[string]*store.Snapshot)}
		s.agents[id] = st
	}
	return st
}

// SaveMessages implements store.Store.
func (s *Store) SaveMessages(_ context.Context, id agent.Ident, msgs []message.Message) error {
	cp := message.Clone(msgs)
	s.mu.Lock()
	s.state(id).messages = cp
	s.mu.Unlock()
	return nil
}

// LoadMessages implements store.Store.
func (s *Store) LoadMessages(_ context.Context, id agent.Ident) ([]message.Message, error) {
	s.mu.RLock()
	st, ok := s.agents[id]
	if !ok || st.messages == nil {
		s.mu.RUnlock()
		return nil, nil
	}
	cp := message.Clone(st.messages)
	s.mu.RUnlock()
	return cp, nil
}

// SaveToolCalls implements store.Store.
func (s *Store) SaveToolCalls(_ context.Context, id agent.Ident, recs []*tools.Record) error {
	cp := make([]*tools.Record, len(recs))
	for i, r := range recs {
		cp[i] = r.Clone()
	}
	s.mu.Lock()
	s.state(id).toolCalls = cp
	s.mu.Unlock()
	return nil
}

// LoadToolCalls implements store.Store.
func (s *Store) LoadToolCalls(_ context.Context, id agent.Ident) ([]*tools.Record, error) {
	s.mu.RLock()
	st, ok := s.agents[id]
	if !ok || st.toolCalls == nil {
		s.mu.RUnlock()
		return nil, nil
	}
	cp := make([]*tools.Record, len(st.toolCalls))
	for i, r := range st.toolCalls {
		cp[i] = r.Clone()
	}
	s.mu.RUnlock()
	return cp, nil
}

// SaveTodos implements store.Store.
func (s *Store) SaveTodos(_ context.Context, id agent.Ident, snap todo.Snapshot) error {
	cp := snap
	cp.Todos = append([]todo.Item(nil), snap.Todos...)
	s.mu.Lock()
	s.state(id).todos = &cp
	s.mu.Unlock()
	return nil
}

// LoadTodos implements store.Store.
func (s *Store) LoadTodos(_ context.Context, id agent.Ident) (*todo.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[id]
	if !ok || st.todos == nil {
		return nil, nil
	}
	cp := *st.todos
	cp.Todos = append([]todo.Item(nil), st.todos.Todos...)
	return &cp, nil
}

// AppendEvent implements store.Store.
func (s *Store) AppendEvent(_ context.Context, id agent.Ident, env events.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return &agent.StorageError{Op: "append_event", Err: err}
	}
	s.mu.Lock()
	st := s.state(id)
	st.eventLog = append(st.eventLog, b)
	s.mu.Unlock()
	return nil
}

// ReadEvents implements store.Store.
func (s *Store) ReadEvents(_ context.Context, id agent.Ident, ch *events.Channel, since *events.Bookmark) ([]events.Envelope, error) {
	s.mu.RLock()
	st, ok := s.agents[id]
	var raw []json.RawMessage
	if ok {
		raw = append([]json.RawMessage(nil), st.eventLog...)
	}
	s.mu.RUnlock()

	var out []events.Envelope
	for _, b := range raw {
		var env events.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, &agent.StorageError{Op: "read_events", Err: err}
		}
		if since != nil && env.Bookmark.Seq <= since.Seq {
			continue
		}
		if ch != nil && env.Event.Channel() != *ch {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

// SaveSnapshot implements store.Store.
func (s *Store) SaveSnapshot(_ context.Context, id agent.Ident, snap *store.Snapshot) error {
	if snap == nil || snap.ID == "" {
		return fmt.Errorf("inmem: snapshot requires an id")
	}
	cp := snap.Clone()
	s.mu.Lock()
	st := s.state(id)
	if _, exists := st.snapshots[cp.ID]; !exists {
		st.snapOrder = append(st.snapOrder, cp.ID)
	}
	st.snapshots[cp.ID] = cp
	s.mu.Unlock()
	return nil
}

// LoadSnapshot implements store.Store.
func (s *Store) LoadSnapshot(_ context.Context, id agent.Ident, snapshotID string) (*store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	return st.snapshots[snapshotID].Clone(), nil
}

// ListSnapshots implements store.Store.
func (s *Store) ListSnapshots(_ context.Context, id agent.Ident) ([]*store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	out := make([]*store.Snapshot, 0, len(st.snapOrder))
	for _, sid := range st.snapOrder {
		if snap, ok := st.snapshots[sid]; ok {
			out = append(out, snap.Clone())
		}
	}
	return out, nil
}

// DeleteSnapshot implements store.Store.
func (s *Store) DeleteSnapshot(_ context.Context, id agent.Ident, snapshotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.agents[id]
	if !ok {
		return nil
	}
	if _, exists := st.snapshots[snapshotID]; !exists {
		return nil
	}
	delete(st.snapshots, snapshotID)
	for i, sid := range st.snapOrder {
		if sid == snapshotID {
			st.snapOrder = append(st.snapOrder[:i], st.snapOrder[i+1:]...)
			break
		}
	}
	return nil
}

// SaveInfo implements store.Store.
func (s *Store) SaveInfo(_ context.Context, info *store.Info) error {
	if info == nil || info.AgentID == "" {
		return fmt.Errorf("inmem: info requires an agent id")
	}
	cp := info.Clone()
	s.mu.Lock()
	s.state(info.AgentID).info = cp
	s.mu.Unlock()
	return nil
}

// LoadInfo implements store.Store.
func (s *Store) LoadInfo(_ context.Context, id agent.Ident) (*store.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.agents[id]
	if !ok || st.info == nil {
		return nil, nil
	}
	return st.info.Clone(), nil
}

// Exists implements store.Store.
func (s *Store) Exists(_ context.Context, id agent.Ident) (bool, error) {
	s.mu.RLock()
	_, ok := s.agents[id]
	s.mu.RUnlock()
	return ok, nil
}

// Delete implements store.Store.
func (s *Store) Delete(_ context.Context, id agent.Ident) error {
	s.mu.Lock()
	delete(s.agents, id)
	s.mu.Unlock()
	return nil
}

// List implements store.Store.
func (s *Store) List(_ context.Context) ([]agent.Ident, error) {
	s.mu.RLock()
	ids := make([]agent.Ident, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
