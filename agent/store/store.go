// Package store defines the persistence contract for agent state: message
// logs, tool-call records, todos, event timelines, fork snapshots, and agent
// meta. Backends live in subpackages (inmem, redis).
package store

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/todo"
	"goa.design/agentcore/agent/tools"
)

type (
	// Store persists all durable agent state. Every method takes the agent id;
	// loads return nil (or the zero value) when nothing was saved. Writes for
	// runtime state are last-writer-wins per key; events are append-only.
	Store interface {
		// SaveMessages replaces the persisted message log.
		SaveMessages(ctx context.Context, id agent.Ident, msgs []message.Message) error
		// LoadMessages returns the persisted message log, nil if absent.
		LoadMessages(ctx context.Context, id agent.Ident) ([]message.Message, error)

		// SaveToolCalls replaces the persisted tool-call records.
		SaveToolCalls(ctx context.Context, id agent.Ident, recs []*tools.Record) error
		// LoadToolCalls returns the persisted tool-call records, nil if
		// absent. Implementations accept the legacy record shape on read.
		LoadToolCalls(ctx context.Context, id agent.Ident) ([]*tools.Record, error)

		// SaveTodos replaces the persisted todo snapshot.
		SaveTodos(ctx context.Context, id agent.Ident, snap todo.Snapshot) error
		// LoadTodos returns the persisted todo snapshot, nil if absent.
		LoadTodos(ctx context.Context, id agent.Ident) (*todo.Snapshot, error)

		// AppendEvent appends one envelope to the agent's timeline.
		AppendEvent(ctx context.Context, id agent.Ident, env events.Envelope) error
		// ReadEvents returns timeline envelopes in cursor order, filtered by
		// channel when ch is non-nil and restricted to bookmarks strictly
		// after since when since is non-nil.
		ReadEvents(ctx context.Context, id agent.Ident, ch *events.Channel, since *events.Bookmark) ([]events.Envelope, error)

		// SaveSnapshot persists a fork snapshot.
		SaveSnapshot(ctx context.Context, id agent.Ident, snap *Snapshot) error
		// LoadSnapshot returns a snapshot by id, nil if absent.
		LoadSnapshot(ctx context.Context, id agent.Ident, snapshotID string) (*Snapshot, error)
		// ListSnapshots returns the agent's snapshots ordered by creation.
		ListSnapshots(ctx context.Context, id agent.Ident) ([]*Snapshot, error)
		// DeleteSnapshot removes a snapshot; removing a missing one is a
		// no-op.
		DeleteSnapshot(ctx context.Context, id agent.Ident, snapshotID string) error

		// SaveInfo persists the agent meta.
		SaveInfo(ctx context.Context, info *Info) error
		// LoadInfo returns the agent meta, nil if absent.
		LoadInfo(ctx context.Context, id agent.Ident) (*Info, error)

		// Exists reports whether any state is persisted for the agent.
		Exists(ctx context.Context, id agent.Ident) (bool, error)
		// Delete removes all state for the agent.
		Delete(ctx context.Context, id agent.Ident) error
		// List returns the ids of all persisted agents.
		List(ctx context.Context) ([]agent.Ident, error)
	}

	// Info is the agent meta record. It carries enough, including the opaque
	// Metadata config snapshot, to resume an agent from the store alone.
	Info struct {
		// AgentID is the agent identifier.
		AgentID agent.Ident `json:"agentId"`
		// TemplateID names the template the agent was created from.
		TemplateID string `json:"templateId,omitempty"`
		// CreatedAt records agent creation time.
		CreatedAt time.Time `json:"createdAt"`
		// Lineage lists ancestor agent ids, oldest first. Empty for roots.
		Lineage []agent.Ident `json:"lineage,omitempty"`
		// ConfigVersion tracks config schema evolution.
		ConfigVersion int `json:"configVersion"`
		// MessageCount is the persisted message log length.
		MessageCount int `json:"messageCount"`
		// LastSFPIndex is the index of the last safe fork point, -1 if none.
		LastSFPIndex int `json:"lastSfpIndex"`
		// LastBookmark is the bookmark of the last emitted event. Resume
		// seeds the bus cursor from it.
		LastBookmark events.Bookmark `json:"lastBookmark"`
		// Breakpoint is the last persisted breakpoint, used by crash
		// recovery to tell where the step died.
		Breakpoint agent.Breakpoint `json:"breakpoint"`
		// Metadata is the serialized effective config plus free-form values.
		// Kept opaque for forward compatibility; use the typed readers.
		Metadata map[string]json.RawMessage `json:"metadata,omitempty"`
	}

	// Snapshot is a stored fork point: the message prefix up to a safe fork
	// point plus the bookkeeping needed to spawn a child from it.
	Snapshot struct {
		// ID is the snapshot identifier.
		ID string `json:"id"`
		// AgentID is the owning agent.
		AgentID agent.Ident `json:"agentId"`
		// Messages is the message log captured at snapshot time.
		Messages []message.Message `json:"messages"`
		// LastSFPIndex is the safe fork point within Messages, -1 if none.
		LastSFPIndex int `json:"lastSfpIndex"`
		// LastBookmark is the event bookmark at snapshot time.
		LastBookmark events.Bookmark `json:"lastBookmark"`
		// CreatedAt records snapshot creation time.
		CreatedAt time.Time `json:"createdAt"`
		// Metadata carries snapshot bookkeeping (step count, reason, ...).
		Metadata map[string]json.RawMessage `json:"metadata,omitempty"`
	}
)

// SetMeta stores v under key in the metadata map, replacing any previous
// value. Marshal failures are reported so corrupt values never land in meta.
func (i *Info) SetMeta(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if i.Metadata == nil {
		i.Metadata = make(map[string]json.RawMessage)
	}
	i.Metadata[key] = b
	return nil
}

// MetaString reads a string metadata value, returning "" when the key is
// absent or not a string.
func (i *Info) MetaString(key string) string {
	var s string
	if err := i.decodeMeta(key, &s); err != nil {
		return ""
	}
	return s
}

// MetaInt reads an integer metadata value, returning 0 when the key is
// absent or not a number.
func (i *Info) MetaInt(key string) int {
	var n int
	if err := i.decodeMeta(key, &n); err != nil {
		return 0
	}
	return n
}

// MetaBool reads a boolean metadata value, returning false when the key is
// absent or not a boolean.
func (i *Info) MetaBool(key string) bool {
	var b bool
	if err := i.decodeMeta(key, &b); err != nil {
		return false
	}
	return b
}

// DecodeMeta unmarshals the metadata value under key into out. It returns
// false when the key is absent and an error only for malformed JSON.
func (i *Info) DecodeMeta(key string, out any) (bool, error) {
	raw, ok := i.Metadata[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (i *Info) decodeMeta(key string, out any) error {
	raw, ok := i.Metadata[key]
	if !ok {
		return errMetaAbsent
	}
	return json.Unmarshal(raw, out)
}

var errMetaAbsent = jsonError("metadata key absent")

type jsonError string

func (e jsonError) Error() string { return string(e) }

// Clone returns a deep copy of the info record.
func (i *Info) Clone() *Info {
	if i == nil {
		return nil
	}
	cp := *i
	if i.Lineage != nil {
		cp.Lineage = append([]agent.Ident(nil), i.Lineage...)
	}
	if i.Metadata != nil {
		cp.Metadata = make(map[string]json.RawMessage, len(i.Metadata))
		for k, v := range i.Metadata {
			cp.Metadata[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &cp
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Messages = message.Clone(s.Messages)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]json.RawMessage, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &cp
}
