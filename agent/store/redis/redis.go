// Package redis provides a Redis-backed Store implementation. State is laid
// out under a configurable key prefix:
//
//	<prefix>:agents                      set of agent ids
//	<prefix>:agent:<id>:messages         JSON message log
//	<prefix>:agent:<id>:toolcalls        JSON tool-call records
//	<prefix>:agent:<id>:todos            JSON todo snapshot
//	<prefix>:agent:<id>:info             JSON agent meta
//	<prefix>:agent:<id>:events           list of JSON envelopes (RPUSH order)
//	<prefix>:agent:<id>:snapshots        hash snapshot id -> JSON snapshot
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/store"
	"goa.design/agentcore/agent/todo"
	"goa.design/agentcore/agent/tools"
)

type (
	// Store is a Redis-backed store.Store. Safe for concurrent use; all
	// synchronization is delegated to Redis.
	Store struct {
		client goredis.UniversalClient
		prefix string
	}

	// Option configures a Store.
	Option func(*Store)
)

// WithPrefix overrides the key prefix, "agentcore" by default.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New constructs a store backed by the given Redis client.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: "agentcore"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) agentsKey() string { return s.prefix + ":agents" }

func (s *Store) key(id agent.Ident, part string) string {
	return fmt.Sprintf("%s:agent:%s:%s", s.prefix, id, part)
}

func (s *Store) saveJSON(ctx context.Context, id agent.Ident, part string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return &agent.StorageError{Op: "save_" + part, Err: err}
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(id, part), b, 0)
	pipe.SAdd(ctx, s.agentsKey(), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return &agent.StorageError{Op: "save_" + part, Err: err}
	}
	return nil
}

func (s *Store) loadJSON(ctx context.Context, id agent.Ident, part string, out any) (bool, error) {
	b, err := s.client.Get(ctx, s.key(id, part)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, &agent.StorageError{Op: "load_" + part, Err: err}
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, &agent.StorageError{Op: "load_" + part, Err: err}
	}
	return true, nil
}

// SaveMessages implements store.Store.
func (s *Store) SaveMessages(ctx context.Context, id agent.Ident, msgs []message.Message) error {
	return s.saveJSON(ctx, id, "messages", msgs)
}

// LoadMessages implements store.Store.
func (s *Store) LoadMessages(ctx context.Context, id agent.Ident) ([]message.Message, error) {
	var msgs []message.Message
	ok, err := s.loadJSON(ctx, id, "messages", &msgs)
	if err != nil || !ok {
		return nil, err
	}
	return msgs, nil
}

// SaveToolCalls implements store.Store.
func (s *Store) SaveToolCalls(ctx context.Context, id agent.Ident, recs []*tools.Record) error {
	return s.saveJSON(ctx, id, "toolcalls", recs)
}

// LoadToolCalls implements store.Store. Legacy record shapes are migrated by
// the record decoder.
func (s *Store) LoadToolCalls(ctx context.Context, id agent.Ident) ([]*tools.Record, error) {
	var recs []*tools.Record
	ok, err := s.loadJSON(ctx, id, "toolcalls", &recs)
	if err != nil || !ok {
		return nil, err
	}
	return recs, nil
}

// SaveTodos implements store.Store.
func (s *Store) SaveTodos(ctx context.Context, id agent.Ident, snap todo.Snapshot) error {
	return s.saveJSON(ctx, id, "todos", snap)
}

// LoadTodos implements store.Store.
func (s *Store) LoadTodos(ctx context.Context, id agent.Ident) (*todo.Snapshot, error) {
	var snap todo.Snapshot
	ok, err := s.loadJSON(ctx, id, "todos", &snap)
	if err != nil || !ok {
		return nil, err
	}
	return &snap, nil
}

// AppendEvent implements store.Store.
func (s *Store) AppendEvent(ctx context.Context, id agent.Ident, env events.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return &agent.StorageError{Op: "append_event", Err: err}
	}
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, s.key(id, "events"), b)
	pipe.SAdd(ctx, s.agentsKey(), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return &agent.StorageError{Op: "append_event", Err: err}
	}
	return nil
}

// ReadEvents implements store.Store.
func (s *Store) ReadEvents(ctx context.Context, id agent.Ident, ch *events.Channel, since *events.Bookmark) ([]events.Envelope, error) {
	raw, err := s.client.LRange(ctx, s.key(id, "events"), 0, -1).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &agent.StorageError{Op: "read_events", Err: err}
	}
	var out []events.Envelope
	for _, item := range raw {
		var env events.Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
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
func (s *Store) SaveSnapshot(ctx context.Context, id agent.Ident, snap *store.Snapshot) error {
	if snap == nil || snap.ID == "" {
		return &agent.StorageError{Op: "save_snapshot", Err: errors.New("snapshot requires an id")}
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return &agent.StorageError{Op: "save_snapshot", Err: err}
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(id, "snapshots"), snap.ID, b)
	pipe.SAdd(ctx, s.agentsKey(), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return &agent.StorageError{Op: "save_snapshot", Err: err}
	}
	return nil
}

// LoadSnapshot implements store.Store.
func (s *Store) LoadSnapshot(ctx context.Context, id agent.Ident, snapshotID string) (*store.Snapshot, error) {
	b, err := s.client.HGet(ctx, s.key(id, "snapshots"), snapshotID).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &agent.StorageError{Op: "load_snapshot", Err: err}
	}
	var snap store.Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, &agent.StorageError{Op: "load_snapshot", Err: err}
	}
	return &snap, nil
}

// ListSnapshots implements store.Store. Snapshots are returned ordered by
// creation time since Redis hashes do not preserve insertion order.
func (s *Store) ListSnapshots(ctx context.Context, id agent.Ident) ([]*store.Snapshot, error) {
	all, err := s.client.HGetAll(ctx, s.key(id, "snapshots")).Result()
	if err != nil {
		return nil, &agent.StorageError{Op: "list_snapshots", Err: err}
	}
	out := make([]*store.Snapshot, 0, len(all))
	for _, item := range all {
		var snap store.Snapshot
		if err := json.Unmarshal([]byte(item), &snap); err != nil {
			return nil, &agent.StorageError{Op: "list_snapshots", Err: err}
		}
		out = append(out, &snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteSnapshot implements store.Store.
func (s *Store) DeleteSnapshot(ctx context.Context, id agent.Ident, snapshotID string) error {
	if err := s.client.HDel(ctx, s.key(id, "snapshots"), snapshotID).Err(); err != nil {
		return &agent.StorageError{Op: "delete_snapshot", Err: err}
	}
	return nil
}

// SaveInfo implements store.Store.
func (s *Store) SaveInfo(ctx context.Context, info *store.Info) error {
	if info == nil || info.AgentID == "" {
		return &agent.StorageError{Op: "save_info", Err: errors.New("info requires an agent id")}
	}
	return s.saveJSON(ctx, info.AgentID, "info", info)
}

// LoadInfo implements store.Store.
func (s *Store) LoadInfo(ctx context.Context, id agent.Ident) (*store.Info, error) {
	var info store.Info
	ok, err := s.loadJSON(ctx, id, "info", &info)
	if err != nil || !ok {
		return nil, err
	}
	return &info, nil
}

// Exists implements store.Store.
func (s *Store) Exists(ctx context.Context, id agent.Ident) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.agentsKey(), string(id)).Result()
	if err != nil {
		return false, &agent.StorageError{Op: "exists", Err: err}
	}
	return ok, nil
}

// Delete implements store.Store.
func (s *Store) Delete(ctx context.Context, id agent.Ident) error {
	pipe := s.client.TxPipeline()
	for _, part := range []string{"messages", "toolcalls", "todos", "info", "events", "snapshots"} {
		pipe.Del(ctx, s.key(id, part))
	}
	pipe.SRem(ctx, s.agentsKey(), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return &agent.StorageError{Op: "delete", Err: err}
	}
	return nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context) ([]agent.Ident, error) {
	members, err := s.client.SMembers(ctx, s.agentsKey()).Result()
	if err != nil {
		return nil, &agent.StorageError{Op: "list", Err: err}
	}
	sort.Strings(members)
	ids := make([]agent.Ident, len(members))
	for i, m := range members {
		ids[i] = agent.Ident(m)
	}
	return ids, nil
}
