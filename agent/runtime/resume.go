package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/model"
	"goa.design/agentcore/agent/store"
	"goa.design/agentcore/agent/tools"
)

// Resume strategies.
const (
	// ResumeCrash assumes the previous process died mid-step: non-terminal
	// tool calls are sealed and dangling uses repaired before the agent
	// accepts work.
	ResumeCrash = "crash"
	// ResumeClean assumes the previous process shut down in Ready state and
	// restores without sealing.
	ResumeClean = "clean"
)

// ResumeOptions shape a Resume call.
type ResumeOptions struct {
	// Strategy is the recovery strategy, ResumeCrash by default.
	Strategy string
}

// Resume rebuilds an agent from the store. The effective config travels in
// the agent meta, so callers supply only the environment dependencies. The
// event bus cursor continues from the last persisted bookmark, keeping event
// identifiers monotonic across process restarts.
func Resume(ctx context.Context, id agent.Ident, deps Deps, opts ResumeOptions) (*Agent, error) {
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	info, err := deps.Store.LoadInfo(ctx, id)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, &agent.ConfigError{Reason: "unknown agent " + id.String()}
	}
	var cfg Config
	if ok, err := info.DecodeMeta("config", &cfg); err != nil {
		return nil, &agent.StorageError{Op: "load_info", Err: err}
	} else if !ok {
		return nil, &agent.ConfigError{Reason: "agent meta missing config"}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	a := newAgent(id, cfg, deps)
	a.bus = events.NewBus(timeline{st: deps.Store, id: id}, events.WithStartSeq(info.LastBookmark.Seq))
	if err := a.buildTools(); err != nil {
		return nil, err
	}
	if err := a.restore(ctx, info); err != nil {
		return nil, err
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = ResumeCrash
	}
	var sealed []*tools.Record
	if strategy == ResumeCrash {
		a.sealNonTerminal(ctx, "Sealed during crash recovery")
		more, err := a.autoSealDanglingToolUses(ctx, "Sealed during crash recovery")
		if err != nil {
			return nil, err
		}
		sealed = append(a.sealedRecords(), more...)
		sealed = dedupeRecords(sealed)
		if err := a.sanitizeOrphanToolResults(ctx); err != nil {
			return nil, err
		}
	}

	// Approvals do not survive a restart, so a persisted awaiting-approval
	// breakpoint is stale by construction.
	if info.Breakpoint == agent.BreakAwaitingApproval {
		a.emit(ctx, events.NewAgentRecovered("stale_awaiting_approval"))
		a.mu.Lock()
		a.breakpoint = agent.BreakReady
		a.mu.Unlock()
	}
	a.emit(ctx, events.NewAgentResumed(strategy, sealed))
	if err := a.persistMeta(ctx); err != nil {
		return nil, err
	}
	a.deps.Logger.Info(ctx, "agent resumed", "agent", id.String(), "strategy", strategy, "sealed", len(sealed))
	a.deps.Metrics.IncCounter("agent_resumed_total", 1)
	return a, nil
}

// restore loads persisted state into a freshly built agent.
func (a *Agent) restore(ctx context.Context, info *store.Info) error {
	msgs, err := a.deps.Store.LoadMessages(ctx, a.id)
	if err != nil {
		return err
	}
	recs, err := a.deps.Store.LoadToolCalls(ctx, a.id)
	if err != nil {
		return err
	}
	todos, err := a.deps.Store.LoadTodos(ctx, a.id)
	if err != nil {
		return err
	}
	if todos != nil {
		a.todos.Restore(*todos)
	}

	var queue []queuedMessage
	if _, err := info.DecodeMeta("queue", &queue); err != nil {
		a.deps.Logger.Warn(ctx, "queued messages unreadable, dropping", "agent", a.id.String(), "err", err.Error())
	}
	var activated []string
	_, _ = info.DecodeMeta("activatedSkills", &activated)
	var usage model.TokenUsage
	_, _ = info.DecodeMeta("usage", &usage)

	a.mu.Lock()
	a.messages = msgs
	for _, rec := range recs {
		a.records[rec.ID] = rec
		a.recOrder = append(a.recOrder, rec.ID)
	}
	a.queue = queue
	a.steps = info.MetaInt("stepCount")
	a.iteration = info.MetaInt("iterationCount")
	a.usage = usage
	a.lineage = append([]agent.Ident(nil), info.Lineage...)
	a.createdAt = info.CreatedAt
	a.breakpoint = info.Breakpoint
	a.mu.Unlock()

	if len(activated) > 0 {
		if _, err := a.skillMgr.Discover(); err != nil {
			a.deps.Logger.Warn(ctx, "skill discovery failed", "agent", a.id.String(), "err", err.Error())
		}
		a.skillMgr.RestoreActivated(activated)
	}
	return nil
}

func (a *Agent) sealedRecords() []*tools.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*tools.Record
	for _, id := range a.recOrder {
		if rec := a.records[id]; rec.State == tools.CallSealed {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func dedupeRecords(recs []*tools.Record) []*tools.Record {
	seen := make(map[string]struct{}, len(recs))
	out := recs[:0]
	for _, rec := range recs {
		if _, ok := seen[rec.ID]; ok {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	return out
}

// Snapshot captures the current transcript as a fork point and persists it.
func (a *Agent) Snapshot(ctx context.Context) (*store.Snapshot, error) {
	a.mu.Lock()
	msgs := message.Clone(a.messages)
	a.mu.Unlock()
	snap := &store.Snapshot{
		ID:           uuid.NewString(),
		AgentID:      a.id,
		Messages:     msgs,
		LastSFPIndex: message.LastSafeForkPoint(msgs),
		LastBookmark: a.bus.LastBookmark(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.deps.Store.SaveSnapshot(ctx, a.id, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Fork spawns a child agent from the live transcript truncated at the last
// safe fork point. The child shares the parent's dependencies and config,
// carries the parent in its lineage, and starts with a fresh event timeline.
func (a *Agent) Fork(ctx context.Context, childID agent.Ident) (*Agent, error) {
	a.mu.Lock()
	msgs := message.Clone(a.messages)
	a.mu.Unlock()
	return a.forkFrom(ctx, childID, msgs, message.LastSafeForkPoint(msgs))
}

// ForkFromSnapshot spawns a child from a stored snapshot instead of the live
// transcript.
func (a *Agent) ForkFromSnapshot(ctx context.Context, snapshotID string, childID agent.Ident) (*Agent, error) {
	snap, err := a.deps.Store.LoadSnapshot(ctx, a.id, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, &agent.StorageError{Op: "load_snapshot", Err: &agent.ConfigError{Reason: "unknown snapshot " + snapshotID}}
	}
	return a.forkFrom(ctx, childID, message.Clone(snap.Messages), snap.LastSFPIndex)
}

func (a *Agent) forkFrom(ctx context.Context, childID agent.Ident, msgs []message.Message, sfp int) (*Agent, error) {
	if childID == "" {
		childID = agent.Ident(uuid.NewString())
	}
	if sfp >= 0 && sfp < len(msgs)-1 {
		msgs = msgs[:sfp+1]
	}
	child := newAgent(childID, a.cfg, a.deps)
	if err := child.buildTools(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	child.lineage = append(append([]agent.Ident(nil), a.lineage...), a.id)
	a.mu.Unlock()
	child.mu.Lock()
	child.messages = msgs
	child.mu.Unlock()

	// Truncation can leave dangling uses or orphaned results behind; run the
	// repair passes before the child accepts work.
	if _, err := child.autoSealDanglingToolUses(ctx, "Sealed during fork"); err != nil {
		return nil, err
	}
	if err := child.sanitizeOrphanToolResults(ctx); err != nil {
		return nil, err
	}
	if err := child.persistMessages(ctx); err != nil {
		return nil, err
	}
	if err := child.persistMeta(ctx); err != nil {
		return nil, err
	}
	a.deps.Logger.Info(ctx, "agent forked", "parent", a.id.String(), "child", childID.String())
	return child, nil
}
