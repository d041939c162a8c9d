// Package runtime implements the agent core: the per-agent state machine,
// the singleton processing loop, streaming steps, the tool-call pipeline
// with permission gating, context repair and compression, crash recovery,
// fork snapshots, and sub-agent delegation.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/agentcore/agent"
	"goa.design/agentcore/agent/events"
	"goa.design/agentcore/agent/hooks"
	"goa.design/agentcore/agent/memory"
	"goa.design/agentcore/agent/message"
	"goa.design/agentcore/agent/model"
	"goa.design/agentcore/agent/model/middleware"
	"goa.design/agentcore/agent/permission"
	"goa.design/agentcore/agent/schedule"
	"goa.design/agentcore/agent/skills"
	"goa.design/agentcore/agent/store"
	"goa.design/agentcore/agent/todo"
	"goa.design/agentcore/agent/tools"
)

type (
	// Agent is a per-conversation runtime instance. All public methods are
	// safe for concurrent use; the processing loop is the only writer of the
	// message log apart from the explicit mutators (SetTodos, Approve, Deny,
	// Interrupt).
	Agent struct {
		id     agent.Ident
		cfg    Config
		deps   Deps
		client model.Client

		bus      *events.Bus
		perm     *permission.Manager
		hookReg  *hooks.Registry
		mem      *memory.Manager
		sched    *schedule.Scheduler
		skillMgr *skills.Manager
		todos    *todo.List
		sem      chan struct{}

		mu          sync.Mutex
		state       agent.RuntimeState
		breakpoint  agent.Breakpoint
		messages    []message.Message
		records     map[string]*tools.Record
		recOrder    []string
		queue       []queuedMessage
		enabled     map[string]tools.Tool
		toolOrder   []string
		iteration   int
		steps       int
		usage       model.TokenUsage
		streaks     map[string]int
		allowOnly   string
		suppress    bool
		nudge       string
		processing  bool
		queuedRun   bool
		runID       string
		heartbeat   time.Time
		loopDone    chan struct{}
		procCancel  context.CancelFunc
		toolCancels map[string]context.CancelFunc
		interrupted bool
		lastStop    agent.StopReason
		lastErr     error
		lineage     []agent.Ident
		createdAt   time.Time
		closed      bool
		pauses      chan struct{}
	}

	// queuedMessage is one enqueued input awaiting the next flush.
	queuedMessage struct {
		ID string `json:"id"`
		// Kind is "user" or "reminder".
		Kind string `json:"kind"`
		Text string `json:"text"`
		// SkipStandardEnding omits the reminder envelope's closing line.
		SkipStandardEnding bool `json:"skipStandardEnding,omitempty"`
		// Category labels the reminder source (todo, skill, schedule, ...).
		Category string `json:"category,omitempty"`
	}

	// ReminderOptions shape a reminder enqueue.
	ReminderOptions struct {
		// SkipStandardEnding omits the closing instruction line.
		SkipStandardEnding bool
		// Category labels the reminder source.
		Category string
	}

	// timeline adapts the store to the bus persistence contract for one
	// agent.
	timeline struct {
		st store.Store
		id agent.Ident
	}
)

// Message kinds accepted by the queue.
const (
	kindUser     = "user"
	kindReminder = "reminder"
)

func (t timeline) AppendEvent(ctx context.Context, env events.Envelope) error {
	return t.st.AppendEvent(ctx, t.id, env)
}

func (t timeline) ReadEvents(ctx context.Context, after int64) ([]events.Envelope, error) {
	return t.st.ReadEvents(ctx, t.id, nil, &events.Bookmark{Seq: after})
}

// Create builds a new agent, persists its meta, and leaves it in Ready
// state. Configuration errors are returned synchronously.
func Create(ctx context.Context, id agent.Ident, cfg Config, deps Deps) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := deps.normalize(); err != nil {
		return nil, err
	}
	if id == "" {
		id = agent.Ident(uuid.NewString())
	}
	a := newAgent(id, cfg, deps)
	if err := a.buildTools(); err != nil {
		return nil, err
	}
	if _, err := a.skillMgr.Discover(); err != nil {
		a.deps.Logger.Warn(ctx, "skill discovery failed", "agent", id.String(), "err", err.Error())
	}
	for _, name := range cfg.AutoActivateSkills {
		if err := a.activateSkill(ctx, name, skills.ActivatedByConfig); err != nil {
			a.deps.Logger.Warn(ctx, "skill auto-activation failed", "agent", id.String(), "skill", name, "err", err.Error())
		}
	}
	if err := a.persistMeta(ctx); err != nil {
		return nil, err
	}
	a.deps.Logger.Info(ctx, "agent created", "agent", id.String(), "model", cfg.Model)
	a.deps.Metrics.IncCounter("agent_created_total", 1)
	return a, nil
}

func newAgent(id agent.Ident, cfg Config, deps Deps) *Agent {
	a := &Agent{
		id:          id,
		cfg:         cfg,
		deps:        deps,
		state:       agent.StateReady,
		breakpoint:  agent.BreakReady,
		records:     make(map[string]*tools.Record),
		enabled:     make(map[string]tools.Tool),
		streaks:     make(map[string]int),
		toolCancels: make(map[string]context.CancelFunc),
		createdAt:   time.Now().UTC(),
		pauses:      make(chan struct{}, 8),
		sem:         make(chan struct{}, cfg.maxToolConcurrency()),
	}
	a.bus = events.NewBus(timeline{st: deps.Store, id: id})
	a.perm = permission.NewManager(cfg.Permissions, a.emit)
	a.hookReg = hooks.NewRegistry()
	memOpts := []memory.Option{memory.WithSummarizer(deps.Summarizer, cfg.Model)}
	if cfg.CompressionThreshold > 0 {
		memOpts = append(memOpts, memory.WithTokenThreshold(cfg.CompressionThreshold))
	}
	a.mem = memory.NewManager(memOpts...)
	a.sched = schedule.NewScheduler(a.emit)
	a.skillMgr = skills.NewManager(cfg.SkillPaths, a.emit)
	a.todos = todo.NewList()
	a.client = deps.Model
	if cfg.RateLimitTPM > 0 {
		limiter := middleware.NewAdaptiveRateLimiter(float64(cfg.RateLimitTPM), float64(2*cfg.RateLimitTPM))
		a.client = limiter.Middleware()(a.client)
	}
	return a
}

// buildTools resolves the configured tool ids against the registry. "*"
// selects every registered tool; explicit ids must exist.
func (a *Agent) buildTools() error {
	ids := a.cfg.Tools
	if len(ids) == 1 && ids[0] == "*" {
		ids = a.deps.Registry.List()
	}
	for _, id := range ids {
		cfg := a.cfg.ToolConfigs[id]
		t, err := a.deps.Registry.Create(id, cfg)
		if err != nil {
			return &agent.ToolNotFoundError{ToolName: id}
		}
		name := t.Name()
		if _, dup := a.enabled[name]; dup {
			continue
		}
		a.enabled[name] = t
		a.toolOrder = append(a.toolOrder, name)
	}
	return nil
}

// ID returns the agent identifier.
func (a *Agent) ID() agent.Ident { return a.id }

// State returns the current runtime state.
func (a *Agent) State() agent.RuntimeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Breakpoint returns the current breakpoint.
func (a *Agent) Breakpoint() agent.Breakpoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.breakpoint
}

// Messages returns a deep copy of the message log.
func (a *Agent) Messages() []message.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return message.Clone(a.messages)
}

// Records returns deep copies of the tool-call records in creation order.
func (a *Agent) Records() []*tools.Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*tools.Record, 0, len(a.recOrder))
	for _, id := range a.recOrder {
		out = append(out, a.records[id].Clone())
	}
	return out
}

// Usage returns the accumulated token usage.
func (a *Agent) Usage() model.TokenUsage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usage
}

// Steps returns the completed step count.
func (a *Agent) Steps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.steps
}

// Schedule returns the agent's scheduler for trigger registration.
func (a *Agent) Schedule() *schedule.Scheduler { return a.sched }

// Hooks returns the hook registry.
func (a *Agent) Hooks() *hooks.Registry { return a.hookReg }

// Skills returns the skills manager.
func (a *Agent) Skills() *skills.Manager { return a.skillMgr }

// Todos returns a copy of the current todo items.
func (a *Agent) Todos() []todo.Item { return a.todos.Items() }

// FailedEventCount reports envelopes buffered after event persistence
// failures.
func (a *Agent) FailedEventCount() int { return a.bus.FailedEventCount() }

// FlushFailedEvents retries persistence of buffered envelopes.
func (a *Agent) FlushFailedEvents(ctx context.Context) error { return a.bus.FlushFailed(ctx) }

// Subscribe attaches an event consumer to the agent's bus.
func (a *Agent) Subscribe(ctx context.Context, opts events.SubscribeOptions) (*events.Subscription, error) {
	return a.bus.Subscribe(ctx, opts)
}

// Send enqueues a user message and returns its id. The enqueue is
// non-blocking: the message enters the transcript at the next flush. New
// user guidance resets the iteration budget and the invalid-argument
// recovery streaks.
func (a *Agent) Send(ctx context.Context, text string) string {
	id := uuid.NewString()
	a.mu.Lock()
	a.queue = append(a.queue, queuedMessage{ID: id, Kind: kindUser, Text: text})
	a.iteration = 0
	a.streaks = make(map[string]int)
	a.allowOnly = ""
	a.suppress = false
	a.mu.Unlock()
	if err := a.persistMeta(ctx); err != nil {
		a.deps.Logger.Warn(ctx, "persist queued message failed", "agent", a.id.String(), "err", err.Error())
	}
	return id
}

// SendReminder enqueues a reminder message. Reminder content is wrapped in a
// system-reminder envelope at flush time.
func (a *Agent) SendReminder(ctx context.Context, text string, opts ReminderOptions) string {
	id := uuid.NewString()
	a.mu.Lock()
	a.queue = append(a.queue, queuedMessage{
		ID:                 id,
		Kind:               kindReminder,
		Text:               text,
		SkipStandardEnding: opts.SkipStandardEnding,
		Category:           opts.Category,
	})
	a.mu.Unlock()
	if err := a.persistMeta(ctx); err != nil {
		a.deps.Logger.Warn(ctx, "persist queued reminder failed", "agent", a.id.String(), "err", err.Error())
	}
	return id
}

// SetTodos replaces the todo list and persists it.
func (a *Agent) SetTodos(ctx context.Context, items []todo.Item) error {
	if err := a.todos.Set(items); err != nil {
		return err
	}
	return a.deps.Store.SaveTodos(ctx, a.id, a.todos.Snapshot())
}

// ApproveToolCall resolves a pending approval with an allow decision.
func (a *Agent) ApproveToolCall(ctx context.Context, callID, decidedBy, note string) error {
	return a.perm.Approve(ctx, callID, decidedBy, note)
}

// DenyToolCall resolves a pending approval with a deny decision.
func (a *Agent) DenyToolCall(ctx context.Context, callID, decidedBy, reason string) error {
	return a.perm.Deny(ctx, callID, decidedBy, reason)
}

// PendingApprovals returns the call ids awaiting a decision.
func (a *Agent) PendingApprovals() []string { return a.perm.PendingIDs() }

// ActivateSkill loads a discovered skill, appends its activation block as a
// reminder, and persists the activation set.
func (a *Agent) ActivateSkill(ctx context.Context, name string) error {
	return a.activateSkill(ctx, name, skills.ActivatedByModel)
}

func (a *Agent) activateSkill(ctx context.Context, name, source string) error {
	skill, err := a.skillMgr.Activate(ctx, name, source)
	if err != nil {
		return err
	}
	a.SendReminder(ctx, skills.ActivationBlock(skill), ReminderOptions{
		SkipStandardEnding: true,
		Category:           "skill",
	})
	return a.persistMeta(ctx)
}

// emit publishes an event on the agent's bus.
func (a *Agent) emit(ctx context.Context, ev events.Event) events.Bookmark {
	return a.bus.Emit(ctx, ev)
}

// transition moves the runtime state, emitting state_changed. Transitions to
// the current state are no-ops.
func (a *Agent) transition(ctx context.Context, to agent.RuntimeState) {
	a.mu.Lock()
	from := a.state
	if from == to {
		a.mu.Unlock()
		return
	}
	a.state = to
	if to == agent.StatePaused {
		select {
		case a.pauses <- struct{}{}:
		default:
		}
	}
	a.mu.Unlock()
	a.emit(ctx, events.NewStateChanged(from, to))
}

// setBreakpoint moves the breakpoint, emitting breakpoint_changed and
// persisting meta so crash recovery can see where the step died.
func (a *Agent) setBreakpoint(ctx context.Context, to agent.Breakpoint) {
	a.mu.Lock()
	from := a.breakpoint
	if from == to {
		a.mu.Unlock()
		return
	}
	a.breakpoint = to
	a.mu.Unlock()
	a.emit(ctx, events.NewBreakpointChanged(from, to))
	if err := a.persistMeta(ctx); err != nil {
		a.deps.Logger.Warn(ctx, "persist breakpoint failed", "agent", a.id.String(), "err", err.Error())
	}
}

// appendMessage appends to the message log, persists it, and notifies the
// messages-changed hooks.
func (a *Agent) appendMessage(ctx context.Context, msg message.Message) error {
	a.mu.Lock()
	a.messages = append(a.messages, msg)
	snapshot := message.Clone(a.messages)
	a.mu.Unlock()
	a.hookReg.MessagesChanged(ctx, snapshot)
	return a.persistMessages(ctx)
}

func (a *Agent) persistMessages(ctx context.Context) error {
	a.mu.Lock()
	msgs := message.Clone(a.messages)
	a.mu.Unlock()
	if err := a.deps.Store.SaveMessages(ctx, a.id, msgs); err != nil {
		return err
	}
	return a.persistMeta(ctx)
}

func (a *Agent) persistRecords(ctx context.Context) error {
	a.mu.Lock()
	recs := make([]*tools.Record, 0, len(a.recOrder))
	for _, id := range a.recOrder {
		recs = append(recs, a.records[id].Clone())
	}
	a.mu.Unlock()
	return a.deps.Store.SaveToolCalls(ctx, a.id, recs)
}

// persistMeta writes the agent meta, including the serialized config so the
// agent is resumable from meta alone.
func (a *Agent) persistMeta(ctx context.Context) error {
	a.mu.Lock()
	info := &store.Info{
		AgentID:       a.id,
		TemplateID:    a.cfg.TemplateID,
		CreatedAt:     a.createdAt,
		Lineage:       append([]agent.Ident(nil), a.lineage...),
		ConfigVersion: 1,
		MessageCount:  len(a.messages),
		LastSFPIndex:  message.LastSafeForkPoint(a.messages),
		LastBookmark:  a.bus.LastBookmark(),
		Breakpoint:    a.breakpoint,
	}
	queue := append([]queuedMessage(nil), a.queue...)
	order := append([]string(nil), a.toolOrder...)
	steps, iteration, usage := a.steps, a.iteration, a.usage
	a.mu.Unlock()

	descriptors := make([]tools.Descriptor, 0, len(order))
	for _, name := range order {
		descriptors = append(descriptors, a.enabled[name].Descriptor())
	}
	if err := info.SetMeta("config", a.cfg); err != nil {
		return &agent.StorageError{Op: "save_info", Err: err}
	}
	_ = info.SetMeta("toolDescriptors", descriptors)
	_ = info.SetMeta("activatedSkills", a.skillMgr.Activated())
	_ = info.SetMeta("stepCount", steps)
	_ = info.SetMeta("iterationCount", iteration)
	_ = info.SetMeta("usage", usage)
	_ = info.SetMeta("queue", queue)
	for k, v := range a.cfg.Metadata {
		_ = info.SetMeta(k, v)
	}
	return a.deps.Store.SaveInfo(ctx, info)
}

// record registers a new tool-call record.
func (a *Agent) record(rec *tools.Record) {
	a.mu.Lock()
	if _, exists := a.records[rec.ID]; !exists {
		a.recOrder = append(a.recOrder, rec.ID)
	}
	a.records[rec.ID] = rec
	a.mu.Unlock()
}

// Interrupt seals all non-terminal tool calls, cancels the processing task
// and active tools, appends synthetic tool results for dangling tool uses,
// persists, and returns the agent to Ready.
func (a *Agent) Interrupt(ctx context.Context, note string) error {
	if note == "" {
		note = "Interrupted by caller"
	}
	a.mu.Lock()
	a.interrupted = true
	cancels := make([]context.CancelFunc, 0, len(a.toolCancels)+1)
	for _, c := range a.toolCancels {
		cancels = append(cancels, c)
	}
	if a.procCancel != nil {
		cancels = append(cancels, a.procCancel)
	}
	a.mu.Unlock()

	a.perm.CancelPending(ctx, note)
	for _, cancel := range cancels {
		cancel()
	}
	a.sealNonTerminal(ctx, note)
	if _, err := a.autoSealDanglingToolUses(ctx, note); err != nil {
		return err
	}
	a.setBreakpoint(ctx, agent.BreakReady)
	a.transition(ctx, agent.StateReady)

	a.mu.Lock()
	a.interrupted = false
	a.mu.Unlock()
	return a.persistMeta(ctx)
}

// sealNonTerminal seals every non-terminal tool-call record with the given
// note.
func (a *Agent) sealNonTerminal(ctx context.Context, note string) {
	a.mu.Lock()
	var sealed []*tools.Record
	for _, id := range a.recOrder {
		rec := a.records[id]
		if rec.State.Terminal() {
			continue
		}
		payload := tools.SealPayload(rec.State, note, rec.ID)
		if rec.Seal(payload) {
			sealed = append(sealed, rec)
		}
	}
	a.mu.Unlock()
	if len(sealed) > 0 {
		if err := a.persistRecords(ctx); err != nil {
			a.deps.Logger.Warn(ctx, "persist sealed records failed", "agent", a.id.String(), "err", err.Error())
		}
	}
}

// Close disposes the agent: cancels processing and tools, resolves pending
// approvals as denied, stops the scheduler, closes the bus and sandbox.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancels := make([]context.CancelFunc, 0, len(a.toolCancels)+1)
	for _, c := range a.toolCancels {
		cancels = append(cancels, c)
	}
	if a.procCancel != nil {
		cancels = append(cancels, a.procCancel)
	}
	a.mu.Unlock()

	ctx := context.Background()
	a.perm.CancelPending(ctx, "agent disposed")
	for _, cancel := range cancels {
		cancel()
	}
	a.sched.Close()
	a.bus.Close()
	if a.deps.Sandbox != nil {
		if err := a.deps.Sandbox.Close(); err != nil {
			return fmt.Errorf("dispose sandbox: %w", err)
		}
	}
	return nil
}
