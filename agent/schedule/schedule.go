// Package schedule implements per-agent triggers: every N completed steps,
// once after a duration, or on a cron spec. Fires are reported on the
// monitor channel as scheduler_triggered events.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"goa.design/agentcore/agent/events"
)

type (
	// Kind is the trigger kind.
	Kind string

	// Trigger describes one registered trigger.
	Trigger struct {
		// ID identifies the trigger.
		ID string `json:"id"`
		// Kind is "steps", "time", or "cron".
		Kind Kind `json:"kind"`
		// Spec is the trigger specification in string form: the step count,
		// the duration, or the cron expression.
		Spec string `json:"spec"`
	}

	// Scheduler owns the triggers of one agent. It is created with the agent
	// and must be closed with it so timers and the cron runner stop.
	Scheduler struct {
		mu       sync.Mutex
		emit     func(context.Context, events.Event) events.Bookmark
		steps    map[string]*stepTrigger
		timers   map[string]*time.Timer
		cronIDs  map[string]cron.EntryID
		triggers map[string]Trigger
		cron     *cron.Cron
		closed   bool
	}

	stepTrigger struct {
		every int
	}
)

// Trigger kinds.
const (
	KindSteps Kind = "steps"
	KindTime  Kind = "time"
	KindCron  Kind = "cron"
)

// NewScheduler constructs a scheduler emitting through the given function.
func NewScheduler(emit func(context.Context, events.Event) events.Bookmark) *Scheduler {
	return &Scheduler{
		emit:     emit,
		steps:    make(map[string]*stepTrigger),
		timers:   make(map[string]*time.Timer),
		cronIDs:  make(map[string]cron.EntryID),
		triggers: make(map[string]Trigger),
	}
}

// OnSteps registers a trigger firing every n completed steps.
func (s *Scheduler) OnSteps(id string, n int) error {
	if n <= 0 {
		return fmt.Errorf("schedule: step trigger %q requires n > 0", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserve(id); err != nil {
		return err
	}
	s.steps[id] = &stepTrigger{every: n}
	s.triggers[id] = Trigger{ID: id, Kind: KindSteps, Spec: fmt.Sprintf("%d", n)}
	return nil
}

// OnTimer registers a trigger firing once after d.
func (s *Scheduler) OnTimer(id string, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("schedule: time trigger %q requires a positive duration", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserve(id); err != nil {
		return err
	}
	trig := Trigger{ID: id, Kind: KindTime, Spec: d.String()}
	s.triggers[id] = trig
	s.timers[id] = time.AfterFunc(d, func() {
		s.fire(trig)
		s.mu.Lock()
		delete(s.timers, id)
		delete(s.triggers, id)
		s.mu.Unlock()
	})
	return nil
}

// OnCron registers a trigger firing on a standard 5-field cron spec.
func (s *Scheduler) OnCron(id, spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("schedule: cron trigger %q: %w", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserve(id); err != nil {
		return err
	}
	if s.cron == nil {
		s.cron = cron.New()
		s.cron.Start()
	}
	trig := Trigger{ID: id, Kind: KindCron, Spec: spec}
	entryID, err := s.cron.AddFunc(spec, func() { s.fire(trig) })
	if err != nil {
		return fmt.Errorf("schedule: cron trigger %q: %w", id, err)
	}
	s.cronIDs[id] = entryID
	s.triggers[id] = trig
	return nil
}

// Remove unregisters a trigger. Removing an unknown id is a no-op.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.steps, id)
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	if entryID, ok := s.cronIDs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, id)
	}
	delete(s.triggers, id)
}

// Triggers returns the registered triggers.
func (s *Scheduler) Triggers() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	return out
}

// NotifyStep reports step completion n. Step triggers fire when n is a
// positive multiple of their interval.
func (s *Scheduler) NotifyStep(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	var fired []Trigger
	for id, t := range s.steps {
		if n%t.every == 0 {
			fired = append(fired, s.triggers[id])
		}
	}
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	for _, trig := range fired {
		s.emit(ctx, events.NewSchedulerTriggered(trig.ID, trig.Spec, string(trig.Kind), time.Now().UTC()))
	}
}

// Close stops all timers and the cron runner. Subsequent fires are dropped.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

func (s *Scheduler) reserve(id string) error {
	if id == "" {
		return fmt.Errorf("schedule: trigger requires an id")
	}
	if s.closed {
		return fmt.Errorf("schedule: scheduler closed")
	}
	if _, exists := s.triggers[id]; exists {
		return fmt.Errorf("schedule: trigger %q already registered", id)
	}
	return nil
}

func (s *Scheduler) fire(trig Trigger) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.emit(context.Background(), events.NewSchedulerTriggered(trig.ID, trig.Spec, string(trig.Kind), time.Now().UTC()))
}
