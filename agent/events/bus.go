package events

import (
	"context"
	"sync"
	"time"
)

type (
	// Timeline is the durable event log the bus persists envelopes to.
	// Implemented by the store backends; kept as a local interface so the bus
	// does not depend on a concrete store.
	Timeline interface {
		// AppendEvent persists one envelope. Envelopes are appended in cursor
		// order.
		AppendEvent(ctx context.Context, env Envelope) error
		// ReadEvents returns persisted envelopes with cursor greater than
		// after, in cursor order. A zero after reads from the beginning.
		ReadEvents(ctx context.Context, after int64) ([]Envelope, error)
	}

	// Bus assigns cursors and bookmarks, persists envelopes before notifying
	// subscribers, and buffers envelopes in memory when persistence fails so
	// live consumers keep receiving events during storage outages.
	Bus struct {
		mu       sync.Mutex
		timeline Timeline
		cursor   int64
		last     Bookmark
		subs     map[*Subscription]struct{}
		failed   []Envelope
		inFail   bool
		closed   bool
		now      func() time.Time
	}

	// SubscribeOptions filters a subscription.
	SubscribeOptions struct {
		// Channels restricts delivery to the given channels; empty means all.
		Channels []Channel
		// Since requests replay of persisted events with sequence numbers
		// strictly greater than Since.Seq before live delivery begins. A
		// Since older than the earliest retained event replays from the
		// earliest. Nil skips replay.
		Since *Bookmark
		// Types restricts delivery to the given event type strings; empty
		// means all.
		Types []string
	}

	// Subscription is one consumer of the bus. Events are delivered on C in
	// emission order with no gaps for the subscribed filter; the internal
	// queue is unbounded so a slow consumer never blocks the emitter.
	Subscription struct {
		// C delivers envelopes in order. Closed when the subscription or the
		// bus is closed.
		C <-chan Envelope

		bus      *Bus
		out      chan Envelope
		channels map[Channel]struct{}
		types    map[string]struct{}

		qmu       sync.Mutex
		pending   []Envelope
		wake      chan struct{}
		done      chan struct{}
		draining  chan struct{}
		once      sync.Once
		drainOnce sync.Once
	}

	// BusOption configures a Bus.
	BusOption func(*Bus)
)

// WithStartSeq seeds the cursor so the first emitted event gets seq+1. Used
// on resume with the persisted last bookmark to keep sequence numbers
// strictly increasing across process restarts.
func WithStartSeq(seq int64) BusOption {
	return func(b *Bus) { b.cursor = seq }
}

// WithClock overrides the bookmark timestamp source, for tests.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// NewBus constructs a bus persisting to the given timeline. A nil timeline
// makes the bus purely in-process.
func NewBus(timeline Timeline, opts ...BusOption) *Bus {
	b := &Bus{
		timeline: timeline,
		subs:     make(map[*Subscription]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.last = Bookmark{Seq: b.cursor}
	return b
}

// Emit assigns the next cursor and bookmark to ev, persists the envelope,
// then notifies subscribers. Persistence happens before notification so a
// consumer never observes an event the timeline does not hold; when
// persistence fails the envelope is buffered, a storage_failure monitor
// event is emitted, and live delivery proceeds anyway.
func (b *Bus) Emit(ctx context.Context, ev Event) Bookmark {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return b.last
	}
	b.cursor++
	bm := Bookmark{Seq: b.cursor, Timestamp: b.now().UnixMilli()}
	b.last = bm
	ev.setBookmark(bm)
	env := Envelope{Cursor: bm.Seq, Bookmark: bm, Event: ev}

	var persistErr error
	if b.timeline != nil {
		persistErr = b.timeline.AppendEvent(ctx, env)
		if persistErr != nil {
			b.failed = append(b.failed, env)
		}
	}
	for sub := range b.subs {
		sub.enqueue(env)
	}
	emitFailure := persistErr != nil && !b.inFail
	if emitFailure {
		b.inFail = true
	}
	b.mu.Unlock()

	if emitFailure {
		b.Emit(ctx, NewStorageFailure("append_event", persistErr.Error()))
		b.mu.Lock()
		b.inFail = false
		b.mu.Unlock()
	}
	return bm
}

// LastBookmark returns the bookmark of the most recently emitted event, or
// the seed bookmark when nothing was emitted yet.
func (b *Bus) LastBookmark() Bookmark {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// FailedEventCount returns the number of envelopes buffered after failed
// persistence attempts.
func (b *Bus) FailedEventCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.failed)
}

// FlushFailed retries persistence for buffered envelopes in order. It stops
// at the first failure, keeping that envelope and its successors buffered,
// and returns the failure.
func (b *Bus) FlushFailed(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timeline == nil {
		b.failed = nil
		return nil
	}
	for len(b.failed) > 0 {
		if err := b.timeline.AppendEvent(ctx, b.failed[0]); err != nil {
			return err
		}
		b.failed = b.failed[1:]
	}
	return nil
}

// Subscribe registers a consumer. When opts.Since is set, persisted events
// after the bookmark are replayed first; live events emitted during the
// replay read queue behind it, so the consumer observes emission order with
// no duplicates.
func (b *Bus) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	sub := &Subscription{
		bus:      b,
		out:      make(chan Envelope),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		draining: make(chan struct{}),
	}
	sub.C = sub.out
	if len(opts.Channels) > 0 {
		sub.channels = make(map[Channel]struct{}, len(opts.Channels))
		for _, ch := range opts.Channels {
			sub.channels[ch] = struct{}{}
		}
	}
	if len(opts.Types) > 0 {
		sub.types = make(map[string]struct{}, len(opts.Types))
		for _, t := range opts.Types {
			sub.types[t] = struct{}{}
		}
	}

	// The replay read happens under the bus lock so no live emission can
	// interleave between replay and registration.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub, nil
	}
	if opts.Since != nil && b.timeline != nil {
		replay, err := b.timeline.ReadEvents(ctx, opts.Since.Seq)
		if err != nil {
			b.mu.Unlock()
			close(sub.out)
			return nil, err
		}
		for _, env := range replay {
			sub.enqueue(env)
		}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub, nil
}

// Close closes the bus and every subscription. Buffered failed envelopes are
// discarded; callers that care flush before closing.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

// Close cancels the subscription and closes its channel once pending events
// are dropped.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.stop()
}

// Drain deregisters the subscription so it receives no further events, then
// closes C once every envelope enqueued before the call is delivered. The
// caller must keep receiving from C until it closes.
func (s *Subscription) Drain() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.drainOnce.Do(func() { close(s.draining) })
}

func (s *Subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) matches(env Envelope) bool {
	if s.channels != nil {
		if _, ok := s.channels[env.Event.Channel()]; !ok {
			return false
		}
	}
	if s.types != nil {
		if _, ok := s.types[env.Event.Type()]; !ok {
			return false
		}
	}
	return true
}

func (s *Subscription) enqueue(env Envelope) {
	if !s.matches(env) {
		return
	}
	s.qmu.Lock()
	s.pending = append(s.pending, env)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.qmu.Lock()
		batch := s.pending
		s.pending = nil
		s.qmu.Unlock()
		for _, env := range batch {
			select {
			case s.out <- env:
			case <-s.done:
				return
			}
		}
		select {
		case <-s.wake:
		case <-s.draining:
			if s.flushed() {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) flushed() bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.pending) == 0
}
