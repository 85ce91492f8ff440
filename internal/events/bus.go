package events

import (
	"slices"
	"sync"
	"time"
)

const DefaultCapacity = 1000

type Kind string

const (
	KindStatus          Kind = "status"
	KindProofCreated    Kind = "proof-created"
	KindArtifactCreated Kind = "artifact-created"
	KindDecisionAuto    Kind = "decision-auto"
	KindQuestion        Kind = "question"
)

// Kinds lists the event kinds published by the orchestrator.
var Kinds = []Kind{KindStatus, KindProofCreated, KindArtifactCreated, KindDecisionAuto, KindQuestion}

type Payload map[string]any

// Event is a notification kept only in the bus ring buffer.
type Event struct {
	ID        int64   `json:"id"`
	TS        string  `json:"ts" format:"date-time"`
	Kind      Kind    `json:"kind"`
	ProjectID string  `json:"project_id"`
	RunID     string  `json:"run_id,omitempty"`
	Summary   string  `json:"summary"`
	Data      Payload `json:"data,omitempty"`
}

// Filter narrows a subscription; zero values match everything.
type Filter struct {
	ProjectID string
	RunID     string
	Kinds     []Kind
}

func (f Filter) Match(e Event) bool {
	if f.ProjectID != "" && f.ProjectID != e.ProjectID {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	return true
}

// Handler receives events synchronously while the bus is locked. It must not
// block and must not call back into the bus.
type Handler func(Event)

type subscription struct {
	filter  Filter
	handler Handler
}

// Bus is an in-process publish/subscribe hub with a bounded replay buffer.
type Bus struct {
	mu      sync.Mutex
	ring    []Event
	head    int
	count   int
	seq     int64
	subs    map[uint64]subscription
	nextSub uint64
	now     func() time.Time
}

// NewBus returns a bus retaining the last capacity events.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		ring: make([]Event, capacity),
		subs: make(map[uint64]subscription),
		now:  time.Now,
	}
}

// SetClock overrides the timestamp source.
func (b *Bus) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// Seed makes the sequence continue after start. It has no effect once an
// event was emitted.
func (b *Bus) Seed(start int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seq == 0 && start > 0 {
		b.seq = start
	}
}

// Emit assigns the next sequence id and timestamp, buffers the event and
// delivers it to every matching subscriber in order.
func (b *Bus) Emit(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	e.ID = b.seq
	if e.TS == "" {
		e.TS = b.now().UTC().Format(time.RFC3339Nano)
	}
	capacity := len(b.ring)
	if b.count < capacity {
		b.ring[(b.head+b.count)%capacity] = e
		b.count++
	} else {
		b.ring[b.head] = e
		b.head = (b.head + 1) % capacity
	}
	for _, s := range b.subs {
		if s.filter.Match(e) {
			s.handler(e)
		}
	}
	return e
}

// Subscribe registers h for live events only.
func (b *Bus) Subscribe(f Filter, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.register(f, h)
}

// SubscribeFrom replays buffered events with id greater than lastEventID and
// then switches to live delivery, with no gap or duplicate in between.
// Events evicted from the buffer are not replayed. A cursor ahead of the
// sequence was issued by another process and replays the whole buffer.
func (b *Bus) SubscribeFrom(f Filter, lastEventID int64, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lastEventID > b.seq {
		lastEventID = 0
	}
	for _, e := range b.snapshot(f, lastEventID) {
		h(e)
	}
	return b.register(f, h)
}

func (b *Bus) register(f Filter, h Handler) func() {
	id := b.nextSub
	b.nextSub++
	b.subs[id] = subscription{filter: f, handler: h}
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Replay returns the buffered events matching f with id greater than after.
func (b *Bus) Replay(f Filter, after int64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshot(f, after)
}

func (b *Bus) snapshot(f Filter, after int64) []Event {
	var out []Event
	capacity := len(b.ring)
	for i := 0; i < b.count; i++ {
		e := b.ring[(b.head+i)%capacity]
		if e.ID <= after || !f.Match(e) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Oldest returns the smallest buffered id, 0 when empty.
func (b *Bus) Oldest() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return 0
	}
	return b.ring[b.head].ID
}

// Stale reports whether cursor is ahead of every id this bus assigned.
func (b *Bus) Stale(cursor int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return cursor > b.seq
}

// Last returns the most recently assigned id.
func (b *Bus) Last() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Capacity returns the size of the replay buffer.
func (b *Bus) Capacity() int { return len(b.ring) }

// Len returns the number of buffered events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
