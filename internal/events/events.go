// Package events carries engine notifications to observers.
//
// The engine publishes to a Bus. Subscribers receive events on buffered
// channels and never block the tick loop: a full subscriber drops the event
// and its drop counter grows. Sinks attached to the bus (the NDJSON log) are
// called synchronously in publish order. Poll-style observers can use the
// store's cursor queries instead.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	FrameCommitted  Type = "frame.committed"
	TaskStatus      Type = "task.status"
	ActionCommitted Type = "action.committed"
	NodeMounted     Type = "node.mounted"
	NodeUnmounted   Type = "node.unmounted"
	NodeStatus      Type = "node.status"
	EffectRun       Type = "effect.run"
	LintWarning     Type = "lint.warning"
	ExecutionStatus Type = "execution.status"

	ApprovalRequested Type = "approval.requested"
	ApprovalDecided   Type = "approval.decided"
	ArtifactWritten   Type = "artifact.written"
)

// Event is one notification.
type Event struct {
	Seq         int64          `json:"seq"`
	Type        Type           `json:"type"`
	ExecutionID string         `json:"execution_id"`
	FrameSeq    int64          `json:"frame_seq"`
	NodeID      string         `json:"node_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	Status      string         `json:"status,omitempty"`
	Key         string         `json:"key,omitempty"`
	Message     string         `json:"message,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty"`
	Time        time.Time      `json:"time"`
}

// Sink receives every published event synchronously.
type Sink interface {
	Emit(Event) error
}

// Subscription is a subscriber's channel.
type Subscription struct {
	C <-chan Event

	bus     *Bus
	id      int
	ch      chan Event
	filter  map[Type]bool
	mu      sync.Mutex
	dropped int
}

// Dropped returns how many events were dropped because C was full.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes C.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus fans events out to subscribers and sinks. The zero value is not
// usable; call NewBus.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	sinks  []Sink
	nextID int
	seq    int64
	logger *slog.Logger
	now    func() time.Time
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithSink attaches a synchronous sink.
func WithSink(s Sink) BusOption {
	return func(b *Bus) { b.sinks = append(b.sinks, s) }
}

// WithLogger sets the logger used for sink failures.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = l }
}

// WithClock sets the timestamp source for events published without a time.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.now = now }
}

// NewBus creates a bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[int]*Subscription),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber with the given buffer size. When types
// are given only those event types are delivered.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	s := &Subscription{C: ch, ch: ch, bus: b}
	if len(types) > 0 {
		s.filter = make(map[Type]bool, len(types))
		for _, t := range types {
			s.filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	s.id = b.nextID
	b.nextID++
	b.subs[s.id] = s
	return s
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Publish stamps e with the next sequence number and delivers it.
// A nil bus discards events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = b.now()
	}

	for _, sink := range b.sinks {
		if err := sink.Emit(e); err != nil {
			b.logger.Warn("event sink failed", "type", e.Type, "error", err)
		}
	}
	for _, s := range b.subs {
		if s.filter != nil && !s.filter[e.Type] {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
		}
	}
}

// Close closes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
