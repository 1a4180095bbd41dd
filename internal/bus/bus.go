// Package bus implements the in-process live fan-out bus (spec §4.6): a
// bounded, multi-producer/multi-consumer distribution point for a task's
// completed subtile events, with per-subscriber buffering so one slow
// viewer session can never block another, or the publisher — and a
// slow-session timeout that disconnects a subscriber outright once it's
// been falling behind longer than the configured grace period (spec §4.6
// /§5/§7: SlowConsumer).
//
// Grounded on the broadcastLoop/per-client-channel shape used for
// frame fan-out in the corpus's visualiser package, generalized from a
// single global channel to one bus per task and from frames to the
// scan's own event type.
package bus

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recursive-emergence/terrascan/internal/timeutil"
)

// ErrSlowConsumer is the reason a Subscriber's channel was closed by the
// bus itself rather than by Unsubscribe or Close — spec's SlowConsumer
// error kind (§7): it fell behind by slow_session_timeout_ms and was
// dropped so it stops holding back fan-out bookkeeping for the rest of
// its session's lifetime.
var ErrSlowConsumer = errors.New("bus: subscriber disconnected for falling too far behind")

// defaultSlowSessionTimeout is used when New is called directly, for
// callers (tests, mostly) that don't care about the slow-consumer path.
// Production wiring goes through NewWithSlowTimeout with
// config.GetSlowSessionTimeoutMs.
const defaultSlowSessionTimeout = 5 * time.Second

// Event is one unit published onto a Bus. The executor pool publishes one
// Event per completed subtile, in cache-write order (spec invariant:
// "cache-before-publish ordering" — a subscriber never observes an event
// for a key before Get(key) on the cache would succeed).
type Event struct {
	TaskID   string
	Seq      uint64 // monotonic per-task high-water mark
	Level    int
	TileRow  int
	TileCol  int
	SubRow   int
	SubCol   int
	Elevation float64
	HasData   bool // false when Elevation is NaN ("sampled, no data")
}

// Subscriber is a bounded per-consumer channel handed out by Subscribe.
type Subscriber struct {
	id uint64
	ch chan Event

	mu          sync.Mutex
	firstDropAt time.Time
	err         error
}

// C returns the channel to receive events from. It is closed when the
// subscriber is removed via Unsubscribe, disconnected as a slow
// consumer, or the Bus is Closed.
func (s *Subscriber) C() <-chan Event { return s.ch }

// Err reports why C() closed: ErrSlowConsumer if the bus disconnected
// this subscriber for falling behind, nil for an ordinary Unsubscribe or
// Close. Only meaningful after C() has been observed closed.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Bus fans out Events to any number of subscribers. A slow subscriber
// whose buffer is full misses the newly published event (the events
// already buffered stay queued) rather than stalling the publisher or
// other subscribers (spec: "a subscriber may miss
// intermediate events it fell behind on, but never observes an event for
// a key it will later claim was never published").
type Bus struct {
	capacity    int
	slowTimeout time.Duration
	clock       timeutil.Clock

	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID atomic.Uint64
	seq    atomic.Uint64
	closed bool
}

// New returns a Bus whose subscriber channels each buffer up to capacity
// events, after which further events for it are dropped, using the default slow-consumer
// grace period. Production code should prefer NewWithSlowTimeout so the
// grace period follows config.GetSlowSessionTimeoutMs.
func New(capacity int) *Bus {
	return NewWithSlowTimeout(capacity, defaultSlowSessionTimeout, timeutil.RealClock{})
}

// NewWithSlowTimeout is New, with an explicit slow-consumer grace period
// and clock (for deterministic tests). A subscriber that has had every
// Publish dropped for longer than slowTimeout is disconnected.
func NewWithSlowTimeout(capacity int, slowTimeout time.Duration, clock timeutil.Clock) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	if slowTimeout <= 0 {
		slowTimeout = defaultSlowSessionTimeout
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Bus{
		capacity:    capacity,
		slowTimeout: slowTimeout,
		clock:       clock,
		subs:        make(map[uint64]*Subscriber),
	}
}

// Subscribe registers a new subscriber and returns it. Callers must call
// Unsubscribe when done to release resources.
func (b *Bus) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		id: b.nextID.Add(1),
		ch: make(chan Event, b.capacity),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// NextSeq allocates the next monotonically increasing sequence number for
// this bus, used by the executor pool to stamp Events with a high-water
// mark a replaying subscriber can compare against.
func (b *Bus) NextSeq() uint64 {
	return b.seq.Add(1)
}

// Publish delivers ev to every current subscriber, dropping it for any
// subscriber whose buffer is full (never for the publisher itself: this
// call never blocks). A subscriber that has had events dropped
// continuously for longer than the bus's slow-consumer timeout is
// disconnected outright (spec §7: SlowConsumer).
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	now := b.clock.Now()
	var slow []*Subscriber
	for _, sub := range b.subs {
		select {
		case sub.ch <- ev:
			sub.mu.Lock()
			sub.firstDropAt = time.Time{}
			sub.mu.Unlock()
		default:
			sub.mu.Lock()
			if sub.firstDropAt.IsZero() {
				sub.firstDropAt = now
			}
			fellBehindFor := now.Sub(sub.firstDropAt)
			sub.mu.Unlock()
			log.Printf("bus: dropping event seq=%d for slow subscriber on task %s", ev.Seq, ev.TaskID)
			if fellBehindFor >= b.slowTimeout {
				slow = append(slow, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range slow {
		b.disconnectSlow(sub)
	}
}

// disconnectSlow removes sub and closes its channel with Err() set to
// ErrSlowConsumer, so the session reading it can tell a slow-consumer
// disconnect apart from a normal task-completion close.
func (b *Bus) disconnectSlow(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	sub.mu.Lock()
	sub.err = ErrSlowConsumer
	sub.mu.Unlock()
	close(sub.ch)
	log.Printf("bus: disconnecting subscriber id=%d as a slow consumer", sub.id)
}

// SubscriberCount reports how many subscribers are currently attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes and closes the channel of every current subscriber,
// and rejects any future Subscribe call with an already-closed channel.
// Used when a task's controller tears the task down (spec: stop/evict).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
