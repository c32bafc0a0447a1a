// Package eventbus carries small in-process signals between components
// that must not block one another.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
// The schedule engine, the materialization driver and the reminder
// dispatcher publish here; the app subscribes for debug logging.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers drain their channel promptly; a full buffer drops.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())

	// Dropped reports how many events were discarded because a
	// subscriber's buffer was full. Useful in shutdown logs.
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines; Publish
// does all delivery inline.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot under the read lock; sends happen lock-free.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		b.offer(ch, e)
	}
}

// offer attempts a non-blocking send. Unsubscribe may close the channel
// between the snapshot and the send, so the panic is absorbed here.
func (b *fanout) offer(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (b *fanout) Dropped() uint64 { return b.dropped.Load() }
