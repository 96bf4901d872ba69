package observability

import (
	"context"
	"sync"
	"sync/atomic"
)

// Broadcaster is a sink that fans records out to live subscribers, each
// with its own view filter. A subscriber whose buffer is full misses the
// record; the emitter is never held up by a slow viewer.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	dropped atomic.Int64
}

type subscriber struct {
	filter ViewFilter
	ch     chan Record
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]*subscriber)}
}

func (b *Broadcaster) Name() string { return "broadcast" }

func (b *Broadcaster) Deliver(_ context.Context, rec Record) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.filter != nil && !s.filter(rec) {
			continue
		}
		select {
		case s.ch <- rec:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a viewer. The returned cancel function closes the
// channel and is safe to call more than once.
func (b *Broadcaster) Subscribe(filter ViewFilter, buffer int) (<-chan Record, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{filter: filter, ch: make(chan Record, buffer)}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for full buffers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}
