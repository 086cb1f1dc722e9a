package broadcast

import (
	"sync"

	"github.com/google/uuid"

	domain "github.com/oshokin/appliance-updater/internal/domain/update"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 64

type subscriber struct {
	ch chan domain.Snapshot
}

// Broadcaster delivers snapshots to every live subscriber.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID]*subscriber
	bufferSize  int
	closed      bool
	// onDrop, when set, is called with the id of a subscriber dropped for lagging.
	onDrop func(id uuid.UUID)
}

// New creates a broadcaster with the given per-subscriber buffer size.
func New(bufferSize int, onDrop func(id uuid.UUID)) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &Broadcaster{
		subscribers: make(map[uuid.UUID]*subscriber),
		bufferSize:  bufferSize,
		onDrop:      onDrop,
	}
}

// Subscribe registers a subscriber whose channel first yields initial.
// The returned cancel function unregisters it and closes the channel; it is safe to call twice.
// Subscribing to a closed broadcaster returns an already closed channel.
func (b *Broadcaster) Subscribe(initial domain.Snapshot) (<-chan domain.Snapshot, func()) {
	ch := make(chan domain.Snapshot, b.bufferSize)
	ch <- initial

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := uuid.New()
	b.subscribers[id] = &subscriber{ch: ch}

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.remove(id)
		})
	}
}

// Publish sends the snapshot to every subscriber without blocking.
func (b *Broadcaster) Publish(snapshot domain.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for id, sub := range b.subscribers {
		select {
		case sub.ch <- snapshot.Clone():
		default:
			delete(b.subscribers, id)
			close(sub.ch)

			if b.onDrop != nil {
				b.onDrop(id)
			}
		}
	}
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subscribers)
}

// Close drops every subscriber. Later publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

func (b *Broadcaster) remove(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}
